package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdhawladar/google-scraper/pkg/storage"
)

func TestRun_Upload(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "keywords.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("keyword\nwireless earbuds\nrunning shoes\n"), 0o644))

	var out bytes.Buffer
	err := run(context.Background(), []string{"upload", csvPath, "--owner", "3", "--config", filepath.Join(dir, "missing.toml")}, &out)
	require.NoError(t, err)

	var kws []storage.Keyword
	require.NoError(t, json.Unmarshal(out.Bytes(), &kws))
	require.Len(t, kws, 2)
	assert.Equal(t, "wireless earbuds", kws[0].Text)
	assert.EqualValues(t, 3, kws[0].OwnerID)
}

func TestRun_Stats(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), []string{"stats", "--config", filepath.Join(t.TempDir(), "missing.toml")}, &out)
	require.NoError(t, err)

	var stats map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &stats))
	assert.Contains(t, stats, "performance")
	assert.Contains(t, stats, "keywords")
}

func TestRun_Usage(t *testing.T) {
	ctx := context.Background()
	cfg := []string{"--config", filepath.Join(t.TempDir(), "missing.toml")}

	assert.ErrorIs(t, run(ctx, nil, &bytes.Buffer{}), errUsage)
	assert.ErrorIs(t, run(ctx, append([]string{"frobnicate"}, cfg...), &bytes.Buffer{}), errUsage)
	assert.ErrorIs(t, run(ctx, append([]string{"show"}, cfg...), &bytes.Buffer{}), errUsage)
	assert.ErrorIs(t, run(ctx, append([]string{"show", "abc"}, cfg...), &bytes.Buffer{}), errUsage)
}
