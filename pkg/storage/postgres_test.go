package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("connection reset by peer"), true},
		{&pq.Error{Code: "57P01"}, true},
		{&pq.Error{Code: "40001"}, true},
		{&pq.Error{Code: "23505"}, false},
		{&pq.Error{Code: "42P01"}, false},
		{fmt.Errorf("keyword 1: %w", ErrNotFound), false},
		{fmt.Errorf("keyword 1: %w", ErrClaimLost), false},
		{fmt.Errorf("search result 1: %w", ErrResultFinal), false},
		{sql.ErrNoRows, false},
		{context.Canceled, false},
		{gobreaker.ErrOpenState, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, isTransient(c.err), "%v", c.err)
	}
}
