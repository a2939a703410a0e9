package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	flag "github.com/spf13/pflag"

	"github.com/rdhawladar/google-scraper/pkg/backend"
	"github.com/rdhawladar/google-scraper/pkg/config"
	"github.com/rdhawladar/google-scraper/pkg/keywords"
	"github.com/rdhawladar/google-scraper/pkg/logger"
	"github.com/rdhawladar/google-scraper/pkg/monitor"
)

const usage = `usage: keywords <command> [flags]

commands:
  upload <file.csv> --owner N   store keywords and queue them for scraping
  list --owner N                list an owner's keywords, newest first
  show <id> --owner N           show a keyword with its search results
  retry <id> --owner N          queue a failed keyword again
  stats                         scraper health and keyword analytics
`

var errUsage = errors.New("invalid usage")

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		slog.Error("command failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd := args[0]

	flags := flag.NewFlagSet(cmd, flag.ContinueOnError)
	configPath := flags.String("config", "config.toml", "path to the TOML config")
	owner := flags.Int64("owner", 0, "owner id")
	if err := flags.Parse(args[1:]); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.InitLogger(cfg, "keywords")
	if cfg.DSN == "" {
		slog.Warn("no dsn configured, keywords only live for this process")
	}

	b, err := backend.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	mon := monitor.New(b.KV, monitor.Config{
		FailureThreshold: cfg.Monitor.FailureThreshold,
		Cooldown:         cfg.Monitor.GetCooldown(),
		Window:           cfg.Monitor.GetWindow(),
		RecoveryRate:     cfg.Monitor.RecoveryRate,
	})
	svc := keywords.NewService(b.Storage, b.Queue, mon)

	var result any
	switch cmd {
	case "upload":
		path, err := arg(flags, 0)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		result, err = svc.Upload(ctx, *owner, f)
		if err != nil {
			return err
		}
	case "list":
		if result, err = svc.List(ctx, *owner); err != nil {
			return err
		}
	case "show":
		id, err := idArg(flags)
		if err != nil {
			return err
		}
		if result, err = svc.Show(ctx, *owner, id); err != nil {
			return err
		}
	case "retry":
		id, err := idArg(flags)
		if err != nil {
			return err
		}
		if err := svc.Retry(ctx, *owner, id); err != nil {
			return err
		}
		result = map[string]any{"id": id, "message": "keyword queued for retry"}
	case "stats":
		if result, err = svc.Stats(ctx); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func arg(flags *flag.FlagSet, i int) (string, error) {
	if flags.NArg() <= i {
		return "", fmt.Errorf("%w: %s needs an argument", errUsage, flags.Name())
	}
	return flags.Arg(i), nil
}

func idArg(flags *flag.FlagSet) (int64, error) {
	s, err := arg(flags, 0)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad keyword id %q", errUsage, s)
	}
	return id, nil
}
