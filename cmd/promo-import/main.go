// Command promo-import loads promotion definitions from newline-delimited
// JSON files (optionally gzip-compressed) into the catalog.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"

	"github.com/xenking/promotion-engine/internal/domain/audit"
	"github.com/xenking/promotion-engine/internal/domain/promotion"
	"github.com/xenking/promotion-engine/internal/repository"
)

func main() {
	var (
		databaseURL string
		actor       string
		update      bool
		capacity    uint
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&actor, "actor", "promo-import", "actor recorded in the audit trail")
	flag.BoolVar(&update, "update", false, "overwrite promotions whose code already exists")
	flag.UintVar(&capacity, "bloom-capacity", 1_000_000, "expected number of distinct codes")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if flag.NArg() == 0 {
		slog.Error("usage: promo-import [flags] file.ndjson[.gz]...")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, actor, update, capacity, flag.Args()); err != nil {
		slog.Error("promotion import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, databaseURL, actor string, update bool, capacity uint, files []string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return errors.Wrapf(err, "check file %s", f)
		}
	}

	pool, err := repository.NewPool(ctx, databaseURL, 4)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// The recorder outlives ctx so a cancelled import still flushes the
	// audit entries of the promotions it wrote.
	recorder := audit.NewRecorder(repository.NewAuditRepository(pool))
	recCtx, stopRecorder := context.WithCancel(context.WithoutCancel(ctx))
	recDone := make(chan struct{})
	go func() {
		defer close(recDone)
		_ = recorder.Run(recCtx)
	}()
	defer func() {
		stopRecorder()
		<-recDone
	}()

	catalog := promotion.NewCatalog(repository.NewPromotionRepository(pool), recorder)
	im, err := newImporter(ctx, catalog, actor, update, capacity)
	if err != nil {
		return err
	}

	st, err := im.run(ctx, files)
	slog.Info("import finished",
		slog.Int("read", st.read),
		slog.Int("created", st.created),
		slog.Int("updated", st.updated),
		slog.Int("skipped", st.skipped),
		slog.Int("invalid", st.invalid),
	)
	return err
}
