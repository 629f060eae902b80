package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/promotion-engine/internal/domain/promotion"
)

const (
	bloomFPR      = 0.001
	maxLineBytes  = 1 << 20
	progressEvery = 10_000
)

type catalog interface {
	FindByCode(ctx context.Context, code string) (*promotion.Promotion, error)
	List(ctx context.Context, f promotion.Filter) ([]promotion.Promotion, error)
	Create(ctx context.Context, actor string, p *promotion.Promotion) (*promotion.Promotion, error)
	Update(ctx context.Context, actor, id string, mutate func(p *promotion.Promotion) error) (*promotion.Promotion, error)
}

type record struct {
	file  string
	line  int
	promo *promotion.Promotion
}

type stats struct {
	read    int
	created int
	updated int
	skipped int
	invalid int
}

// importer writes decoded promotions through the catalog. Codes already in
// the catalog or earlier in the input are tracked in a bloom filter, so only
// possible duplicates cost a lookup.
type importer struct {
	catalog catalog
	actor   string
	update  bool
	seen    *bloom.BloomFilter
	stats   stats
}

func newImporter(ctx context.Context, c catalog, actor string, update bool, capacity uint) (*importer, error) {
	existing, err := c.List(ctx, promotion.Filter{})
	if err != nil {
		return nil, errors.Wrap(err, "list existing promotions")
	}
	if n := uint(len(existing)); capacity < 2*n {
		capacity = 2 * n
	}
	seen := bloom.NewWithEstimates(max(capacity, 1024), bloomFPR)
	for _, p := range existing {
		seen.AddString(p.Code)
	}
	slog.Info("loaded existing codes", slog.Int("count", len(existing)))

	return &importer{catalog: c, actor: actor, update: update, seen: seen}, nil
}

// run decodes all files concurrently and applies records one at a time.
func (im *importer) run(ctx context.Context, files []string) (stats, error) {
	records := make(chan record, 256)

	g, ctx := errgroup.WithContext(ctx)
	var readers sync.WaitGroup
	for _, f := range files {
		readers.Add(1)
		g.Go(func() error {
			defer readers.Done()
			return im.readFile(ctx, f, records)
		})
	}
	g.Go(func() error {
		readers.Wait()
		close(records)
		return nil
	})
	g.Go(func() error {
		for rec := range records {
			if err := im.apply(ctx, rec); err != nil {
				return errors.Wrapf(err, "%s:%d", rec.file, rec.line)
			}
			if im.stats.read%progressEvery == 0 {
				slog.Info("import progress", slog.Int("records", im.stats.read))
			}
		}
		return nil
	})

	err := g.Wait()
	return im.stats, err
}

// readFile streams one NDJSON file. Malformed lines are logged and counted,
// never fatal.
func (im *importer) readFile(ctx context.Context, path string, out chan<- record) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return errors.Wrapf(err, "create gzip reader for %s", path)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if len(bytes.TrimSpace(text)) == 0 {
			continue
		}
		p := &promotion.Promotion{}
		if err := p.Decode(jx.DecodeBytes(text)); err != nil {
			slog.Warn("skipping malformed line",
				slog.String("file", path),
				slog.Int("line", line),
				slog.String("error", err.Error()),
			)
			p = nil
		}
		select {
		case out <- record{file: path, line: line, promo: p}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}

func (im *importer) apply(ctx context.Context, rec record) error {
	im.stats.read++
	if rec.promo == nil {
		im.stats.invalid++
		return nil
	}
	code := promotion.NormalizeCode(rec.promo.Code)

	if im.seen.TestString(code) {
		existing, err := im.catalog.FindByCode(ctx, code)
		switch {
		case errors.Is(err, promotion.ErrNotFound):
			// Bloom false positive.
		case err != nil:
			return errors.Wrap(err, "find promotion")
		case !im.update:
			im.stats.skipped++
			return nil
		default:
			_, err := im.catalog.Update(ctx, im.actor, existing.ID, func(p *promotion.Promotion) error {
				*p = *rec.promo.Clone()
				return nil
			})
			if rejected(err) {
				im.invalid(rec, err)
				return nil
			}
			if err != nil {
				return errors.Wrapf(err, "update %s", code)
			}
			im.stats.updated++
			return nil
		}
	}

	_, err := im.catalog.Create(ctx, im.actor, rec.promo)
	switch {
	case rejected(err):
		im.invalid(rec, err)
		return nil
	case errors.Is(err, promotion.ErrCodeTaken):
		im.stats.skipped++
	case err != nil:
		return errors.Wrapf(err, "create %s", code)
	default:
		im.stats.created++
	}
	im.seen.AddString(code)
	return nil
}

func (im *importer) invalid(rec record, err error) {
	im.stats.invalid++
	slog.Warn("skipping invalid promotion",
		slog.String("file", rec.file),
		slog.Int("line", rec.line),
		slog.String("code", rec.promo.Code),
		slog.String("error", err.Error()),
	)
}

func rejected(err error) bool {
	var v *promotion.ValidationError
	return errors.As(err, &v) || errors.Is(err, promotion.ErrUnknownDiscountType)
}
