package main

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-commerce/internal/domain/discount"
)

const (
	bloomCapacity = 10_000_000
	bloomFPR      = 0.001
	progressEvery = 100_000
)

// creator stores discounts; *discount.Service in production.
type creator interface {
	Create(ctx context.Context, d *discount.Discount) (*discount.Discount, error)
}

// rowDefaults fill the columns a row leaves empty.
type rowDefaults struct {
	namePrefix string
	kind       discount.Type
	value      decimal.Decimal
	usageLimit *int
}

type row struct {
	code  string
	kind  discount.Type
	value decimal.Decimal
}

// Report counts the outcome of every row.
type Report struct {
	Created    int
	Duplicates int
	Conflicts  int
	Invalid    int
}

type importer struct {
	lg        *zap.Logger
	discounts creator
	defaults  rowDefaults
	capacity  uint
}

// Import loads every file in order. A code seen earlier in the same or an
// earlier file is skipped as a duplicate; a code already stored is counted
// as a conflict.
//
// Files are scanned concurrently twice before inserting: once to build a
// bloom filter per file, once to collect the codes that hit the filter of
// an earlier file or repeat within their own file. Only those candidates
// are tracked exactly while inserting.
func (imp *importer) Import(ctx context.Context, files []string) (Report, error) {
	imp.lg.Info("Pass 1: building bloom filters", zap.Int("files", len(files)))
	filters, err := imp.buildFilters(ctx, files)
	if err != nil {
		return Report{}, errors.Wrap(err, "build bloom filters")
	}

	imp.lg.Info("Pass 2: finding duplicates")
	candidates, err := imp.findCandidates(ctx, files, filters)
	if err != nil {
		return Report{}, errors.Wrap(err, "find duplicates")
	}
	imp.lg.Info("Duplicate candidates found", zap.Int("count", len(candidates)))

	imp.lg.Info("Pass 3: inserting discounts")
	var report Report
	seen := make(map[string]struct{}, len(candidates))
	for i, path := range files {
		var n int
		err := streamRows(ctx, path, func(r row) error {
			n++
			if n%progressEvery == 0 {
				imp.lg.Info("Insert progress", zap.Int("file", i+1), zap.Int("rows", n))
			}
			if _, ok := candidates[r.code]; ok {
				if _, dup := seen[r.code]; dup {
					report.Duplicates++
					return nil
				}
				seen[r.code] = struct{}{}
			}
			return imp.insert(ctx, r, &report)
		})
		if err != nil {
			return report, errors.Wrapf(err, "import file %d", i+1)
		}
	}
	return report, nil
}

func (imp *importer) insert(ctx context.Context, r row, report *Report) error {
	code := r.code
	d := &discount.Discount{
		Name:       imp.defaults.namePrefix + code,
		Code:       &code,
		Type:       r.kind,
		Value:      r.value,
		UsageLimit: imp.defaults.usageLimit,
		AppliesTo:  discount.ScopeAll,
		Active:     true,
	}
	if d.Type == "" {
		d.Type = imp.defaults.kind
	}
	if r.value.IsZero() && d.Type != discount.TypeFreeShipping {
		d.Value = imp.defaults.value
	}

	_, err := imp.discounts.Create(ctx, d)
	switch {
	case err == nil:
		report.Created++
	case errors.Is(err, discount.ErrCodeConflict):
		report.Conflicts++
		imp.lg.Debug("Code already exists", zap.String("code", code))
	case errors.Is(err, discount.ErrInvalidDiscount):
		report.Invalid++
		imp.lg.Warn("Skipping invalid row", zap.String("code", code), zap.Error(err))
	default:
		return errors.Wrapf(err, "create %s", code)
	}
	return nil
}

func (imp *importer) newFilter() *bloom.BloomFilter {
	capacity := imp.capacity
	if capacity == 0 {
		capacity = bloomCapacity
	}
	return bloom.NewWithEstimates(capacity, bloomFPR)
}

// buildFilters creates one bloom filter per file, concurrently.
func (imp *importer) buildFilters(ctx context.Context, files []string) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			filter := imp.newFilter()
			if err := streamRows(ctx, path, func(r row) error {
				filter.AddString(r.code)
				return nil
			}); err != nil {
				return errors.Wrapf(err, "file %d", i+1)
			}
			filters[i] = filter
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// findCandidates returns the codes of every file that may also appear in an
// earlier file or earlier in the same file. Bloom filters have no false
// negatives, so a code outside the result occurs exactly once.
func (imp *importer) findCandidates(ctx context.Context, files []string, filters []*bloom.BloomFilter) (map[string]struct{}, error) {
	found := make([]map[string]struct{}, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			local := make(map[string]struct{})
			own := imp.newFilter()
			if err := streamRows(ctx, path, func(r row) error {
				if own.TestString(r.code) {
					local[r.code] = struct{}{}
					return nil
				}
				own.AddString(r.code)
				for _, f := range filters[:i] {
					if f.TestString(r.code) {
						local[r.code] = struct{}{}
						break
					}
				}
				return nil
			}); err != nil {
				return errors.Wrapf(err, "file %d", i+1)
			}
			found[i] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]struct{})
	for _, m := range found {
		for code := range m {
			merged[code] = struct{}{}
		}
	}
	return merged, nil
}

// streamRows decompresses a gzipped CSV file and calls fn for every row.
// A leading "code" header row is skipped.
func streamRows(ctx context.Context, path string, fn func(row) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	cr := csv.NewReader(gz)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "read %s", path)
		}
		if n == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "code") {
			continue
		}
		r, ok, err := parseRow(rec)
		if err != nil {
			return errors.Wrapf(err, "%s record %d", path, n)
		}
		if !ok {
			continue
		}
		if err := fn(r); err != nil {
			return err
		}
	}
}

// parseRow reads code[,type[,value]]. Rows with an empty code are skipped.
func parseRow(rec []string) (row, bool, error) {
	var r row
	r.code = discount.NormalizeCode(rec[0])
	if r.code == "" {
		return r, false, nil
	}
	if len(rec) > 1 {
		r.kind = discount.Type(strings.ToLower(strings.TrimSpace(rec[1])))
	}
	if len(rec) > 2 {
		if raw := strings.TrimSpace(rec[2]); raw != "" {
			v, err := decimal.NewFromString(raw)
			if err != nil {
				return r, false, errors.Wrapf(err, "parse value %q", raw)
			}
			r.value = v
		}
	}
	return r, true, nil
}
