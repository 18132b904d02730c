package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"sort"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-commerce/internal/domain/discount"
	"github.com/xenking/kart-commerce/internal/repository"
)

func main() {
	var (
		pattern     string
		databaseURL string
		namePrefix  string
		kind        string
		value       string
		usageLimit  int
	)

	flag.StringVar(&pattern, "files", "data/discounts*.csv.gz", "glob of gzipped CSV files (code[,type,value] per row)")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&namePrefix, "name-prefix", "Imported ", "prefix of the discount name; the code is appended")
	flag.StringVar(&kind, "type", string(discount.TypePercentage), "default discount type for rows without one")
	flag.StringVar(&value, "value", "10", "default discount value for rows without one")
	flag.IntVar(&usageLimit, "usage-limit", 0, "global usage limit of every imported code; 0 means unlimited")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}

	defaultValue, err := decimal.NewFromString(value)
	if err != nil {
		lg.Fatal("Invalid default value", zap.String("value", value), zap.Error(err))
	}
	rule := rowDefaults{
		namePrefix: namePrefix,
		kind:       discount.Type(kind),
		value:      defaultValue,
	}
	if usageLimit > 0 {
		rule.usageLimit = &usageLimit
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, pattern, databaseURL, rule); err != nil {
		lg.Fatal("Discount import failed", zap.Error(err))
	}
}

func run(ctx context.Context, lg *zap.Logger, pattern, databaseURL string, rule rowDefaults) error {
	files, err := filepath.Glob(pattern)
	if err != nil {
		return errors.Wrapf(err, "glob %s", pattern)
	}
	if len(files) == 0 {
		return errors.Errorf("no files match %s", pattern)
	}
	sort.Strings(files)

	pool, err := repository.NewPool(ctx, repository.PoolConfig{URL: databaseURL, MaxConns: 4})
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	svc := discount.NewService(repository.NewDiscountRepository(pool))
	imp := &importer{lg: lg, discounts: svc, defaults: rule}

	report, err := imp.Import(ctx, files)
	if err != nil {
		return err
	}
	lg.Info("Discount import completed",
		zap.Int("files", len(files)),
		zap.Int("created", report.Created),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("conflicts", report.Conflicts),
		zap.Int("invalid", report.Invalid),
	)
	return nil
}
