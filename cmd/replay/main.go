// Command replay reconstructs historical listing prices from the
// performance feed and optionally persists them as price history.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clubex/market-engine/internal/config"
	"github.com/clubex/market-engine/internal/replay"
	"github.com/clubex/market-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	configPath := flag.String("config", "", "path to YAML config (empty = defaults)")
	instants := flag.Int("instants", 24, "how many trailing feed timestamps to replay")
	seed := flag.Int64("seed", 1, "jitter seed; same seed reproduces the same prices")
	lagDays := flag.Int("lag", 0, "fixed lag in days applied at every instant")
	sentiment := flag.Float64("sentiment", 1.0, "fixed sentiment applied at every instant")
	write := flag.Bool("write", false, "persist the reconstructed points as price history")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadAndValidate(*configPath)
		if err != nil {
			slog.Error("config load failed", "path", *configPath, "err", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if cfg.Database.URL == "" {
		slog.Error("database.url is required for replay")
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		slog.Error("database connection failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	st := store.NewPostgresStore(pool)

	r := replay.New(st, cfg.PricingParams())
	points, err := r.Reconstruct(ctx, replay.Options{
		Instants:  *instants,
		Seed:      *seed,
		LagDays:   *lagDays,
		Sentiment: *sentiment,
	})
	if err != nil {
		slog.Error("reconstruction failed", "err", err)
		os.Exit(1)
	}

	for _, p := range points {
		fmt.Printf("%s\t%s\t%s\n", p.Timestamp.Format("2006-01-02T15:04:05Z"), p.MemberID, p.Price.StringFixed(2))
	}

	if *write {
		if err := st.AppendPriceHistory(ctx, points); err != nil {
			slog.Error("persist failed", "err", err)
			os.Exit(1)
		}
		slog.Info("price history written", "points", len(points))
	}
}
