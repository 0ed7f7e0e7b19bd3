// Command usagemon prints operator reports over the usage store:
//
//	usagemon daily [days]            - daily statistics
//	usagemon careers [limit]         - top request categories
//	usagemon recommendations [limit] - recent audit events
//	usagemon rates                   - rate limiting statistics
//	usagemon errors [limit]          - error analysis
//	usagemon                         - full report
//
// Exits non-zero when the store is unreachable at startup.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"golang.org/x/exp/slog"

	"github.com/parkerroan/admitbroker/report"
	"github.com/parkerroan/admitbroker/store"
)

type Config struct {
	StoreDriver string `envconfig:"STORE_DRIVER" default:"sqlite"` // sqlite, postgres or redis
	StoreDSN    string `envconfig:"STORE_DSN" default:"user_data.db"`
	RedisURL    string `envconfig:"REDIS_URL" default:"localhost:6379"`
	HourlyLimit int    `envconfig:"HOURLY_LIMIT" default:"10"`
	DailyLimit  int    `envconfig:"DAILY_LIMIT" default:"50"`
}

// monitorStore is the full surface the reports need.
type monitorStore interface {
	store.Store
	store.ReportingStore
}

func main() {
	loadEnvFile()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Error opening store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.Init(ctx); err != nil {
		slog.Error("store unreachable", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	// The CLI wants fresh numbers on every invocation.
	reporter, err := report.NewReporter(st,
		report.WithLimits(int64(cfg.HourlyLimit), int64(cfg.DailyLimit)),
		report.WithCacheTTL(0),
	)
	if err != nil {
		log.Fatalf("Error creating reporter: %v", err)
	}

	run(context.Background(), reporter, os.Args[1:])
}

func run(ctx context.Context, r *report.Reporter, args []string) {
	if len(args) == 0 {
		fullReport(ctx, r)
		return
	}

	switch args[0] {
	case "daily":
		printDaily(r.Daily(ctx, argInt(args, 1, 7)), argInt(args, 1, 7))
	case "careers":
		printCategories(r.Categories(ctx, 30, argInt(args, 1, 10)))
	case "recommendations":
		printRecent(r.Recent(ctx, argInt(args, 1, 10)))
	case "rates":
		printRates(r.Rates(ctx))
	case "errors":
		printErrors(r.Errors(ctx, 7, argInt(args, 1, 10)))
	default:
		fmt.Println("Available commands:")
		fmt.Println("  daily [days]            - daily statistics")
		fmt.Println("  careers [limit]         - top request categories")
		fmt.Println("  recommendations [limit] - recent audit events")
		fmt.Println("  rates                   - rate limiting statistics")
		fmt.Println("  errors [limit]          - error analysis")
		fmt.Println("  (no command)            - full report")
	}
}

func fullReport(ctx context.Context, r *report.Reporter) {
	fmt.Println("Usage Store Monitoring Report")
	fmt.Printf("Generated: %s\n", time.Now().Format("2006-01-02 15:04:05"))

	printDaily(r.Daily(ctx, 7), 7)
	printCategories(r.Categories(ctx, 30, 10))
	printRates(r.Rates(ctx))
	printErrors(r.Errors(ctx, 7, 10))
	printRecent(r.Recent(ctx, 5))
}

func argInt(args []string, idx, fallback int) int {
	if len(args) <= idx {
		return fallback
	}
	n, err := strconv.Atoi(args[idx])
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func header(title string) {
	fmt.Printf("\n%s\n", title)
	fmt.Println("================================================================================")
}

func printDaily(rep report.DailyReport, days int) {
	header(fmt.Sprintf("DAILY STATISTICS (last %d days)", days))
	if rep.Unavailable {
		fmt.Println("(data unavailable)")
		return
	}

	fmt.Printf("%-12s %-8s %-8s %-8s %-8s %-12s\n", "Date", "Total", "Success", "Failed", "Users", "Avg ms")
	var total int64
	for _, d := range rep.Days {
		total += d.Total
		fmt.Printf("%-12s %-8d %-8d %-8d %-8d %-12.1f\n",
			d.Day, d.Total, d.Succeeded, d.Failed, d.UniqueIdentities, d.AvgLatencyMS)
	}
	fmt.Printf("Total requests: %d\n", total)
}

func printCategories(rep report.CategoryReport) {
	header("TOP CATEGORIES (last 30 days)")
	if rep.Unavailable {
		fmt.Println("(data unavailable)")
		return
	}

	fmt.Printf("%-30s %-10s %-8s %-10s %-8s\n", "Category", "Requests", "Users", "Success", "Rate %")
	for _, c := range rep.Categories {
		name := c.Category
		if len(name) > 29 {
			name = name[:29]
		}
		fmt.Printf("%-30s %-10d %-8d %-10d %-8.1f\n",
			name, c.Requests, c.UniqueIdentities, c.Succeeded, c.SuccessRate)
	}
}

func printRecent(rep report.RecentReport) {
	header(fmt.Sprintf("RECENT EVENTS (last %d)", len(rep.Events)))
	if rep.Unavailable {
		fmt.Println("(data unavailable)")
		return
	}

	for _, ev := range rep.Events {
		outcome := "ok"
		if !ev.Success {
			outcome = "failed"
			if ev.ErrorClass != "" {
				outcome = ev.ErrorClass
			}
		}
		fmt.Printf("%s  user=%s  category=%q  status=%q  outcome=%s  latency=%dms\n",
			ev.Timestamp.Format("2006-01-02 15:04:05"), ev.IdentityHash, ev.Category, ev.Status, outcome, ev.LatencyMS)
	}
}

func printRates(rep report.RatesReport) {
	header("RATE LIMITING STATISTICS")
	if rep.Unavailable {
		fmt.Println("(data unavailable)")
		return
	}

	s := rep.Snapshot
	fmt.Printf("Total identities: %d\n", s.TotalIdentities)
	fmt.Printf("Near hourly limit (>=80%% of %d): %d\n", rep.HourlyLimit, s.NearHourlyLimit)
	fmt.Printf("Near daily limit (>=80%% of %d): %d\n", rep.DailyLimit, s.NearDailyLimit)
	fmt.Printf("Avg hourly usage: %.1f\n", s.AvgHourly)
	fmt.Printf("Avg daily usage: %.1f\n", s.AvgDaily)
	fmt.Printf("Max daily usage: %d\n", s.MaxDaily)

	if len(s.TopDaily) > 0 {
		fmt.Println("\nTop identities by daily usage:")
		for _, rec := range s.TopDaily {
			fmt.Printf("  %s: %d requests (hour window since %s)\n",
				rec.Identity, rec.DailyCount, rec.HourWindowStart.Format("15:04:05"))
		}
	}
}

func printErrors(rep report.ErrorsReport) {
	header("ERROR ANALYSIS (last 7 days)")
	if rep.Unavailable {
		fmt.Println("(data unavailable)")
		return
	}
	if len(rep.Errors) == 0 {
		fmt.Println("No errors found.")
		return
	}

	for _, e := range rep.Errors {
		fmt.Printf("Count: %-5d | Last: %s | Class: %s\n",
			e.Count, e.LastSeen.Format("2006-01-02 15:04:05"), e.ErrorClass)
	}
}

func openStore(cfg Config) (monitorStore, error) {
	switch cfg.StoreDriver {
	case "sqlite", "postgres":
		return store.OpenSQL(cfg.StoreDriver, cfg.StoreDSN)
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		return store.NewRedisStore(rdb), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.StoreDriver)
	}
}

func loadEnvFile() {
	if _, err := os.Stat(".env"); err == nil {
		// The file exists, now let's try to load it
		if err := godotenv.Load(); err != nil {
			log.Fatalf("Error loading .env file: %s", err)
		}
	} else if !os.IsNotExist(err) {
		slog.Warn(fmt.Sprintf("Unexpected error looking for .env file: %s", err))
	}
}
