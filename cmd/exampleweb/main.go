// Command exampleweb wires the whole admission pipeline in front of a
// stand-in generation call: identity derivation, an in-process flood
// guard, store-backed admission, and best-effort audit logging.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"golang.org/x/exp/slog"

	"github.com/parkerroan/admitbroker"
	"github.com/parkerroan/admitbroker/identity"
	"github.com/parkerroan/admitbroker/limiter"
	"github.com/parkerroan/admitbroker/store"
)

type Config struct {
	Port        int    `envconfig:"SERVER_PORT" default:"8080"`
	StoreDriver string `envconfig:"STORE_DRIVER" default:"sqlite"` // sqlite, postgres or redis
	StoreDSN    string `envconfig:"STORE_DSN" default:"user_data.db"`
	RedisURL    string `envconfig:"REDIS_URL" default:"localhost:6379"`
	HourlyLimit int    `envconfig:"HOURLY_LIMIT" default:"10"`
	DailyLimit  int    `envconfig:"DAILY_LIMIT" default:"50"`
	FloodLimit  int    `envconfig:"FLOOD_LIMIT" default:"60"` // per-address, per-minute, advisory
	NTPHost     string `envconfig:"NTP_HOST" default:""`
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

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := st.Init(initCtx); err != nil {
		// Fail open: the server starts and admits degraded until the
		// store comes back.
		slog.Warn("store unreachable at startup, serving degraded", slog.Any("error", err))
	}
	cancel()

	pool := store.NewPool(st, store.WithPoolSize(store.DefaultPoolSize))

	clock := admitbroker.SystemClock()
	if cfg.NTPHost != "" {
		ntpClock := admitbroker.NewNTPClock(cfg.NTPHost)
		ntpClock.Start(context.Background())
		clock = ntpClock
	}

	broker := admitbroker.NewAdmitBroker(pool,
		admitbroker.WithHourlyLimit(cfg.HourlyLimit),
		admitbroker.WithDailyLimit(cfg.DailyLimit),
		admitbroker.WithClock(clock),
	)
	audit := admitbroker.NewAuditLogger(pool)

	// Cheap local pre-filter in front of the store round-trip. The
	// store stays the source of truth for the real quotas.
	guard := limiter.NewFixedWindow(cfg.FloodLimit, time.Minute)

	getInfo := func(r *http.Request) (admitbroker.RequestInfo, error) {
		contact := r.Header.Get("X-User-ID")
		if contact == "" {
			contact = r.RemoteAddr
		}
		token, err := identity.Derive(contact, time.Now())
		if err != nil {
			return admitbroker.RequestInfo{}, err
		}
		return admitbroker.RequestInfo{
			Identity: token,
			Category: r.Header.Get("X-Category"),
			Status:   r.Header.Get("X-Status"),
		}, nil
	}

	r := mux.NewRouter()
	r.Use(LoggingMiddleware)
	r.Use(FloodGuardMiddleware(guard))
	r.Use(admitbroker.HTTPMiddleware(broker, audit, getInfo))

	r.HandleFunc("/generate", func(w http.ResponseWriter, r *http.Request) {
		// Stand-in for the costly downstream generation call.
		w.Write([]byte("generated response\n"))
	})

	slog.Info("listening", slog.Int("port", cfg.Port))
	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", cfg.Port), r))
}

// FloodGuardMiddleware rejects obviously abusive request rates per
// remote address before the store is consulted.
func FloodGuardMiddleware(l limiter.Limiter) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(r.RemoteAddr, time.Now()) {
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte("too many requests from this address"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code and writes it to the response.
func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Create a new status recorder.
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK, // Default to 200 OK if WriteHeader is not called.
		}

		// Continue to the next middleware or handler.
		next.ServeHTTP(recorder, r)

		// Now that the handler has finished, the status code is set.
		log.Printf(
			"Method: %s | Path: %s | StatusCode: %d | RemoteAddr: %s | UserAgent: %s",
			r.Method,
			r.RequestURI,
			recorder.statusCode,
			r.RemoteAddr,
			r.UserAgent(),
		)
	})
}

func openStore(cfg Config) (store.Store, error) {
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
