// Command loopcastd runs the content lifecycle daemon: the publishing queue
// dispatcher, the checkback metric poller and the periodic lens refresh, all
// on a shared PostgreSQL store with Redis serializing scheduler invocations
// across replicas.
//
// Configuration is a YAML file (see config.Default for every tunable) plus
// environment overrides:
//
//	LOOPCAST_POSTGRES_DSN - PostgreSQL connection string
//	LOOPCAST_REDIS_ADDR   - Redis host:port (empty disables distributed locking)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/loopcast/loopcast/config"
	"github.com/loopcast/loopcast/engine"
	"github.com/loopcast/loopcast/engine/schedule"
	"github.com/loopcast/loopcast/engine/telemetry"
	redislock "github.com/loopcast/loopcast/features/lock/redis"
	"github.com/loopcast/loopcast/features/store/postgres"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration file")
		httpF   = flag.String("http-addr", ":8080", "Health endpoint listen address")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	if err := run(ctx, *configF, *httpF); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, configPath, httpAddr string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres DSN is required (set LOOPCAST_POSTGRES_DSN)")
	}

	db, err := postgres.NewClient(ctx, postgres.Options{DSN: cfg.Postgres.DSN})
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	queueStore, err := postgres.NewQueueStore(db)
	if err != nil {
		return err
	}
	contentStore, err := postgres.NewContentStore(db)
	if err != nil {
		return err
	}
	checkbackStore, err := postgres.NewCheckbackStore(db)
	if err != nil {
		return err
	}
	rollupStore, err := postgres.NewRollupStore(db)
	if err != nil {
		return err
	}
	peopleStore, err := postgres.NewPeopleStore(db)
	if err != nil {
		return err
	}

	pingers := []health.Pinger{db}
	var locker schedule.Locker = schedule.NoopLocker{}
	if cfg.Redis.Addr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Addr})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Errorf(ctx, err, "close redis")
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		redisLocker, err := redislock.New(redislock.Options{Client: rdb})
		if err != nil {
			return err
		}
		locker = redisLocker
		pingers = append(pingers, redisLocker)
	} else {
		log.Warnf(ctx, "redis address not set, scheduler locking is process-local")
	}

	eng, err := engine.New(engine.Options{
		Config:  cfg,
		Stores:  engine.Stores{Content: contentStore, Queue: queueStore, Checkback: checkbackStore, Rollup: rollupStore, People: peopleStore},
		Locker:  locker,
		Logger:  telemetry.NewClueLogger(),
		Metrics: telemetry.NewOtelMetrics(),
	})
	if err != nil {
		return fmt.Errorf("assemble engine: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(health.NewChecker(pingers...)))
	mux.Handle("/livez", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	server := &http.Server{Addr: httpAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error {
		log.Printf(ctx, "health endpoints on %s", httpAddr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}
