package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pyr33x/goqttd/internal/broker"
	"github.com/pyr33x/goqttd/internal/config"
	"github.com/pyr33x/goqttd/internal/domain"
	"github.com/pyr33x/goqttd/internal/listener"
	"github.com/pyr33x/goqttd/internal/logger"
	"github.com/pyr33x/goqttd/internal/metrics"
	"github.com/pyr33x/goqttd/internal/workerpool"
)

// gracefulShutdown waits for SIGINT/SIGTERM, then cancels the errgroup
// context so every listener drains and exits.
func gracefulShutdown(cancel context.CancelFunc, done chan struct{}) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Println("graceful shutdown triggered")
	cancel()
	close(done)
}

func main() {
	configPath := "config.yml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger.InitGlobalLogger(logger.ProductionConfig())
	lg := logger.GetGlobalLogger()

	domains, err := domain.Build(cfg, lg)
	if err != nil {
		lg.Fatal("build domains", logger.ErrorAttr(err))
	}

	var stat *metrics.Stat
	if cfg.Metrics.Enabled {
		stat = metrics.New()
		stat.Register()
		for _, d := range domains.All() {
			d.SetStat(stat)
		}
	}

	br := broker.New(domains, logger.NewMQTTLogger("broker"))
	if stat != nil {
		br.SetStat(stat)
	}

	rollover, err := broker.NewRolloverState(cfg.Storage.Root)
	if err != nil {
		lg.Fatal("init rollover state", logger.ErrorAttr(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	pool := workerpool.New(int64(cfg.WorkerPoolSize))

	deps := listener.Deps{
		Domains:        domains,
		Broker:         br,
		Log:            logger.NewMQTTLogger("listener"),
		ConnectTimeout: time.Duration(cfg.ConnectTimeoutSeconds) * time.Second,
		Pool:           pool,
	}

	for _, lc := range cfg.Listeners {
		lc := lc
		group.Go(func() error {
			lg.Info("listener starting", logger.String("proto", lc.Proto), logger.String("bind", lc.Bind), logger.String("port", lc.Port))
			return listener.Serve(gctx, lc, deps)
		})
	}

	if cfg.Metrics.Enabled {
		group.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Bind+":"+cfg.Metrics.Port)
		})
	}

	group.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				if err := rollover.Check(now, domains); err != nil {
					lg.Error("rollover check failed", logger.ErrorAttr(err))
				}
			}
		}
	})

	done := make(chan struct{})
	go gracefulShutdown(cancel, done)

	lg.Info("goqttd started", logger.String("name", cfg.Name), logger.String("version", cfg.Version), logger.Int("worker_pool", cfg.WorkerPoolSize))

	<-done
	if err := group.Wait(); err != nil {
		lg.Error("shutdown with error", logger.ErrorAttr(err))
	}
	lg.Info("goqttd stopped")
}
