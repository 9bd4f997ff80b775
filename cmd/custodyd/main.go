package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/exonet/tokenvault/internal/agents"
	"github.com/exonet/tokenvault/internal/burn"
	"github.com/exonet/tokenvault/internal/config"
	"github.com/exonet/tokenvault/internal/dispute"
	"github.com/exonet/tokenvault/internal/gateway"
	"github.com/exonet/tokenvault/internal/ledger"
	"github.com/exonet/tokenvault/internal/ledger/memstore"
	"github.com/exonet/tokenvault/internal/ledger/pgstore"
	"github.com/exonet/tokenvault/internal/metrics"
	"github.com/exonet/tokenvault/internal/mint"
	"github.com/exonet/tokenvault/internal/sweep"
	"github.com/exonet/tokenvault/internal/withdrawal"
	"github.com/exonet/tokenvault/pkg/messaging"
)

func main() {
	cfg := config.Load()
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	var store ledger.Store
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open ledger store: %v", err)
		}
		defer pg.Close()
		store = pg
	} else {
		log.Println("DATABASE_URL unset, running on the in-memory ledger store")
		store = memstore.New()
	}

	events, err := messaging.NewClient(cfg.NATSURL, messaging.ClientOptions{
		Name:          "custodyd",
		ReconnectWait: time.Second,
		MaxReconnects: 10,
	})
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer events.Close()

	recorder := metrics.New(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
	defer recorder.Close()

	mints := mint.NewService(store, events, mint.Config{
		Rates:   cfg.Rates,
		FeeRate: cfg.FeeRate,
		TTL:     cfg.MintTTL,
	})
	burns := burn.NewService(store, events, burn.Config{
		Rates:   cfg.Rates,
		FeeRate: cfg.FeeRate,
		TTL:     cfg.EscrowTTL,
		Grace:   cfg.EscrowGrace,
	})
	disputes := dispute.NewEngine(store, burns, events)
	withdrawals := withdrawal.NewPipeline(store, events)
	agentSvc := agents.NewService(store, events)

	gw := gateway.New(store, mints, burns, disputes, withdrawals, agentSvc, events, recorder, gateway.Config{
		JWTSecret: cfg.JWTSecret,
		RedisURL:  cfg.RedisURL,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      gw.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("custodyd listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := sweep.New(mints, burns, cfg.SweepInterval).Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("custodyd exited: %v", err)
	}
	log.Println("custodyd stopped")
}
