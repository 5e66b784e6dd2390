package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mapveto/backend/internal/config"
	"github.com/mapveto/backend/internal/httpapi"
	"github.com/mapveto/backend/internal/hub"
	"github.com/mapveto/backend/internal/store"
	"github.com/mapveto/backend/internal/ws"
)

func main() {
	cfg := config.Load()

	var logger *zap.Logger
	var err error
	if cfg.Debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var persist hub.Persister
	if cfg.DatabaseDSN != "" {
		st, err := store.Open(cfg.DatabaseDSN)
		if err != nil {
			log.Fatalw("open store", "err", err)
		}
		persist = st.SaveResult
	} else {
		log.Info("no DATABASE_DSN set, veto results will not be persisted")
	}

	h := hub.NewHub(ctx, persist, log)
	clock := clockwork.NewRealClock()
	handler := httpapi.SetupRoutes(h, ws.Handler(h, clock, cfg.IdentifyTimeout, log), log)

	srv := &http.Server{Addr: cfg.Addr, Handler: handler}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		h.Inbox() <- hub.ShutdownHub{}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalw("server exited", "err", err)
	}
}
