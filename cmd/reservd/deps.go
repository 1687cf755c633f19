package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"reservation-engine/auth"
	"reservation-engine/config"
	"reservation-engine/coordination/application"
	"reservation-engine/coordination/infra"
	"reservation-engine/repository/memory"
	mongostore "reservation-engine/repository/mongo"
	"reservation-engine/reservation"
	"reservation-engine/store"
)

type deps struct {
	redis *store.Client
	repo  reservation.Repository
	users auth.UserStore

	closers []func(context.Context) error
}

func openRedis(ctx context.Context) (*store.Client, error) {
	client := store.New(cfg.Redis)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		_ = client.Close()
		return nil, err
	}
	log.Info("connected to redis", "addr", cfg.Redis.Addr)
	return client, nil
}

// openDeps conecta o Redis e o store configurado.
func openDeps(ctx context.Context) (*deps, error) {
	rc, err := openRedis(ctx)
	if err != nil {
		return nil, err
	}
	d := &deps{redis: rc}
	d.closers = append(d.closers, func(context.Context) error { return rc.Close() })

	switch cfg.Store {
	case config.StoreMongo:
		mcfg := mongostore.Config{URI: cfg.MongoURI, Database: cfg.MongoDatabase}
		client, err := mongostore.Connect(ctx, mcfg, log)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.closers = append(d.closers, client.Disconnect)

		s := mongostore.New(client.Database(cfg.MongoDatabase), mcfg)
		if err := s.EnsureIndexes(ctx); err != nil {
			d.Close()
			return nil, err
		}
		d.repo, d.users = s, s
	default:
		log.Warn("using in-memory store, data is lost on restart")
		s := memory.New()
		d.repo, d.users = s, s
	}
	return d, nil
}

func (d *deps) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](ctx); err != nil {
			log.Warn("close dependency failed", "error", err)
		}
	}
}

func (d *deps) lockService() application.LockService {
	return application.LockService{Locker: infra.NewRedisLocker(d.redis.Cmd)}
}

// serveHTTP roda srv até ctx terminar e então faz o shutdown gracioso.
func serveHTTP(ctx context.Context, srv *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info(name+" listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown: %w", name, err)
	}
	log.Info(name+" stopped")
	return nil
}
