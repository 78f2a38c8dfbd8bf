package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/jointly/internal/adapters/http"
	"github.com/dkeye/jointly/internal/adapters/player"
	"github.com/dkeye/jointly/internal/adapters/signal"
	"github.com/dkeye/jointly/internal/app"
	"github.com/dkeye/jointly/internal/app/engine"
	"github.com/dkeye/jointly/internal/codec"
	"github.com/dkeye/jointly/internal/config"
	"github.com/dkeye/jointly/internal/core"
	"github.com/dkeye/jointly/internal/domain"
	"github.com/dkeye/jointly/internal/metrics"
	"github.com/dkeye/jointly/internal/resolver"
	"github.com/dkeye/jointly/internal/storage"
)

// entry is what the client does once it is running.
type entry struct {
	create   bool
	roomCode string
	username string
}

func (e entry) active() bool { return e.create || e.roomCode != "" }

func engineConfig(cfg *config.Config) engine.Config {
	ec := engine.DefaultConfig()
	ec.SuppressionDelay = cfg.Sync.SuppressionDelay
	ec.DriftTolerance = cfg.Sync.DriftTolerance
	ec.ReadyPoll = cfg.Sync.ReadyPoll
	ec.ReadyTimeout = cfg.Sync.ReadyTimeout
	ec.BypassTimeout = cfg.Sync.BypassTimeout
	ec.Heartbeat = cfg.Sync.Heartbeat
	ec.EchoWindow = cfg.Sync.EchoWindow
	ec.SyncVolume = cfg.Sync.Volume
	ec.JoinLimit = cfg.JoinRate.Limit
	ec.JoinInterval = cfg.JoinRate.Interval
	return ec
}

func runClient(ctx context.Context, flags globalFlags, ent entry) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if ent.active() && ent.username == "" {
		ent.username = cfg.Username
	}
	if ent.active() && ent.username == "" {
		return errNoUsername
	}

	format, err := codec.ParseFormat(cfg.Codec.Format)
	if err != nil {
		return err
	}
	wire := codec.New(codec.Options{
		Format:          format,
		Compress:        cfg.Codec.Compress,
		Threshold:       cfg.Codec.Threshold,
		LegacyFrameGzip: cfg.Codec.LegacyFrameGzip,
	})

	store, err := storage.Open(storage.Options{Driver: cfg.Store.Driver, Path: cfg.Store.Path, GracePeriod: cfg.Store.GracePeriod})
	if err != nil {
		return err
	}
	if store != nil {
		defer func() {
			if err := store.Close(); err != nil {
				log.Warn().Err(err).Str("module", "storage").Msg("close")
			}
		}()
	}

	res, err := resolver.NewCached(resolver.Template{Pattern: cfg.Resolver.SourceTemplate}, cfg.Resolver.CacheSize)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	eng := engine.New(engineConfig(cfg), engine.Deps{
		Player:   player.NewVirtual(cfg.Player.LoadDelay),
		Resolver: res,
		Codec:    wire,
		Store:    store,
		Metrics:  metrics.New(reg),
	})
	mgr := signal.NewManager(signal.Options{
		URL:          cfg.ServerURL,
		PingInterval: cfg.Connection.PingInterval,
		WriteTimeout: cfg.Connection.WriteTimeout,
		SendBuffer:   cfg.Connection.SendBuffer,
		Reconnect: app.LinearPolicy{
			Base:     cfg.Connection.BaseDelay,
			Max:      cfg.Connection.MaxDelay,
			Attempts: cfg.Connection.MaxAttempts,
		},
		PingFrame: func() (core.Frame, error) { return wire.Encode(domain.TypePing, nil) },
	}, signal.WebsocketDialer{}, eng)
	eng.Bind(mgr)

	// Work posted before Run starts is queued until the loop drains it.
	switch {
	case ent.create:
		err = eng.CreateRoom(ent.username)
	case ent.roomCode != "":
		err = eng.JoinRoom(ent.roomCode, ent.username)
	default:
		eng.Resume()
	}
	if err != nil {
		return err
	}
	info("server %s (%s)", cfg.ServerURL, format)

	cfg.WatchChanges(func(next *config.Config) {
		zerolog.SetGlobalLevel(next.Level())
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error {
		printEvents(ctx, eng.Bus())
		return nil
	})

	if addr := cfg.HTTP.Addr; addr != "" && !strings.EqualFold(addr, "off") {
		srv := &http.Server{Addr: addr, Handler: router.SetupRouter(cfg, eng, reg)}
		g.Go(func() error {
			log.Info().Str("module", "http").Str("addr", addr).Msg("control API listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	// Keep the stored session so the next start can resume the room.
	mgr.Disconnect("shutdown")
	eng.Bus().Close()
	log.Info().Msg("client exited")
	return err
}
