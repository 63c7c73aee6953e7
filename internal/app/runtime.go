// Package app assembles the daemon: configuration, logging, store, radio
// link, background services and the client-facing surfaces.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"meshcored/internal/api"
	"meshcored/internal/bus"
	"meshcored/internal/config"
	"meshcored/internal/eventbus"
	"meshcored/internal/keystore"
	"meshcored/internal/logging"
	"meshcored/internal/mqttbridge"
	"meshcored/internal/persistence"
	"meshcored/internal/processor"
	"meshcored/internal/radio"
	"meshcored/internal/retrydecrypt"
	"meshcored/internal/syncer"
	"meshcored/internal/transport"
)

const (
	detectRetryInterval = 5 * time.Second
	shutdownTimeout     = 5 * time.Second
)

type Runtime struct {
	Config     config.Config
	LogManager *logging.Manager

	DB    *sql.DB
	Store *persistence.Store
	Bus   *bus.PubSubBus
	Keys  *keystore.Keystore
	Hub   *eventbus.Hub

	Link      *radio.Link
	Processor *processor.Processor
	Syncer    *syncer.Syncer
	Retry     *retrydecrypt.Service
	Server    *api.Server
	Bridge    *mqttbridge.Bridge
}

func Initialize(ctx context.Context) (*Runtime, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}

	rt := &Runtime{Config: cfg, LogManager: logMgr}

	db, err := persistence.Open(ctx, logMgr.Logger("persistence"), cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	rt.DB = db
	rt.Store = persistence.NewStore(db)
	if err := rt.Store.Channels.EnsurePublic(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}

	rt.Bus = bus.New(logMgr.Logger("bus"))
	rt.Keys = keystore.New()
	rt.Hub = eventbus.NewHub(logMgr.Logger("events"))

	rt.Link = radio.NewLink(logMgr.Logger("radio"), rt.Bus, rt.Keys)
	rt.Processor = processor.New(logMgr.Logger("processor"), rt.Store, rt.Keys, rt.Hub)
	rt.Syncer = syncer.New(logMgr.Logger("syncer"), rt.Link, rt.Store, rt.Bus, rt.Processor)
	rt.Retry = retrydecrypt.New(logMgr.Logger("retrydecrypt"), rt.Store, rt.Processor, rt.Hub)

	rt.Link.SetOnConnect(rt.Syncer.OnConnect)
	rt.Link.SetPollPauser(rt.Syncer)
	rt.Processor.SetContactSyncRequester(rt.Syncer.RequestContactSync)

	rt.Server = api.NewServer(api.Deps{
		Logger:    logMgr.Logger("api"),
		Store:     rt.Store,
		Link:      rt.Link,
		Syncer:    rt.Syncer,
		Processor: rt.Processor,
		Retry:     rt.Retry,
		Hub:       rt.Hub,
		Bus:       rt.Bus,
	})

	if cfg.MQTTEnabled() {
		rt.Bridge = mqttbridge.New(logMgr.Logger("mqtt"), cfg, rt.Hub)
	}

	return rt, nil
}

// Run starts every long-lived loop and blocks until ctx is cancelled or
// one of them fails.
func (r *Runtime) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.superviseLink(ctx) })
	g.Go(func() error {
		r.Processor.Run(ctx, r.Bus)
		return ctx.Err()
	})
	g.Go(func() error { return r.Syncer.Run(ctx) })
	g.Go(func() error { return r.Server.Run(ctx) })
	if r.Bridge != nil {
		g.Go(func() error { return r.Bridge.Run(ctx) })
	}

	httpSrv := &http.Server{
		Addr:              r.Config.HTTPAddr,
		Handler:           r.Server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		r.LogManager.Logger("api").Info("http listening", "addr", r.Config.HTTPAddr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	return g.Wait()
}

// superviseLink resolves the transport, retrying serial auto-detect until
// a radio shows up, then hands the connection to the monitor.
func (r *Runtime) superviseLink(ctx context.Context) error {
	logger := r.LogManager.Logger("radio")
	for {
		tr, err := r.resolveTransport(ctx)
		if err == nil {
			r.Link.SetTransport(tr)
			break
		}
		if !errors.Is(err, radio.ErrNoRadioFound) {
			return err
		}
		logger.Warn("no radio detected, retrying", "interval", detectRetryInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(detectRetryInterval):
		}
	}

	r.Link.Monitor(ctx)
	return ctx.Err()
}

func (r *Runtime) resolveTransport(ctx context.Context) (transport.Transport, error) {
	cfg := r.Config
	switch cfg.ConnectionType() {
	case config.ConnectionTCP:
		return transport.NewTCPTransport(cfg.TCPHost, cfg.TCPPort), nil
	case config.ConnectionBLE:
		return transport.NewBLETransport(cfg.BLEAddress, cfg.BLEPin), nil
	default:
		if cfg.SerialPort != "" {
			return transport.NewSerialTransport(cfg.SerialPort, cfg.SerialBaud), nil
		}
		return radio.DetectSerialRadio(ctx, r.LogManager.Logger("radio"), cfg.SerialBaud)
	}
}

func (r *Runtime) Close() error {
	if r.Bus != nil {
		r.Bus.Close()
	}
	if r.DB != nil {
		return r.DB.Close()
	}
	return nil
}
