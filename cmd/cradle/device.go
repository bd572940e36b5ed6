package main

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/cradle/internal/config"
	"github.com/MarcoPoloResearchLab/cradle/internal/entities"
	"github.com/MarcoPoloResearchLab/cradle/internal/localstate"
	"github.com/MarcoPoloResearchLab/cradle/internal/logging"
	"github.com/MarcoPoloResearchLab/cradle/internal/outbox"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// device bundles the client-side components for one command invocation.
type device struct {
	cfg       config.ClientConfig
	logger    *zap.Logger
	store     *outbox.Store
	persister *localstate.BoltPersister
	state     *localstate.State
	client    *outbox.HTTPClient
	flusher   *outbox.Flusher
	recorder  *localstate.Recorder
}

// openDevice opens local storage. When requireServer is set the transport must be configured.
func openDevice(ctx context.Context, requireServer bool) (*device, error) {
	cfg, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if requireServer {
		if err := cfg.RequireServer(); err != nil {
			return nil, err
		}
	}
	logger, err := logging.NewConsoleLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	d := &device{cfg: cfg, logger: logger}
	d.store, err = outbox.OpenStore(cfg.OutboxPath, logger)
	if err != nil {
		return nil, err
	}
	d.persister, err = localstate.OpenBolt(cfg.CachePath)
	if err != nil {
		_ = d.close()
		return nil, err
	}
	d.state, err = localstate.NewState(ctx, d.persister, logger)
	if err != nil {
		_ = d.close()
		return nil, err
	}

	var pusher outbox.Pusher = offlinePusher{}
	if cfg.ServerURL != "" {
		d.client, err = outbox.NewHTTPClient(outbox.HTTPClientConfig{BaseURL: cfg.ServerURL, Token: cfg.Token})
		if err != nil {
			_ = d.close()
			return nil, err
		}
		pusher = d.client
	}
	d.flusher, err = outbox.NewFlusher(outbox.FlusherConfig{
		Store:       d.store,
		Transport:   pusher,
		BatchSize:   cfg.BatchSize,
		Retry:       outbox.DefaultRetryConfig(),
		PruneSynced: cfg.PruneSynced,
		OnResult:    d.state.Reconcile,
		Logger:      logger,
	})
	if err != nil {
		_ = d.close()
		return nil, err
	}
	d.recorder, err = localstate.NewRecorder(localstate.RecorderConfig{
		State:  d.state,
		Outbox: d.flusher,
		Logger: logger,
	})
	if err != nil {
		_ = d.close()
		return nil, err
	}
	return d, nil
}

func (d *device) puller() (*localstate.Puller, error) {
	return localstate.NewPuller(localstate.PullerConfig{State: d.state, Source: d.client, Logger: d.logger})
}

func (d *device) close() error {
	var errs []error
	if d.persister != nil {
		errs = append(errs, d.persister.Close())
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	_ = d.logger.Sync()
	return errors.Join(errs...)
}

var errOffline = errors.New("cradle: no server configured, mutations stay queued")

// offlinePusher stands in when no server is configured.
type offlinePusher struct{}

func (offlinePusher) Push(context.Context, []entities.Mutation) (entities.PushResponse, error) {
	return entities.PushResponse{}, errOffline
}
