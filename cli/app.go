package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalrules/bus"
	"github.com/petal-labs/petalrules/config"
	"github.com/petal-labs/petalrules/engine"
	"github.com/petal-labs/petalrules/store"
)

// app holds the wired components shared by the commands that touch the rule
// store.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	store   store.RuleStore
	bus     *bus.MemBus
	events  bus.EventStore
	service *engine.Service

	closers []func() error
}

// appOptions customizes openApp.
type appOptions struct {
	observer engine.Observer
}

// openApp loads config and opens the rule store, the event store and the
// rule service.
func openApp(cmd *cobra.Command, opts appOptions) (*app, error) {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	a, err := openAppWith(cmd, cfg, opts)
	if err == nil && path != "" {
		a.logger.Debug("loaded config", "path", path)
	}
	return a, err
}

// openAppWith opens the components for an already loaded config.
func openAppWith(cmd *cobra.Command, cfg config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: newLogger(cmd, cfg.Log)}
	if err := a.open(cmd.Context(), opts); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context, opts appOptions) error {
	if err := a.cfg.EnsureDirs(); err != nil {
		return exitError(exitRuntime, "%v", err)
	}

	rules, err := store.Open(ctx, a.cfg.StoreConfig())
	if err != nil {
		return exitError(exitRuntime, "opening rule store: %v", err)
	}
	a.store = rules
	a.closers = append(a.closers, rules.Close)

	events, err := a.openEventStore()
	if err != nil {
		return err
	}
	a.events = events

	a.bus = bus.NewMemBus(bus.MemBusConfig{})
	a.closers = append(a.closers, a.bus.Close)

	pub, err := bus.NewPublisher(ctx, a.bus, events, a.logger)
	if err != nil {
		return exitError(exitRuntime, "initializing event publisher: %v", err)
	}

	svc, err := engine.New(engine.Config{
		Store:     rules,
		Publisher: pub,
		Observer:  opts.observer,
		MaxDepth:  a.cfg.Parser.MaxDepth,
		Logger:    a.logger,

		EvaluateCoalesce: a.cfg.Events.Coalesce,
	})
	if err != nil {
		return exitError(exitRuntime, "creating rule service: %v", err)
	}
	a.service = svc
	a.closers = append(a.closers, svc.Close)

	a.logger.Debug("rule store opened", "driver", a.cfg.Store.Driver, "events", a.cfg.Events.Driver)
	return nil
}

func (a *app) openEventStore() (bus.EventStore, error) {
	if !strings.EqualFold(a.cfg.Events.Driver, config.EventsSQLite) {
		return bus.NewMemEventStore(a.cfg.Events.Retention), nil
	}
	es, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{
		DSN:            a.cfg.Events.Path,
		RetentionAge:   a.cfg.Events.RetentionAge,
		RetentionCount: a.cfg.Events.Retention,
	})
	if err != nil {
		return nil, exitError(exitRuntime, "opening sqlite event store: %v", err)
	}
	a.closers = append(a.closers, es.Close)
	return es, nil
}

// Close releases everything in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("closing: %w", err)
	}
	return nil
}
