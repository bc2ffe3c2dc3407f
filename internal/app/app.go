// Package app assembles the netonboard service from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/netonboard/pkg/api"
	"github.com/openfroyo/netonboard/pkg/config"
	"github.com/openfroyo/netonboard/pkg/credentials"
	"github.com/openfroyo/netonboard/pkg/detector"
	"github.com/openfroyo/netonboard/pkg/drivers"
	"github.com/openfroyo/netonboard/pkg/drivers/linuxnos"
	"github.com/openfroyo/netonboard/pkg/drivers/snmp"
	"github.com/openfroyo/netonboard/pkg/drivers/sshcli"
	"github.com/openfroyo/netonboard/pkg/drivers/wasmplugin"
	"github.com/openfroyo/netonboard/pkg/engine"
	"github.com/openfroyo/netonboard/pkg/events"
	"github.com/openfroyo/netonboard/pkg/mapper"
	"github.com/openfroyo/netonboard/pkg/policy"
	"github.com/openfroyo/netonboard/pkg/stores"
	"github.com/openfroyo/netonboard/pkg/telemetry"
)

// vaultPurgeInterval is how often expired inline credentials are dropped.
const vaultPurgeInterval = time.Minute

// App is a fully wired service.
type App struct {
	Config       *config.Config
	Telemetry    *telemetry.Telemetry
	Store        engine.TaskStore
	Registry     *drivers.Registry
	Vault        *credentials.Vault
	Policy       *policy.Engine
	Orchestrator *engine.Orchestrator
	Server       *api.Server

	credFile *credentials.FileProvider
	logger   zerolog.Logger
	closers  []func(context.Context) error
}

// New builds every component named by cfg. On error, whatever was already
// opened is closed.
func New(ctx context.Context, cfg *config.Config) (a *App, err error) {
	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a = &App{
		Config:    cfg,
		Telemetry: tel,
		logger:    tel.Logger.NewComponentLogger("app").Zerolog(),
	}
	a.closers = append(a.closers, tel.Shutdown)
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	store, inventory, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}
	a.Store = store

	creds, err := a.buildCredentials()
	if err != nil {
		return nil, err
	}

	if err := a.buildRegistry(ctx); err != nil {
		return nil, err
	}

	det := detector.New(a.Registry, a.buildProbes(creds), detector.WithProbeTimeout(cfg.Detector.ProbeTimeout))

	deps := engine.Dependencies{
		Store:       store,
		Drivers:     a.Registry,
		Detector:    det,
		Credentials: creds,
		Metrics:     tel.Metrics,
	}
	if inventory != nil {
		deps.Inventory = inventory
	}

	if cfg.Policy.Enabled {
		if a.Policy, err = a.buildPolicy(ctx); err != nil {
			return nil, err
		}
		deps.Policy = a.Policy
	}

	publisher, err := a.buildEvents(ctx)
	if err != nil {
		return nil, err
	}
	if publisher != nil {
		deps.Events = publisher
	}

	if a.Orchestrator, err = engine.NewOrchestrator(cfg.Orchestrator, deps); err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	logger := tel.Logger.Zerolog()
	opts := api.Options{
		Drivers: a.Registry,
		Vault:   a.Vault,
		Logger:  &logger,
		MaxWait: cfg.Server.MaxWait,
	}
	if hc, ok := store.(api.HealthChecker); ok {
		opts.Health = hc
	}
	if tel.Metrics.Enabled() {
		opts.Metrics = tel.Metrics.Handler()
		opts.MetricsPath = cfg.Telemetry.Metrics.Path
	}
	if cfg.Telemetry.Tracing.Enabled {
		opts.Tracer = tel.Tracer
	}
	a.Server = api.NewServer(a.Orchestrator, opts)

	return a, nil
}

// inventoryStore is implemented by the SQLite and Postgres stores.
type inventoryStore interface {
	engine.InventoryStore
	Migrate(ctx context.Context) error
}

func (a *App) openStores(ctx context.Context) (engine.TaskStore, engine.InventoryStore, error) {
	cfg := a.Config

	var (
		taskStore engine.TaskStore
		sqlite    *stores.SQLiteStore
	)
	switch cfg.Store.Driver {
	case "sqlite":
		s, err := OpenSQLite(ctx, cfg.Store.SQLite)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return s.Close() })
		sqlite, taskStore = s, s
	default:
		taskStore = stores.NewMemoryTaskStore()
	}

	var inventory inventoryStore
	switch cfg.Inventory.Driver {
	case "sqlite":
		inventory = sqlite
	case "postgres":
		pg, err := stores.NewPostgresInventory(ctx, *cfg.Inventory.Postgres)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return pg.Close() })
		if err := pg.Migrate(ctx); err != nil {
			return nil, nil, err
		}
		inventory = pg
	}

	a.logger.Info().
		Str("store", cfg.Store.Driver).
		Str("inventory", cfg.Inventory.Driver).
		Msg("Stores ready")

	if inventory == nil {
		return taskStore, nil, nil
	}
	return taskStore, inventory, nil
}

// OpenSQLite opens and migrates the SQLite task store.
func OpenSQLite(ctx context.Context, cfg stores.Config) (*stores.SQLiteStore, error) {
	s, err := stores.NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// buildCredentials chains the inline vault, the optional file and the
// environment, in that order.
func (a *App) buildCredentials() (credentials.Chain, error) {
	cfg := a.Config.Credentials

	a.Vault = credentials.NewVault(cfg.InlineTTL)
	chain := credentials.Chain{a.Vault}

	if cfg.File != "" {
		fp, err := credentials.NewFileProvider(cfg.File)
		if err != nil {
			return nil, err
		}
		a.credFile = fp
		chain = append(chain, fp)
	}

	env := credentials.NewEnvProvider()
	if cfg.EnvPrefix != "" {
		env.Prefix = cfg.EnvPrefix
	}
	return append(chain, env), nil
}

// buildRegistry registers built-in CLI mappers, extra mappers, Linux NOS
// flavors, WASM plugins and finally the generic SNMP fallback, then seals.
func (a *App) buildRegistry(ctx context.Context) error {
	cfg := a.Config.Drivers
	reg := drivers.NewRegistry()

	if err := sshcli.RegisterBuiltins(reg, cfg.SSH); err != nil {
		return fmt.Errorf("failed to register built-in drivers: %w", err)
	}
	if cfg.MapperDir != "" {
		mappers, err := mapper.LoadDir(os.DirFS(cfg.MapperDir), ".")
		if err != nil {
			return fmt.Errorf("failed to load mappers from %s: %w", cfg.MapperDir, err)
		}
		if err := sshcli.Register(reg, mappers, cfg.SSH); err != nil {
			return err
		}
	}

	if err := linuxnos.Register(reg, selectFlavors(cfg.LinuxFlavors), cfg.SSH); err != nil {
		return err
	}

	if cfg.PluginDir != "" {
		plugins, err := wasmplugin.LoadDir(ctx, cfg.PluginDir, cfg.SSH, cfg.Plugins)
		if err != nil {
			return fmt.Errorf("failed to load plugins from %s: %w", cfg.PluginDir, err)
		}
		for _, p := range plugins {
			a.closers = append(a.closers, p.Shutdown)
		}
		if err := wasmplugin.Register(reg, plugins); err != nil {
			return err
		}
	}

	fallback := snmp.New(a.Config.Detector.SNMP, nil)
	if err := reg.Register(fallback.Descriptor(), fallback); err != nil {
		return err
	}

	reg.Seal()
	a.Registry = reg

	a.logger.Info().Int("drivers", reg.Len()).Msg("Driver registry sealed")
	return nil
}

func selectFlavors(names []string) []linuxnos.Flavor {
	if len(names) == 0 {
		return linuxnos.Flavors
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []linuxnos.Flavor
	for _, f := range linuxnos.Flavors {
		if want[f.Platform] {
			out = append(out, f)
		}
	}
	return out
}

func (a *App) buildProbes(creds engine.CredentialProvider) []detector.Probe {
	cfg := a.Config.Detector

	var probes []detector.Probe
	if cfg.ProbeEnabled("ssh_banner") {
		probes = append(probes, detector.SSHBannerProbe{})
	}
	if cfg.ProbeEnabled("snmp") {
		probes = append(probes, &detector.SNMPProbe{Credentials: creds, Options: cfg.SNMP})
	}
	if cfg.ProbeEnabled("nmap") {
		probes = append(probes, &detector.NmapProbe{Ports: cfg.NmapPorts})
	}
	return probes
}

func (a *App) buildPolicy(ctx context.Context) (*policy.Engine, error) {
	cfg := a.Config.Policy

	opts := []policy.Option{policy.WithDenyCIDRs(cfg.DenyCIDRs)}
	if !cfg.Builtins {
		opts = append(opts, policy.WithoutBuiltins())
	}
	pe, err := policy.NewEngine(a.Telemetry.Logger.NewComponentLogger("policy").Zerolog(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.Paths) > 0 && !cfg.Watch {
		if err := pe.LoadPolicies(ctx, cfg.Paths); err != nil {
			return nil, err
		}
	}
	return pe, nil
}

func (a *App) buildEvents(ctx context.Context) (engine.EventPublisher, error) {
	cfg := a.Config.Events
	multi := events.NewMulti()

	if cfg.Log {
		logger := a.Telemetry.Logger.NewComponentLogger("events").Zerolog()
		multi.Add(events.NewLogPublisher(logger), events.FilterBySeverity(cfg.MinLevel))
	}
	if cfg.JetStream.Enabled {
		js, err := events.ConnectJetStream(ctx, cfg.JetStream.JetStreamConfig)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return js.Close() })
		multi.Add(js)
	}

	if multi.Len() == 0 {
		return nil, nil
	}
	return multi, nil
}

// Run starts the orchestrator, the reload watchers and the API, and blocks
// until ctx is done. The orchestrator is drained before Run returns.
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config

	if err := a.Orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	go a.Vault.Run(ctx, vaultPurgeInterval)

	if a.credFile != nil && cfg.Credentials.Watch {
		if err := a.credFile.Watch(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Credential file watch disabled")
		}
	}
	if a.Policy != nil && cfg.Policy.Watch && len(cfg.Policy.Paths) > 0 {
		if err := a.Policy.Watch(ctx, cfg.Policy.Paths); err != nil {
			return fmt.Errorf("failed to watch policies: %w", err)
		}
	}

	serveErr := a.Server.ListenAndServe(ctx, cfg.Server.Listen, cfg.Server.ReadHeaderTimeout, cfg.Server.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.Orchestrator.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("Orchestrator did not drain cleanly")
	}

	return serveErr
}

// Close releases everything New opened, in reverse order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if len(errs) > 0 {
		log.Warn().Err(errors.Join(errs...)).Msg("Errors while closing")
	}
	return errors.Join(errs...)
}
