package bootstrap

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/tliron/commonlog"

	"github.com/najoast/isoheap/config"
	"github.com/najoast/isoheap/core"
	"github.com/najoast/isoheap/logging"
	"github.com/najoast/isoheap/marshal"
)

// MainFunc is the body of the application. It runs on the main context and
// should return when ctx is done.
type MainFunc func(ctx context.Context, c *core.Context) error

// Options configures NewApplication.
type Options struct {
	// Configuration file; empty searches the default locations
	ConfigFile string

	// Configuration to use instead of loading one
	Config *config.Config

	// Reload the configuration file when it changes: ConfigFile, or the
	// file found in the default locations
	Watch bool

	// Bindings every worker heap is initialized from
	Bindings marshal.Bindings
}

// Application owns the configuration, the runtime and their lifecycle.
type Application struct {
	mu      sync.RWMutex
	cfg     *config.Config
	running bool

	runtime   *core.Runtime
	lifecycle *Lifecycle
	log       commonlog.Logger
}

// NewApplication loads configuration, configures logging and creates the
// runtime.
func NewApplication(opts Options) (*Application, error) {
	cfg := opts.Config
	var provider *config.FileProvider
	if cfg == nil {
		var err error
		provider, err = config.NewFileProvider(opts.ConfigFile, nil)
		if err != nil {
			return nil, errors.Wrap(err, "configuration")
		}
		if cfg, err = provider.Load(); err != nil {
			return nil, errors.Wrap(err, "load configuration")
		}
	} else if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "configuration")
	}

	logging.Configure(cfg.Log)

	rt, err := core.NewRuntime(cfg, opts.Bindings)
	if err != nil {
		return nil, errors.Wrap(err, "create runtime")
	}

	app := &Application{
		cfg:       cfg,
		runtime:   rt,
		lifecycle: NewLifecycle(),
		log:       logging.GetLogger("app"),
	}

	if err := app.lifecycle.Register(&runtimeService{runtime: rt}); err != nil {
		return nil, err
	}
	if opts.Watch && provider != nil && provider.Path() != "" {
		watcher := &watcherService{provider: provider, onChange: app.reconfigure}
		if err := app.lifecycle.Register(watcher, runtimeServiceName); err != nil {
			return nil, err
		}
	}

	return app, nil
}

// Config returns the configuration in effect.
func (app *Application) Config() *config.Config {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.cfg
}

// Runtime returns the worker runtime.
func (app *Application) Runtime() *core.Runtime {
	return app.runtime
}

// Lifecycle returns the service lifecycle.
func (app *Application) Lifecycle() *Lifecycle {
	return app.lifecycle
}

// Health returns the health of every service.
func (app *Application) Health(ctx context.Context) map[string]HealthStatus {
	return app.lifecycle.Health(ctx)
}

// Run starts the services, runs main on the main context and shuts down
// when main returns, ctx is done or SIGINT/SIGTERM arrives.
func (app *Application) Run(ctx context.Context, main MainFunc) error {
	app.mu.Lock()
	if app.running {
		app.mu.Unlock()
		return errors.New("application is already running")
	}
	app.running = true
	app.mu.Unlock()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.lifecycle.Start(ctx); err != nil {
		app.mu.Lock()
		app.running = false
		app.mu.Unlock()
		return err
	}
	cfg := app.Config()
	app.log.Infof("%s %s started (%s)", cfg.App.Name, cfg.App.Version, cfg.App.Environment)

	result := make(chan error, 1)
	go func() {
		result <- main(ctx, app.runtime.Main())
	}()

	var mainErr error
	select {
	case mainErr = <-result:
	case <-ctx.Done():
		app.log.Notice("shutdown requested")
	}

	if err := app.Shutdown(context.Background()); err != nil {
		if mainErr == nil {
			return err
		}
		app.log.Errorf("shutdown: %v", err)
	}
	return mainErr
}

// Shutdown stops every service, waiting for workers up to the configured
// shutdown timeout. A zero timeout waits as long as ctx allows.
func (app *Application) Shutdown(ctx context.Context) error {
	app.mu.Lock()
	app.running = false
	timeout := app.cfg.Runtime.ShutdownTimeout
	app.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if !app.lifecycle.Started() {
		return app.runtime.Shutdown(ctx)
	}
	return app.lifecycle.Stop(ctx)
}

// reconfigure applies the live settings of a reloaded configuration.
func (app *Application) reconfigure(_, newConfig *config.Config, changes []config.Change) {
	if config.HasChange(changes, "log.output") {
		logging.Configure(newConfig.Log)
	}
	if err := app.runtime.Reconfigure(newConfig); err != nil {
		app.log.Errorf("configuration not applied: %v", err)
		return
	}
	app.mu.Lock()
	app.cfg = newConfig
	app.mu.Unlock()
}

const runtimeServiceName = "runtime"

// runtimeService shuts the worker runtime down on stop.
type runtimeService struct {
	runtime *core.Runtime
	stopped bool
}

func (s *runtimeService) Name() string {
	return runtimeServiceName
}

func (s *runtimeService) Start(ctx context.Context) error {
	return nil
}

func (s *runtimeService) Stop(ctx context.Context) error {
	s.stopped = true
	return s.runtime.Shutdown(ctx)
}

func (s *runtimeService) Health(ctx context.Context) (HealthStatus, error) {
	if s.stopped {
		return HealthStatus{State: HealthStopped, Message: "runtime shut down"}, nil
	}
	return HealthStatus{
		State:   HealthHealthy,
		Message: "runtime running",
		Data: map[string]any{
			"runtime": s.runtime.ID(),
			"workers": s.runtime.Workers(),
			"running": s.runtime.Running(),
		},
	}, nil
}

// watcherService feeds configuration file changes to the runtime while
// running.
type watcherService struct {
	provider *config.FileProvider
	onChange config.ChangeFunc
}

func (s *watcherService) Name() string {
	return "config-watcher"
}

func (s *watcherService) Start(ctx context.Context) error {
	return s.provider.Watch(s.onChange)
}

func (s *watcherService) Stop(ctx context.Context) error {
	return s.provider.Close()
}

func (s *watcherService) Health(ctx context.Context) (HealthStatus, error) {
	return HealthStatus{
		State:   HealthHealthy,
		Message: "watching configuration",
		Data:    map[string]any{"path": s.provider.Path()},
	}, nil
}
