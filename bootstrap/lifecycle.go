package bootstrap

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tliron/commonlog"

	"github.com/najoast/isoheap/logging"
)

// Lifecycle starts services in dependency order and stops them in reverse.
type Lifecycle struct {
	mu sync.RWMutex

	services     map[string]Service
	dependencies map[string][]string
	startOrder   []string
	started      bool

	listeners []func(LifecycleEvent)

	// timeout bounds each service start
	timeout time.Duration

	log commonlog.Logger
}

// NewLifecycle creates an empty lifecycle.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{
		services:     make(map[string]Service),
		dependencies: make(map[string][]string),
		timeout:      30 * time.Second,
		log:          logging.GetLogger("app"),
	}
}

// Register adds a service that starts after deps.
func (lc *Lifecycle) Register(service Service, deps ...string) error {
	if service == nil {
		return errors.New("service cannot be nil")
	}
	name := service.Name()
	if name == "" {
		return errors.New("service name cannot be empty")
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()

	if lc.started {
		return errors.Errorf("cannot register service %s: lifecycle already started", name)
	}
	if _, exists := lc.services[name]; exists {
		return errors.Errorf("service %s is already registered", name)
	}

	lc.services[name] = service
	lc.dependencies[name] = deps
	return nil
}

// SetTimeout sets the timeout for starting one service.
func (lc *Lifecycle) SetTimeout(timeout time.Duration) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.timeout = timeout
}

// AddListener adds a lifecycle event listener. Listeners run
// synchronously and must not call back into the lifecycle.
func (lc *Lifecycle) AddListener(listener func(LifecycleEvent)) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.listeners = append(lc.listeners, listener)
}

// Start starts all services in dependency order. If one fails, the ones
// already started are stopped again.
func (lc *Lifecycle) Start(ctx context.Context) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if lc.started {
		return errors.New("lifecycle already started")
	}

	order, err := lc.calculateStartOrder()
	if err != nil {
		return &ApplicationError{Operation: "start", Err: err}
	}

	for _, name := range order {
		startCtx, cancel := context.WithTimeout(ctx, lc.timeout)
		err := lc.services[name].Start(startCtx)
		cancel()

		if err != nil {
			lc.emit("service.start_failed", name, err)
			lc.stopStarted(ctx)
			return &ApplicationError{Operation: "start", Service: name, Err: err}
		}
		lc.startOrder = append(lc.startOrder, name)
		lc.emit("service.started", name, nil)
	}

	lc.started = true
	return nil
}

// Stop stops started services in reverse order. ctx bounds the whole stop.
func (lc *Lifecycle) Stop(ctx context.Context) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if !lc.started {
		return nil
	}
	lc.started = false
	return lc.stopStarted(ctx)
}

func (lc *Lifecycle) stopStarted(ctx context.Context) error {
	var lastError error
	for i := len(lc.startOrder) - 1; i >= 0; i-- {
		name := lc.startOrder[i]
		if err := lc.services[name].Stop(ctx); err != nil {
			lastError = &ApplicationError{Operation: "stop", Service: name, Err: err}
			lc.emit("service.stop_failed", name, err)
			continue
		}
		lc.emit("service.stopped", name, nil)
	}
	lc.startOrder = nil
	return lastError
}

// Started reports whether Start succeeded and Stop was not called yet.
func (lc *Lifecycle) Started() bool {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	return lc.started
}

// Health returns the health status of all services
func (lc *Lifecycle) Health(ctx context.Context) map[string]HealthStatus {
	lc.mu.RLock()
	defer lc.mu.RUnlock()

	health := make(map[string]HealthStatus, len(lc.services))
	for name, service := range lc.services {
		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		status, err := service.Health(healthCtx)
		cancel()

		if err != nil {
			status = HealthStatus{State: HealthUnhealthy, Message: err.Error()}
		}
		if status.LastCheck.IsZero() {
			status.LastCheck = time.Now()
		}
		health[name] = status
	}
	return health
}

// Services returns all registered service names
func (lc *Lifecycle) Services() []string {
	lc.mu.RLock()
	defer lc.mu.RUnlock()

	names := make([]string, 0, len(lc.services))
	for name := range lc.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// calculateStartOrder sorts services topologically (Kahn's algorithm).
// Ties are broken by name so the order is stable.
func (lc *Lifecycle) calculateStartOrder() ([]string, error) {
	inDegree := make(map[string]int, len(lc.services))
	graph := make(map[string][]string, len(lc.services))

	for name := range lc.services {
		inDegree[name] = 0
	}
	for name, deps := range lc.dependencies {
		for _, dep := range deps {
			if _, exists := lc.services[dep]; !exists {
				return nil, errors.Errorf("dependency %s of service %s is not registered", dep, name)
			}
			graph[dep] = append(graph[dep], name)
			inDegree[name]++
		}
	}

	var queue []string
	for name, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	result := make([]string, 0, len(lc.services))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		dependents := graph[current]
		sort.Strings(dependents)
		for _, dependent := range dependents {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(result) != len(lc.services) {
		return nil, errors.New("circular dependency detected")
	}
	return result, nil
}

func (lc *Lifecycle) emit(kind, service string, err error) {
	if err != nil {
		lc.log.Errorf("%s %s: %v", kind, service, err)
	} else {
		lc.log.Debugf("%s %s", kind, service)
	}

	event := LifecycleEvent{Type: kind, Service: service, Timestamp: time.Now(), Error: err}
	for _, listener := range lc.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					lc.log.Errorf("lifecycle listener panicked: %v", r)
				}
			}()
			listener(event)
		}()
	}
}
