package services

import (
	"context"
	"fmt"
	"sync"
)

// State represents the lifecycle state of a Service.
type State int

const (
	New State = iota
	Starting
	Running
	Stopping
	Terminated
	Failed
)

func (s State) String() string {
	switch s {
	case New:
		return "New"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Terminated:
		return "Terminated"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Listener receives notifications about a Service's state transitions.
// Methods are invoked from a dedicated per-listener goroutine, in order.
type Listener interface {
	Starting()
	Running()
	Stopping(from State)
	Terminated(from State)
	Failed(from State, failure error)
}

// Service is a component with an explicit start/stop lifecycle, modeled
// after Guava's Service. A Service moves through New -> Starting ->
// Running -> Stopping -> Terminated, or to Failed from any non-terminal
// state.
type Service interface {
	StartAsync(ctx context.Context) error
	AwaitRunning(ctx context.Context) error
	StopAsync()
	AwaitTerminated(ctx context.Context) error
	FailureCase() error
	State() State
	AddListener(listener Listener)
}

func invalidServiceStateError(s State, expected State) error {
	return fmt.Errorf("invalid service state: %v, expected: %v", s, expected)
}

// StartAndAwaitRunning starts the service and blocks until it reaches the
// Running state (or fails to).
func StartAndAwaitRunning(ctx context.Context, service Service) error {
	err := service.StartAsync(ctx)
	if err != nil {
		return err
	}
	return service.AwaitRunning(ctx)
}

// StopAndAwaitTerminated requests the service to stop and blocks until it
// reaches the Terminated state (or fails to).
func StopAndAwaitTerminated(ctx context.Context, service Service) error {
	service.StopAsync()
	return service.AwaitTerminated(ctx)
}

// StartingFn is invoked once, when the service transitions to Starting.
// Returning an error fails the service without ever reaching Running.
type StartingFn func(ctx context.Context) error

// RunningFn is invoked once the service is Running. It receives a context
// that is canceled when StopAsync is called. Returning (nil or otherwise)
// moves the service to Stopping.
type RunningFn func(ctx context.Context) error

// StoppingFn is invoked once, when the service transitions to Stopping.
// failureCase is non-nil if RunningFn returned an error.
type StoppingFn func(failureCase error) error

// BasicService is a Service built from three simple functions, matching
// the common "do setup, run until stopped, do teardown" shape.
type BasicService struct {
	startFn   StartingFn
	runFn     RunningFn
	stopFn    StoppingFn
	listeners *serviceListeners

	stateMu     sync.Mutex
	state       State
	failureCase error

	runningCh    chan struct{}
	terminatedCh chan struct{}

	serviceCtx    context.Context
	serviceCancel context.CancelFunc
}

// NewBasicService builds a Service from up to three lifecycle hooks. Any
// of them may be nil.
func NewBasicService(start StartingFn, run RunningFn, stop StoppingFn) *BasicService {
	return &BasicService{
		startFn:      start,
		runFn:        run,
		stopFn:       stop,
		listeners:    newServiceListeners(),
		state:        New,
		runningCh:    make(chan struct{}),
		terminatedCh: make(chan struct{}),
	}
}

func (b *BasicService) StartAsync(ctx context.Context) error {
	b.stateMu.Lock()
	if b.state != New {
		b.stateMu.Unlock()
		return invalidServiceStateError(b.state, New)
	}
	b.state = Starting
	b.serviceCtx, b.serviceCancel = context.WithCancel(context.Background())
	b.stateMu.Unlock()

	b.listeners.notify(func(l Listener) { l.Starting() }, false)

	go b.main(ctx)
	return nil
}

func (b *BasicService) main(ctx context.Context) {
	if b.startFn != nil {
		if err := b.startFn(ctx); err != nil {
			b.fail(Starting, err)
			return
		}
	}

	b.stateMu.Lock()
	b.state = Running
	b.stateMu.Unlock()
	b.listeners.notify(func(l Listener) { l.Running() }, false)
	close(b.runningCh)

	var runErr error
	if b.runFn != nil {
		runErr = b.runFn(b.serviceCtx)
	} else {
		<-b.serviceCtx.Done()
	}

	if runErr != nil {
		b.fail(Running, runErr)
		return
	}

	b.stateMu.Lock()
	b.state = Stopping
	b.stateMu.Unlock()
	b.listeners.notify(func(l Listener) { l.Stopping(Running) }, false)

	var stopErr error
	if b.stopFn != nil {
		stopErr = b.stopFn(nil)
	}

	b.stateMu.Lock()
	b.state = Terminated
	b.failureCase = stopErr
	b.stateMu.Unlock()
	b.listeners.notify(func(l Listener) { l.Terminated(Stopping) }, true)
	close(b.terminatedCh)
}

func (b *BasicService) fail(from State, err error) {
	if b.stopFn != nil {
		_ = b.stopFn(err)
	}

	b.stateMu.Lock()
	b.state = Failed
	b.failureCase = err
	b.stateMu.Unlock()

	b.listeners.notify(func(l Listener) { l.Failed(from, err) }, true)
	close(b.runningCh)
	close(b.terminatedCh)
}

func (b *BasicService) StopAsync() {
	b.stateMu.Lock()
	state := b.state
	cancel := b.serviceCancel
	b.stateMu.Unlock()

	switch state {
	case New:
		b.stateMu.Lock()
		b.state = Terminated
		b.stateMu.Unlock()
		b.listeners.notify(func(l Listener) { l.Terminated(New) }, true)
		close(b.runningCh)
		close(b.terminatedCh)
	default:
		if cancel != nil {
			cancel()
		}
	}
}

func (b *BasicService) AwaitRunning(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.runningCh:
		if s := b.State(); s != Running {
			return invalidServiceStateError(s, Running)
		}
		return nil
	}
}

func (b *BasicService) AwaitTerminated(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.terminatedCh:
		return nil
	}
}

func (b *BasicService) FailureCase() error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.failureCase
}

func (b *BasicService) State() State {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.state
}

func (b *BasicService) AddListener(listener Listener) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.state == Terminated || b.state == Failed {
		return
	}
	b.listeners.add(listener)
}

// NewIdleService builds a Service that runs startFn then blocks until
// stopped, then runs stopFn. Useful for components with no internal loop.
func NewIdleService(start StartingFn, stop StoppingFn) *BasicService {
	return NewBasicService(start, nil, stop)
}
