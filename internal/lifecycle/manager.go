package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"flowwatch/internal/logging"
)

const defaultShutdownTimeout = 10 * time.Second

type job struct {
	name string
	run  func(context.Context) error
}

// Manager runs named jobs until one fails or the context ends, then runs the
// shutdown jobs in reverse registration order.
type Manager struct {
	logger          *slog.Logger
	shutdownTimeout time.Duration

	mu           sync.Mutex
	runJobs      []job
	shutdownJobs []job
}

func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger:          logging.For(logger, "lifecycle"),
		shutdownTimeout: defaultShutdownTimeout,
	}
}

func (m *Manager) SetShutdownTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.shutdownTimeout = d
	m.mu.Unlock()
}

func (m *Manager) AddRun(name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.runJobs = append(m.runJobs, job{name: name, run: fn})
	m.mu.Unlock()
}

func (m *Manager) AddShutdown(name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.shutdownJobs = append(m.shutdownJobs, job{name: name, run: fn})
	m.mu.Unlock()
}

func (m *Manager) StartAndWait(parent context.Context, sig ...os.Signal) error {
	ctx := parent
	stopSignal := func() {}
	if len(sig) > 0 {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(parent, sig...)
		stopSignal = stop
	}
	defer stopSignal()

	runCtx, cancelRuns := context.WithCancel(ctx)
	defer cancelRuns()

	m.mu.Lock()
	runJobs := append([]job(nil), m.runJobs...)
	shutdownJobs := append([]job(nil), m.shutdownJobs...)
	timeout := m.shutdownTimeout
	m.mu.Unlock()

	errCh := make(chan error, len(runJobs))
	var wg sync.WaitGroup
	for _, j := range runJobs {
		j := j
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := j.run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error("run job failed", "job", j.name, "err", err)
				errCh <- fmt.Errorf("%s: %w", j.name, err)
				cancelRuns()
			}
		}()
	}

	doneCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		cancelRuns()
	case err := <-errCh:
		runErr = err
		cancelRuns()
	case <-doneCh:
	}

	<-doneCh

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), timeout)
	defer cancelShutdown()
	var shutdownErr error
	for i := len(shutdownJobs) - 1; i >= 0; i-- {
		j := shutdownJobs[i]
		if err := j.run(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("shutdown job failed", "job", j.name, "err", err)
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("%s: %w", j.name, err))
		}
	}
	return errors.Join(runErr, shutdownErr)
}
