// Package jobs runs pipeline instances as tracked jobs. It replaces ambient
// global process maps with an explicit manager: a table of handles keyed by
// job id, start/stop/list operations, and a reference-counted shared resource
// that is torn down when the last job using it stops.
package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RunFunc is the body of a job. It must return promptly once its context is
// canceled.
type RunFunc func(ctx context.Context) error

// Status describes one tracked job.
type Status struct {
	ID      uuid.UUID
	Name    string
	Running bool
	Err     error
}

type handle struct {
	id     uuid.UUID
	name   string
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// SharedResource is reference-counted infrastructure shared by jobs, such as
// the columnar store connection.
type SharedResource struct {
	mu     sync.Mutex
	refs   int
	closer func() error
	closed bool
}

func NewSharedResource(closer func() error) *SharedResource {
	return &SharedResource{closer: closer}
}

func (r *SharedResource) acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("shared resource already closed")
	}
	r.refs++
	return nil
}

func (r *SharedResource) release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.refs--
	if r.refs > 0 {
		return nil
	}
	r.closed = true
	if r.closer == nil {
		return nil
	}
	return r.closer()
}

// Manager tracks running jobs by id.
type Manager struct {
	logger *zap.Logger
	shared *SharedResource

	mu      sync.Mutex
	handles map[uuid.UUID]*handle
}

// NewManager builds a manager. The shared resource may be nil when jobs share
// nothing.
func NewManager(shared *SharedResource, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:  logger,
		shared:  shared,
		handles: make(map[uuid.UUID]*handle),
	}
}

// Start launches a job and returns its id. The job's context is derived from
// the given parent, so canceling the parent stops every job.
func (m *Manager) Start(parent context.Context, name string, run RunFunc) (uuid.UUID, error) {
	if run == nil {
		return uuid.Nil, fmt.Errorf("run func is nil")
	}
	if m.shared != nil {
		if err := m.shared.acquire(); err != nil {
			return uuid.Nil, err
		}
	}

	ctx, cancel := context.WithCancel(parent)
	h := &handle{
		id:     uuid.New(),
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.handles[h.id] = h
	m.mu.Unlock()

	m.logger.Info("job started", zap.String("job_id", h.id.String()), zap.String("name", name))

	go func() {
		err := run(ctx)

		h.mu.Lock()
		h.err = err
		h.mu.Unlock()

		if m.shared != nil {
			if closeErr := m.shared.release(); closeErr != nil {
				m.logger.Warn("shared resource close failed", zap.Error(closeErr))
			}
		}

		if err != nil && ctx.Err() == nil {
			m.logger.Error("job failed", zap.String("job_id", h.id.String()), zap.String("name", name), zap.Error(err))
		} else {
			m.logger.Info("job finished", zap.String("job_id", h.id.String()), zap.String("name", name))
		}
		close(h.done)
	}()

	return h.id, nil
}

// Stop cancels the job and waits for it to finish, returning its final error.
func (m *Manager) Stop(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	h, ok := m.handles[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job: %s", id)
	}

	h.cancel()
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	delete(m.handles, id)
	m.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// StopAll stops every tracked job and returns the first failure.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]uuid.UUID, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Wait blocks until every tracked job has finished on its own.
func (m *Manager) Wait() {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		<-h.done
	}
}

// List returns a snapshot of all tracked jobs.
func (m *Manager) List() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.handles))
	for _, h := range m.handles {
		running := true
		select {
		case <-h.done:
			running = false
		default:
		}

		h.mu.Lock()
		err := h.err
		h.mu.Unlock()

		out = append(out, Status{ID: h.id, Name: h.name, Running: running, Err: err})
	}
	return out
}

// Errs returns the terminal errors of finished jobs, for exit-code decisions.
func (m *Manager) Errs() []error {
	var errs []error
	for _, st := range m.List() {
		if !st.Running && st.Err != nil {
			errs = append(errs, st.Err)
		}
	}
	return errs
}
