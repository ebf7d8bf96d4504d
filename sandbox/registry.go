package sandbox

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/isdmx/pyexec/apperror"
)

// ErrShuttingDown is returned for ids reserved after the registry was closed
var ErrShuttingDown = errors.New("execution engine is shutting down")

// registryEntry is a reserved id. proc is nil until the interpreter has
// started and the reservation is bound.
type registryEntry struct {
	proc       Process
	cancelling bool
}

// Registry maps execution ids to live processes. It is the only state shared
// between concurrent executions.
type Registry struct {
	logger  *zap.Logger
	grace   time.Duration
	mu      sync.Mutex
	entries map[string]*registryEntry
	closed  bool
}

// NewRegistry creates an empty Registry. grace is the wait between SIGTERM
// and SIGKILL when cancelling.
func NewRegistry(logger *zap.Logger, grace time.Duration) *Registry {
	return &Registry{
		logger:  logger.With(zap.String("component", "registry")),
		grace:   grace,
		entries: make(map[string]*registryEntry),
	}
}

// Reservation holds an execution id from before anything is created for the
// run until Release.
type Reservation struct {
	registry *Registry
	id       string
	entry    *registryEntry
}

// Reserve claims id. It fails with an apperror.ErrConflict when id is
// already reserved and with ErrShuttingDown once the registry is closed.
func (r *Registry) Reserve(id string) (*Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrShuttingDown
	}
	if _, exists := r.entries[id]; exists {
		return nil, apperror.Conflict("execution", id)
	}
	e := &registryEntry{}
	r.entries[id] = e
	return &Reservation{registry: r, id: id, entry: e}, nil
}

// ID returns the reserved execution id
func (res *Reservation) ID() string {
	return res.id
}

// Bind attaches the started process. It returns false when the execution was
// cancelled while only reserved; the caller must then stop p itself.
func (res *Reservation) Bind(p Process) bool {
	r := res.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	if res.entry.cancelling || r.entries[res.id] != res.entry {
		return false
	}
	res.entry.proc = p
	return true
}

// Release frees the id unless it has since been handed to another run
func (res *Reservation) Release() {
	r := res.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries[res.id] == res.entry {
		delete(r.entries, res.id)
	}
}

// Lookup returns the process bound to id
func (r *Registry) Lookup(id string) (Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.proc == nil {
		return nil, false
	}
	return e.proc, true
}

// Cancel stops the execution registered under id. Only the first caller for
// a given registration gets true, and a process that already exited on its
// own is not reported as stopped. The stop sequence runs without holding the
// lock. A reserved id without a process is marked so that Bind fails.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.cancelling {
		r.mu.Unlock()
		return false
	}
	e.cancelling = true
	p := e.proc
	r.mu.Unlock()

	if p == nil {
		r.logger.Info("cancelling execution before start", zap.String("execution_id", id))
		return true
	}

	select {
	case <-p.Done():
		return false
	default:
	}

	r.logger.Info("cancelling execution", zap.String("execution_id", id), zap.Int("pid", p.PID()))
	stopProcess(p, r.grace)

	r.mu.Lock()
	if cur, ok := r.entries[id]; ok && cur == e {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	return true
}

// Close makes every later Reserve fail with ErrShuttingDown
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// CancelAll stops every registered execution. SIGTERM reaches every process
// group before CancelAll waits on anything. When ctx ends before the grace
// period does, the remaining groups are killed before ctx.Err() is returned.
func (r *Registry) CancelAll(ctx context.Context) error {
	r.mu.Lock()
	entries := make(map[string]*registryEntry, len(r.entries))
	for id, e := range r.entries {
		e.cancelling = true
		entries[id] = e
	}
	r.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}
	r.logger.Info("cancelling running executions", zap.Int("count", len(entries)))

	var procs []Process
	for _, e := range entries {
		if e.proc != nil {
			procs = append(procs, e.proc)
		}
	}
	for _, p := range procs {
		_ = p.Terminate()
	}

	var g errgroup.Group
	for _, p := range procs {
		g.Go(func() error {
			if !waitDone(p, r.grace) {
				_ = p.Kill()
				waitDone(p, killWait)
			}
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		for _, p := range procs {
			_ = p.Kill()
		}
		err = ctx.Err()
	}

	r.mu.Lock()
	for id, e := range entries {
		if r.entries[id] == e {
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	return err
}

// IDs returns the registered execution ids sorted
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	slices.Sort(ids)
	return ids
}

// Count returns the number of registered executions
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
