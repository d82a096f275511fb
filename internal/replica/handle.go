// Package replica manages the live, in-process copy of one tenant's SQLite
// database: cold-start restore from the durable store, continuous WAL
// shipping while the tenant is resident, and clean teardown on idle eviction.
package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/planwise/planwise/internal/durable"
)

// Replica error types.
var (
	ErrRestoreFailed  = errors.New("tenant restore failed")
	ErrHandleNotLive  = errors.New("tenant handle is not live")
	ErrShipperStopped = errors.New("replication shipper stopped")
)

// State is a tenant handle's lifecycle state.
type State int

const (
	StateUnloaded State = iota
	StateRestoring
	StateActive
	StateIdlePendingEviction
	StateEvicted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateRestoring:
		return "restoring"
	case StateActive:
		return "active"
	case StateIdlePendingEviction:
		return "idle-pending-eviction"
	case StateEvicted:
		return "evicted"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var stateTransitions = map[State][]State{
	StateUnloaded:            {StateRestoring},
	StateRestoring:           {StateActive, StateFailed},
	StateActive:              {StateActive, StateIdlePendingEviction, StateFailed, StateEvicted},
	StateIdlePendingEviction: {StateActive, StateEvicted, StateFailed},
	StateEvicted:             {},
	StateFailed:              {StateEvicted},
}

// TenantHandle is the live representation of one tenant's local database.
// It is owned by a single registry within one process and never shared
// across processes. Evicted and Failed are terminal: a fresh handle is
// created on the next access.
type TenantHandle struct {
	TenantID   string
	LocalPath  string
	Generation durable.Generation

	mu         sync.Mutex
	state      State
	lastAccess time.Time
	inflight   int
	drainCh    chan struct{}
	done       chan struct{}
	doneOnce   sync.Once
	db         *sql.DB
	shipper    *shipper
}

func newHandle(tenantID, localPath string) *TenantHandle {
	return &TenantHandle{
		TenantID:   tenantID,
		LocalPath:  localPath,
		state:      StateUnloaded,
		lastAccess: time.Now(),
		done:       make(chan struct{}),
	}
}

// State returns the handle's current lifecycle state.
func (h *TenantHandle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// transition moves the handle to a new state, enforcing the lifecycle
// machine. Illegal transitions indicate a bug in the caller, not a runtime
// condition, so they return an error rather than panicking.
func (h *TenantHandle) transition(to State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transitionLocked(to)
}

func (h *TenantHandle) transitionLocked(to State) error {
	for _, allowed := range stateTransitions[h.state] {
		if allowed == to {
			h.state = to
			return nil
		}
	}
	return fmt.Errorf("illegal handle transition %s -> %s for tenant %s", h.state, to, h.TenantID)
}

// Touch records an access and, when the handle was idling, moves it back to
// Active so the eviction sweep leaves it alone.
func (h *TenantHandle) Touch() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastAccess = time.Now()
	if h.state == StateIdlePendingEviction {
		h.state = StateActive
	}
}

// LastAccess returns the time of the most recent access.
func (h *TenantHandle) LastAccess() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastAccess
}

// DB returns the open database for this handle.
func (h *TenantHandle) DB() *sql.DB {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.db
}

// Done is closed once the handle reaches a terminal state and its local
// resources are released.
func (h *TenantHandle) Done() <-chan struct{} {
	return h.done
}

func (h *TenantHandle) closeDone() {
	h.doneOnce.Do(func() { close(h.done) })
}

// MarkIdle moves an Active handle with no in-flight operations to
// IdlePendingEviction once it has not been touched for olderThan. Returns
// whether the handle is now pending eviction.
func (h *TenantHandle) MarkIdle(olderThan time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateActive || h.inflight > 0 {
		return false
	}
	if time.Since(h.lastAccess) < olderThan {
		return false
	}
	h.state = StateIdlePendingEviction
	return true
}

// BeginTeardown atomically claims an idle handle for eviction. It fails when
// an access revived the handle or an operation is still in flight, in which
// case the eviction sweep leaves it alone.
func (h *TenantHandle) BeginTeardown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateIdlePendingEviction || h.inflight != 0 {
		return false
	}
	h.state = StateEvicted
	return true
}

// Retire takes the handle out of service immediately: new operations fail
// and the next access creates a fresh handle. In-flight operations are
// unaffected; callers wait for them to drain before stopping replication.
func (h *TenantHandle) Retire() {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case StateActive, StateIdlePendingEviction:
		h.state = StateEvicted
	}
}

// BeginOp marks an in-flight operation against the handle. It fails when the
// handle is no longer live; eviction waits for all in-flight operations to
// end before tearing the handle down.
func (h *TenantHandle) BeginOp() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case StateActive, StateIdlePendingEviction:
	default:
		return fmt.Errorf("%w: tenant %s is %s", ErrHandleNotLive, h.TenantID, h.state)
	}
	h.lastAccess = time.Now()
	if h.state == StateIdlePendingEviction {
		h.state = StateActive
	}
	h.inflight++
	return nil
}

// EndOp ends an in-flight operation started with BeginOp.
func (h *TenantHandle) EndOp() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inflight--
	h.lastAccess = time.Now()
	if h.inflight == 0 && h.drainCh != nil {
		close(h.drainCh)
		h.drainCh = nil
	}
}

// WaitDrained blocks until no operations are in flight against the handle.
func (h *TenantHandle) WaitDrained(ctx context.Context) error {
	for {
		h.mu.Lock()
		if h.inflight == 0 {
			h.mu.Unlock()
			return nil
		}
		if h.drainCh == nil {
			h.drainCh = make(chan struct{})
		}
		ch := h.drainCh
		h.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
