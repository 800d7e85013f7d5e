package timeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/penwyp/go-gpu-timeline/internal/core/tlstream"
	"github.com/penwyp/go-gpu-timeline/internal/util"
)

var ErrContextExists = errors.New("context already registered")

// Context identifies a driver context taking part in tracing
type Context struct {
	ID      uint32    `json:"id"`
	TGID    uint32    `json:"tgid"`
	Name    string    `json:"name,omitempty"`
	Created time.Time `json:"created"`
}

// ContextRegistry is the ordered list of live contexts. Entries are
// stored by value, so iteration never sees a half-built context.
type ContextRegistry struct {
	mu       sync.Mutex
	contexts []Context
}

func NewContextRegistry() *ContextRegistry {
	return &ContextRegistry{}
}

// Register appends c. fn, if non-nil, runs under the registry lock after
// the insert.
func (r *ContextRegistry) Register(c Context, fn func(Context)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.contexts {
		if existing.ID == c.ID {
			return fmt.Errorf("%w: id %d", ErrContextExists, c.ID)
		}
	}
	if c.Created.IsZero() {
		c.Created = time.Now()
	}
	r.contexts = append(r.contexts, c)
	if fn != nil {
		fn(c)
	}
	return nil
}

// Unregister removes the context with id. fn, if non-nil, runs under the
// registry lock before the removal.
func (r *ContextRegistry) Unregister(id uint32, fn func(Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, c := range r.contexts {
		if c.ID == id {
			if fn != nil {
				fn(c)
			}
			r.contexts = append(r.contexts[:i], r.contexts[i+1:]...)
			return true
		}
	}
	return false
}

// Each calls fn for every context in registration order, holding the lock
func (r *ContextRegistry) Each(fn func(Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.contexts {
		fn(c)
	}
}

// Snapshot returns a copy of the registered contexts
func (r *ContextRegistry) Snapshot() []Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Context(nil), r.contexts...)
}

func (r *ContextRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}

// RegisterContext adds c to the registry and, while acquired, announces
// it on the object stream.
func (t *Timeline) RegisterContext(c Context) error {
	return t.contexts.Register(c, func(c Context) {
		if t.Enabled() {
			_ = t.Emit(tlstream.TypeObj, tlstream.EncodeNewCtx(util.MonotonicRawNanos(), c.ID, c.TGID))
		}
	})
}

// UnregisterContext removes the context with id, announcing the removal
// while acquired.
func (t *Timeline) UnregisterContext(id uint32) bool {
	return t.contexts.Unregister(id, func(c Context) {
		if t.Enabled() {
			_ = t.Emit(tlstream.TypeObj, tlstream.EncodeDelCtx(util.MonotonicRawNanos(), c.ID))
		}
	})
}

// DumpState writes a new-context message for every registered context
// followed by an end-of-summary marker, then flushes the object stream so
// the summary is the first body data a new reader sees.
func (t *Timeline) DumpState() {
	if !t.Enabled() {
		return
	}

	count := 0
	t.contexts.Each(func(c Context) {
		_ = t.Emit(tlstream.TypeObj, tlstream.EncodeNewCtx(util.MonotonicRawNanos(), c.ID, c.TGID))
		count++
	})
	_ = t.Emit(tlstream.TypeObj, tlstream.EncodeSummaryEnd(util.MonotonicRawNanos()))

	t.streamsMu.RLock()
	if s := t.streams[tlstream.TypeObj]; s != nil {
		s.Flush()
	}
	t.streamsMu.RUnlock()

	util.LogDebug("Timeline state dumped", util.F("contexts", count))
}
