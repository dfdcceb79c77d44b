package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"beacon/internal/models"
)

// Message is the channel-neutral content of an alert
type Message struct {
	AlertID  string               `json:"alert_id"`
	Category models.AlertCategory `json:"category"`
	Severity models.Severity      `json:"severity"`
	Priority int                  `json:"priority"`
	Title    string               `json:"title"`
	Body     string               `json:"body"`
	Area     string               `json:"area,omitempty"`
}

// MessageFor builds the message sent for an alert
func MessageFor(a *models.EmergencyAlert) Message {
	return Message{
		AlertID:  a.ID,
		Category: a.Category,
		Severity: a.Severity,
		Priority: a.Priority,
		Title:    a.Title,
		Body:     a.Body,
		Area:     a.Area,
	}
}

// Result is how one send resolved. Adapters report failure here rather than
// returning errors.
type Result struct {
	Outcome models.Outcome
	Reach   int
	Err     error
}

func Sent(reach int) Result { return Result{Outcome: models.OutcomeSent, Reach: reach} }

func Failed(err error) Result { return Result{Outcome: models.OutcomeFailed, Err: err} }

// Adapter delivers a message through one communication channel. Send must
// honour ctx cancellation.
type Adapter interface {
	Send(ctx context.Context, msg Message) Result
}

// AdapterFunc lets a plain function serve as an Adapter
type AdapterFunc func(ctx context.Context, msg Message) Result

func (f AdapterFunc) Send(ctx context.Context, msg Message) Result { return f(ctx, msg) }

type entry struct {
	adapter Adapter
	timeout time.Duration
}

// Registry maps channel ids to adapters and their send timeouts
type Registry struct {
	mu             sync.RWMutex
	entries        map[string]entry
	defaultTimeout time.Duration
}

// NewRegistry creates an empty registry. Channels registered without a
// timeout use defaultTimeout.
func NewRegistry(defaultTimeout time.Duration) *Registry {
	return &Registry{
		entries:        make(map[string]entry),
		defaultTimeout: defaultTimeout,
	}
}

// Register adds or replaces the adapter for id
func (r *Registry) Register(id string, a Adapter, timeout time.Duration) error {
	if id == "" {
		return fmt.Errorf("channel id cannot be empty")
	}
	if a == nil {
		return fmt.Errorf("channel %s: adapter cannot be nil", id)
	}
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	r.mu.Lock()
	r.entries[id] = entry{adapter: a, timeout: timeout}
	r.mu.Unlock()
	return nil
}

// Lookup returns the adapter and send timeout for id
func (r *Registry) Lookup(id string) (Adapter, time.Duration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, 0, false
	}
	return e.adapter, e.timeout, true
}

// IDs returns the registered channel ids in sorted order
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
