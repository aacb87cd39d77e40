// Package notify emits events after successful mutations so external
// consumers can react to uploads, deletes, moves and folder creation.
//
// Emission is fire and forget: a failed publish is logged and never turns a
// completed request into an error.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/CenterForOpenScience/waterbutler/pkg/logger"
)

// Event describes one completed mutation.
type Event struct {
	Action   string    `json:"action"` // create, update, delete, move, copy, create_folder
	Resource string    `json:"resource"`
	Provider string    `json:"provider"`
	Path     string    `json:"path"`
	Name     string    `json:"name,omitempty"`
	Kind     string    `json:"kind,omitempty"` // file or folder
	Size     int64     `json:"size,omitempty"`
	Actor    string    `json:"actor,omitempty"`
	Time     time.Time `json:"time"`

	// Source is set for move and copy events.
	Source *Source `json:"source,omitempty"`
}

// Source identifies where a moved or copied entity came from.
type Source struct {
	Resource string `json:"resource"`
	Provider string `json:"provider"`
	Path     string `json:"path"`
}

// Driver is the publish backend.
type Driver interface {
	Publish(ctx context.Context, payload []byte) error
}

// Notifier serialises events and hands them to a driver. A nil Notifier is
// valid and drops everything, so callers never need a guard.
type Notifier struct {
	driver Driver
}

// New builds a notifier over driver. A nil driver yields a dropping notifier.
func New(driver Driver) *Notifier {
	if driver == nil {
		return nil
	}
	return &Notifier{driver: driver}
}

// Emit publishes the event in the background. The request's context may be
// cancelled the moment the response is written, so publishing gets its own
// deadline.
func (n *Notifier) Emit(event Event) {
	if n == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		logger.Error("notify: marshal event", "action", event.Action, "error", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.driver.Publish(ctx, payload); err != nil {
			logger.Error("notify: publish failed",
				"action", event.Action, "path", event.Path, "error", err)
		}
	}()
}

// MemoryDriver records events in memory. Used in tests and as the default
// when no queue is configured.
type MemoryDriver struct {
	mu     sync.Mutex
	events [][]byte
}

// NewMemoryDriver creates an empty in-memory driver.
func NewMemoryDriver() *MemoryDriver { return &MemoryDriver{} }

func (d *MemoryDriver) Publish(_ context.Context, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, payload)
	return nil
}

// Events decodes and returns a snapshot of everything published so far.
func (d *MemoryDriver) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Event, 0, len(d.events))
	for _, raw := range d.events {
		var ev Event
		if err := json.Unmarshal(raw, &ev); err == nil {
			out = append(out, ev)
		}
	}
	return out
}
