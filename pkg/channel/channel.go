// Package channel defines the outbound message boundary. The engine
// decides what should be sent; how a payload reaches a device belongs
// to the messaging-provider client behind the Dispatcher interface.
package channel

import (
	"context"
	"sync"

	"github.com/petrijr/botflow/pkg/api"
)

// Message is a fully rendered outbound payload: all {{...}} placeholders
// are already substituted by the time it reaches a Dispatcher.
type Message struct {
	ContactID string
	To        string // phone number
	Type      string // text, template, media, interactive
	Content   map[string]any
}

// Dispatcher hands rendered messages to the messaging provider.
//
// Dispatch is fire-and-forget from the engine's perspective: delivery
// and read receipts arrive later as independent events and are not
// correlated synchronously. The returned handle identifies the dispatch
// for such later correlation.
type Dispatcher interface {
	Dispatch(ctx context.Context, contact *api.Contact, msg Message) (handle string, err error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, contact *api.Contact, msg Message) (string, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, contact *api.Contact, msg Message) (string, error) {
	return f(ctx, contact, msg)
}

// Recorder is a Dispatcher that records every message it receives. It
// backs tests and local development where no real provider exists.
type Recorder struct {
	mu   sync.Mutex
	sent []Message
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

var _ Dispatcher = (*Recorder)(nil)

func (r *Recorder) Dispatch(ctx context.Context, contact *api.Contact, msg Message) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return "recorded-" + msg.ContactID, nil
}

// Sent returns a copy of all recorded messages in dispatch order.
func (r *Recorder) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.sent))
	copy(out, r.sent)
	return out
}
