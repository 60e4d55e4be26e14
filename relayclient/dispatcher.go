package relayclient

import (
	"encoding/json"
	"fmt"
	"sync"

	"go-tgchat/internal/protocol"
)

// Dispatcher routes relay events to registered callbacks. One callback per
// event; registering again replaces it.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[protocol.Event]func(json.RawMessage)
	onError  func(error)
}

func (d *Dispatcher) set(event protocol.Event, fn func(json.RawMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers == nil {
		d.handlers = make(map[protocol.Event]func(json.RawMessage))
	}
	if fn == nil {
		delete(d.handlers, event)
		return
	}
	d.handlers[event] = fn
}

// on registers fn for event, decoding the payload into T first.
func on[T any](d *Dispatcher, event protocol.Event, fn func(T)) {
	if fn == nil {
		d.set(event, nil)
		return
	}
	d.set(event, func(raw json.RawMessage) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			d.fireError(fmt.Errorf("decode %s: %w", event, err))
			return
		}
		fn(v)
	})
}

func (d *Dispatcher) SetOnError(fn func(error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onError = fn
}

// Reset drops every registered callback.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = nil
	d.onError = nil
}

// Dispatch delivers one envelope. Relay error events reach the error
// callback as *protocol.Error.
func (d *Dispatcher) Dispatch(env protocol.Envelope) {
	if env.Event == protocol.EventError {
		var ev protocol.ErrorEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			d.fireError(fmt.Errorf("decode error event: %w", err))
			return
		}
		d.fireError(protocol.NewError(ev.Code, ev.Message))
		return
	}

	d.mu.RLock()
	fn := d.handlers[env.Event]
	d.mu.RUnlock()
	if fn != nil {
		fn(env.Data)
	}
}

func (d *Dispatcher) fireError(err error) {
	d.mu.RLock()
	fn := d.onError
	d.mu.RUnlock()
	if fn != nil && err != nil {
		fn(err)
	}
}
