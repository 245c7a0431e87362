// Package dispatch is a small typed publish/subscribe fan-out used on both
// sides of the collaboration protocol to route inbound messages to handlers.
package dispatch

import (
	"log"
	"sync"
)

type Handler func(payload any)

type registration struct {
	id int
	fn Handler
}

// Dispatcher delivers events synchronously, in registration order. A handler
// that panics is recovered and logged; later handlers for the same event still
// run.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	nextID   int
}

func New() *Dispatcher {
	return &Dispatcher{handlers: make(map[string][]registration)}
}

// On registers a handler and returns a token for Off.
func (d *Dispatcher) On(event string, fn Handler) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.handlers[event] = append(d.handlers[event], registration{id: d.nextID, fn: fn})
	return d.nextID
}

// Off removes the handler registered under the given token.
func (d *Dispatcher) Off(event string, token int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	regs := d.handlers[event]
	for i, reg := range regs {
		if reg.id == token {
			d.handlers[event] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// Emit invokes every handler registered for the event, in registration order,
// on the calling goroutine.
func (d *Dispatcher) Emit(event string, payload any) {
	d.mu.RLock()
	regs := make([]registration, len(d.handlers[event]))
	copy(regs, d.handlers[event])
	d.mu.RUnlock()

	for _, reg := range regs {
		invoke(event, reg.fn, payload)
	}
}

func invoke(event string, fn Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("dispatch: handler for %q panicked: %v", event, r)
		}
	}()
	fn(payload)
}

// HandlerCount reports how many handlers are registered for the event.
func (d *Dispatcher) HandlerCount(event string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[event])
}
