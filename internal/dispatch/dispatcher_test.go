package dispatch

import (
	"testing"
)

func TestDispatcher_EmitInRegistrationOrder(t *testing.T) {
	d := New()

	var order []int
	d.On("evt", func(any) { order = append(order, 1) })
	d.On("evt", func(any) { order = append(order, 2) })
	d.On("evt", func(any) { order = append(order, 3) })

	d.Emit("evt", nil)

	if len(order) != 3 {
		t.Fatalf("expected 3 invocations, got %d", len(order))
	}
	for i, v := range order {
		if v != i+1 {
			t.Errorf("expected handler %d at position %d, got %d", i+1, i, v)
		}
	}
}

func TestDispatcher_Off(t *testing.T) {
	d := New()

	calls := 0
	token := d.On("evt", func(any) { calls++ })
	d.On("evt", func(any) { calls += 10 })

	d.Off("evt", token)
	d.Emit("evt", nil)

	if calls != 10 {
		t.Errorf("expected only the remaining handler to run, calls=%d", calls)
	}
	if d.HandlerCount("evt") != 1 {
		t.Errorf("expected 1 handler left, got %d", d.HandlerCount("evt"))
	}
}

func TestDispatcher_PanicDoesNotStopRemainingHandlers(t *testing.T) {
	d := New()

	ran := false
	d.On("evt", func(any) { panic("boom") })
	d.On("evt", func(any) { ran = true })

	d.Emit("evt", "payload")

	if !ran {
		t.Error("handler after panicking handler did not run")
	}
}

func TestDispatcher_PayloadDelivered(t *testing.T) {
	d := New()

	var got any
	d.On("evt", func(p any) { got = p })
	d.Emit("evt", 42)

	if got != 42 {
		t.Errorf("expected payload 42, got %v", got)
	}
}

func TestDispatcher_EmitWithNoHandlers(t *testing.T) {
	d := New()
	d.Emit("nobody", nil)
}
