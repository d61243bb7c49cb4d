package breaker

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(max int) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New("test", max, 10*time.Second)
	b.now = clk.now
	return b, clk
}

var errFail = errors.New("fail")

func TestBreaker_StartsClosed(t *testing.T) {
	b, _ := newTestBreaker(3)
	if b.CurrentState() != StateClosed {
		t.Errorf("expected Closed, got %v", b.CurrentState())
	}
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	b, _ := newTestBreaker(3)
	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return errFail }); err != errFail {
			t.Fatalf("expected errFail, got %v", err)
		}
	}
	if b.CurrentState() != StateOpen {
		t.Errorf("expected Open after 3 failures, got %v", b.CurrentState())
	}
	called := false
	if err := b.Execute(func() error { called = true; return nil }); err != ErrCircuitOpen {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("fn must not run while open")
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(2)
	b.Execute(func() error { return errFail })
	b.Execute(func() error { return nil })
	b.Execute(func() error { return errFail })
	if b.CurrentState() != StateClosed {
		t.Errorf("non-consecutive failures should not trip, got %v", b.CurrentState())
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, clk := newTestBreaker(2)
	var transitions []State
	b.OnStateChange = func(name string, from, to State) {
		if name != "test" {
			t.Errorf("unexpected name %q", name)
		}
		transitions = append(transitions, to)
	}
	for i := 0; i < 2; i++ {
		b.Execute(func() error { return errFail })
	}
	clk.advance(11 * time.Second)

	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if b.CurrentState() != StateClosed {
		t.Errorf("expected Closed after successful probe, got %v", b.CurrentState())
	}
	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_HalfOpenFailure(t *testing.T) {
	b, clk := newTestBreaker(2)
	for i := 0; i < 2; i++ {
		b.Execute(func() error { return errFail })
	}
	clk.advance(11 * time.Second)
	b.Execute(func() error { return errFail })
	if b.CurrentState() != StateOpen {
		t.Errorf("expected Open after failed probe, got %v", b.CurrentState())
	}
}

func TestBreaker_IgnoredErrorsDoNotTrip(t *testing.T) {
	b, _ := newTestBreaker(1)
	rejected := errors.New("insufficient margin")
	b.Ignore = func(err error) bool { return err == rejected }
	if err := b.Execute(func() error { return rejected }); err != rejected {
		t.Fatalf("expected error passthrough, got %v", err)
	}
	if b.CurrentState() != StateClosed {
		t.Errorf("ignored error tripped breaker: %v", b.CurrentState())
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open", State(9): "unknown"}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
