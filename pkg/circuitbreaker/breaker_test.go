package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return New(Config{Threshold: threshold, Cooldown: time.Minute, Now: clock.Now}), clock
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: -1})
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != Closed {
		t.Fatal("expected closed after 4 failures with default threshold 5")
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Fatal("expected open after 5 failures")
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(3)

	b.RecordFailure()
	b.RecordFailure()
	if !b.Allow() {
		t.Fatal("expected closed breaker to allow")
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("state = %s, want open", b.State())
	}
	if b.Allow() {
		t.Error("expected open breaker to reject")
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(3)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	if b.State() != Closed || b.Failures() != 1 {
		t.Errorf("state = %s failures = %d", b.State(), b.Failures())
	}
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(1)
	b.RecordFailure()

	clock.Advance(59 * time.Second)
	if b.Allow() {
		t.Fatal("expected rejection before cooldown")
	}
	clock.Advance(time.Second)
	if !b.Allow() {
		t.Fatal("expected probe after cooldown")
	}
	if b.State() != HalfOpen {
		t.Fatalf("state = %s, want half-open", b.State())
	}
	if b.Allow() {
		t.Error("expected a second caller to be rejected while probing")
	}

	b.RecordSuccess()
	if b.State() != Closed {
		t.Errorf("state = %s, want closed", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(2)
	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(time.Minute)
	b.Allow()
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("state = %s, want open", b.State())
	}
	if b.Allow() {
		t.Error("expected cooldown to restart")
	}
}

func TestBreaker_Execute(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(2)
	errNotFound := errors.New("not found")
	errDown := errors.New("down")
	countable := func(err error) bool { return !errors.Is(err, errNotFound) }

	for i := 0; i < 5; i++ {
		if err := b.Execute(func() error { return errNotFound }, countable); !errors.Is(err, errNotFound) {
			t.Fatalf("err = %v", err)
		}
	}
	if b.State() != Closed {
		t.Fatal("uncountable errors must not open the breaker")
	}

	_ = b.Execute(func() error { return errDown }, countable)
	_ = b.Execute(func() error { return errDown }, countable)
	if err := b.Execute(func() error { return nil }, countable); !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(0, 0)}
	var mu sync.Mutex
	var got []string
	b := New(Config{
		Threshold: 1,
		Cooldown:  time.Second,
		Now:       clock.Now,
		OnStateChange: func(from, to State) {
			mu.Lock()
			got = append(got, from.String()+"->"+to.String())
			mu.Unlock()
		},
	})

	b.RecordFailure()
	clock.Advance(time.Second)
	b.Allow()
	b.RecordSuccess()

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 1, Cooldown: time.Hour})

	a := r.Get("hooks.example.com")
	if a != r.Get("hooks.example.com") {
		t.Fatal("expected the same breaker for the same key")
	}
	r.Get("other.example.com")
	a.RecordFailure()

	stats := r.Stats()
	if stats.Total != 2 || stats.Open != 1 || stats.Closed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRegistry_ConcurrentGet(t *testing.T) {
	t.Parallel()
	r := NewRegistry(DefaultConfig())
	var wg sync.WaitGroup
	results := make([]*Breaker, 50)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Get("same")
		}(i)
	}
	wg.Wait()
	for _, b := range results {
		if b != results[0] {
			t.Fatal("concurrent Get returned different breakers")
		}
	}
}
