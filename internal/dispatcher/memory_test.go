package dispatcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"simjobs/internal/testutil"
	"simjobs/pkg/cloudevent"
)

// fastConfig keeps retries and cooldowns short enough for tests.
func fastConfig() MemoryConfig {
	return MemoryConfig{
		BufferSize:      100,
		Workers:         1,
		HTTPTimeout:     2 * time.Second,
		RetryInitial:    time.Millisecond,
		RetryMax:        5 * time.Millisecond,
		BreakerCooldown: time.Hour,
	}
}

func testEvent(dest string) *Event {
	return &Event{
		Payload:     cloudevent.New("simjobs.job.completed", "simjobs", "job-1", map[string]any{"job_id": "job-1"}),
		Destination: dest,
	}
}

func closeDispatcher(t *testing.T, d *MemoryDispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestMemoryDispatcherDelivers(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var headers http.Header
	var received atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		headers = r.Header.Clone()
		mu.Unlock()
		received.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	d := NewMemory(fastConfig(), nil)
	defer closeDispatcher(t, d)

	if err := d.Dispatch(testEvent(server.URL)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	testutil.MustWaitForCount(t, &received, 1)
	testutil.MustWaitFor(t, func() bool { return d.Stats().Delivered == 1 })

	mu.Lock()
	defer mu.Unlock()
	if got := headers.Get("Content-Type"); got != "application/cloudevents+json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := headers.Get("Ce-Type"); got != "simjobs.job.completed" {
		t.Errorf("Ce-Type = %q", got)
	}
	if got := headers.Get(cloudevent.SignatureHeader); got != "" {
		t.Errorf("unsigned event carried signature %q", got)
	}
}

func TestMemoryDispatcherSigns(t *testing.T) {
	t.Parallel()
	var verified atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if cloudevent.Verify(body, "webhook-key", r.Header.Get(cloudevent.SignatureHeader)) {
			verified.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(fastConfig(), nil)
	defer closeDispatcher(t, d)

	ev := testEvent(server.URL)
	ev.SigningKey = "webhook-key"
	if err := d.Dispatch(ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	testutil.MustWaitForCount(t, &verified, 1)
}

func TestMemoryDispatcherRetriesServerErrors(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(fastConfig(), nil)
	defer closeDispatcher(t, d)

	_ = d.Dispatch(testEvent(server.URL))
	testutil.MustWaitFor(t, func() bool { return d.Stats().Delivered == 1 })

	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if got := d.Stats().Retries; got != 2 {
		t.Errorf("retries = %d, want 2", got)
	}
}

func TestMemoryDispatcherNoRetryOnClientError(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	d := NewMemory(fastConfig(), nil)
	defer closeDispatcher(t, d)

	_ = d.Dispatch(testEvent(server.URL))
	testutil.MustWaitFor(t, func() bool { return d.Stats().Failed == 1 })

	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if got := d.Stats().BreakersOpen; got != 0 {
		t.Errorf("client errors opened %d breakers", got)
	}
}

func TestMemoryDispatcherRequeuesWhenBreakerOpen(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cfg := fastConfig()
	cfg.MaxAttempts = 1
	cfg.BreakerThreshold = 2
	d := NewMemory(cfg, nil)
	defer closeDispatcher(t, d)

	for range 5 {
		_ = d.Dispatch(testEvent(server.URL))
	}
	testutil.MustWaitFor(t, func() bool {
		s := d.Stats()
		return s.Failed+s.Requeued == 5
	})

	s := d.Stats()
	if s.Failed != 2 || s.Requeued != 3 {
		t.Errorf("failed=%d requeued=%d, want 2 and 3", s.Failed, s.Requeued)
	}
	if s.BreakersOpen != 1 {
		t.Errorf("BreakersOpen = %d, want 1", s.BreakersOpen)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("server saw %d requests, want 2", got)
	}
}

func TestMemoryDispatcherDropsWhenFull(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := fastConfig()
	cfg.BufferSize = 1
	d := NewMemory(cfg, nil)

	// One event is held by the worker, one fills the buffer.
	_ = d.Dispatch(testEvent(server.URL))
	testutil.MustWaitFor(t, func() bool { return d.Stats().QueueDepth == 0 })
	_ = d.Dispatch(testEvent(server.URL))

	if err := d.Dispatch(testEvent(server.URL)); err != ErrBufferFull {
		t.Errorf("Dispatch = %v, want ErrBufferFull", err)
	}
	if got := d.Stats().Dropped; got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
	close(release)
	closeDispatcher(t, d)
}

func TestMemoryDispatcherDrainsOnClose(t *testing.T) {
	t.Parallel()
	var received atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := fastConfig()
	cfg.Workers = 2
	d := NewMemory(cfg, nil)
	for range 10 {
		_ = d.Dispatch(testEvent(server.URL))
	}
	closeDispatcher(t, d)

	if got := received.Load(); got != 10 {
		t.Errorf("received = %d, want 10", got)
	}
	if err := d.Dispatch(testEvent(server.URL)); err != ErrClosed {
		t.Errorf("Dispatch after Close = %v, want ErrClosed", err)
	}
}
