package check

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"torweather/pkg/weather"
)

// gateStore blocks inside ListPending until released, so a run can be held
// open while another tick of the same cadence fires.
type gateStore struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (s *gateStore) ListPending(context.Context, weather.Notif) ([]*weather.Subscription, error) {
	s.calls.Add(1)
	s.started <- struct{}{}
	<-s.release
	return nil, nil
}

func (s *gateStore) SetSentStatus(context.Context, string, weather.Notif, bool) error {
	return nil
}

func TestNewSchedulerRegistersCadences(t *testing.T) {
	m := New(newMemStore(), &fakeLookup{}, &recordingEmailer{}, testLogger())

	s, err := NewScheduler(m, testLogger())
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	if len(s.entries) != 3 {
		t.Fatalf("expected 3 scheduled cadences, got %d", len(s.entries))
	}
	for _, id := range s.entries {
		if s.cron.Entry(id).ID != id {
			t.Errorf("entry %d not registered with the cron runner", id)
		}
	}
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	store := &gateStore{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	m := New(store, &fakeLookup{}, &recordingEmailer{}, testLogger())

	s, err := NewScheduler(m, testLogger())
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	hourly := s.cron.Entry(s.entries[0]).WrappedJob

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hourly.Run()
	}()

	select {
	case <-store.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never reached the store")
	}

	// A second tick of the same cadence while the first is still running
	// must return without touching the store.
	hourly.Run()
	if got := store.calls.Load(); got != 1 {
		t.Errorf("overlapping run should be skipped, store was hit %d times", got)
	}

	close(store.release)
	wg.Wait()
}
