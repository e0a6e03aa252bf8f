package check

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"torweather/pkg/weather"
)

const (
	testFingerprint  = "000A10D43011EA4928A35F610405F92B4433B4DC"
	otherFingerprint = "0011BD2485AD45D984EC4159C88FC066E5E3300E"
)

type memStore struct {
	subs     map[string]*weather.Subscription
	failSet  bool
	setCalls int
}

func newMemStore(subs ...*weather.Subscription) *memStore {
	s := &memStore{subs: make(map[string]*weather.Subscription)}
	for _, sub := range subs {
		s.subs[sub.Fingerprint] = sub
	}
	return s
}

func (s *memStore) ListPending(_ context.Context, kind weather.Notif) ([]*weather.Subscription, error) {
	var pending []*weather.Subscription
	for _, sub := range s.subs {
		if state, ok := sub.Notifs[kind]; ok && !state.Sent {
			pending = append(pending, sub)
		}
	}
	return pending, nil
}

func (s *memStore) SetSentStatus(_ context.Context, fingerprint string, kind weather.Notif, sent bool) error {
	s.setCalls++
	if s.failSet {
		return errors.New("storage unavailable")
	}
	sub, ok := s.subs[fingerprint]
	if !ok {
		return errors.New("not subscribed")
	}
	sub.Notifs[kind].Sent = sent
	return nil
}

type fakeLookup struct {
	relays map[string]*weather.RelayData
}

func (l *fakeLookup) Lookup(_ context.Context, fingerprint string) (*weather.RelayData, error) {
	relay, ok := l.relays[fingerprint]
	if !ok {
		return nil, errors.New("no relay found")
	}
	return relay, nil
}

type recordingEmailer struct {
	sent    []string
	failAll bool
}

func (e *recordingEmailer) SendNotif(_ context.Context, kind weather.Notif, _ *weather.RelayData, sub *weather.Subscription) error {
	if e.failAll {
		return errors.New("smtp down")
	}
	e.sent = append(e.sent, string(kind)+":"+sub.Fingerprint)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func downSub(fp string, duration int) *weather.Subscription {
	return &weather.Subscription{
		Fingerprint: fp,
		Emails:      []string{"operator@example.org"},
		Notifs: map[weather.Notif]*weather.NotifState{
			weather.NodeDown: {Sent: false, Duration: duration},
		},
	}
}

func downRelay(fp string, lastSeen time.Time) *weather.RelayData {
	return &weather.RelayData{
		Nickname:    "seele",
		Fingerprint: fp,
		Running:     false,
		LastSeen:    weather.Time{Time: lastSeen},
	}
}

func monitorAt(t *testing.T, store *memStore, relays *fakeLookup, emailer *recordingEmailer, now time.Time) *Monitor {
	t.Helper()
	m := New(store, relays, emailer, testLogger())
	m.now = func() time.Time { return now }
	return m
}

func TestRunHourlySendsAndMarks(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := newMemStore(downSub(testFingerprint, 48))
	relays := &fakeLookup{relays: map[string]*weather.RelayData{
		testFingerprint: downRelay(testFingerprint, now.Add(-50*time.Hour)),
	}}
	emailer := &recordingEmailer{}
	m := monitorAt(t, store, relays, emailer, now)

	if err := m.RunHourly(context.Background()); err != nil {
		t.Fatalf("RunHourly failed: %v", err)
	}
	if len(emailer.sent) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(emailer.sent))
	}
	if !store.subs[testFingerprint].Notifs[weather.NodeDown].Sent {
		t.Error("sent flag should be true after delivery")
	}

	// A second tick must not resend.
	if err := m.RunHourly(context.Background()); err != nil {
		t.Fatalf("second RunHourly failed: %v", err)
	}
	if len(emailer.sent) != 1 {
		t.Errorf("expected no resend, got %d notifications", len(emailer.sent))
	}
}

func TestRunHourlyBelowThreshold(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := newMemStore(downSub(testFingerprint, 48))
	relays := &fakeLookup{relays: map[string]*weather.RelayData{
		testFingerprint: downRelay(testFingerprint, now.Add(-47*time.Hour)),
	}}
	emailer := &recordingEmailer{}
	m := monitorAt(t, store, relays, emailer, now)

	if err := m.RunHourly(context.Background()); err != nil {
		t.Fatalf("RunHourly failed: %v", err)
	}
	if len(emailer.sent) != 0 {
		t.Errorf("expected no notification at 47h, got %d", len(emailer.sent))
	}
	if store.subs[testFingerprint].Notifs[weather.NodeDown].Sent {
		t.Error("sent flag should remain false")
	}
}

func TestRunHourlyDeliveryFailureKeepsPending(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := newMemStore(downSub(testFingerprint, 48))
	relays := &fakeLookup{relays: map[string]*weather.RelayData{
		testFingerprint: downRelay(testFingerprint, now.Add(-50*time.Hour)),
	}}
	emailer := &recordingEmailer{failAll: true}
	m := monitorAt(t, store, relays, emailer, now)

	if err := m.RunHourly(context.Background()); err != nil {
		t.Fatalf("RunHourly should not fail on delivery errors: %v", err)
	}
	if store.subs[testFingerprint].Notifs[weather.NodeDown].Sent {
		t.Error("sent flag must stay false after delivery failure")
	}

	// Delivery recovers; the next tick sends.
	emailer.failAll = false
	if err := m.RunHourly(context.Background()); err != nil {
		t.Fatalf("retry tick failed: %v", err)
	}
	if len(emailer.sent) != 1 {
		t.Errorf("expected delivery on retry, got %d", len(emailer.sent))
	}
}

func TestRunHourlyLookupFailureSkipsRecord(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := newMemStore(
		downSub(testFingerprint, 48),
		downSub(otherFingerprint, 48),
	)
	// Only one of the two relays resolves.
	relays := &fakeLookup{relays: map[string]*weather.RelayData{
		otherFingerprint: downRelay(otherFingerprint, now.Add(-50*time.Hour)),
	}}
	emailer := &recordingEmailer{}
	m := monitorAt(t, store, relays, emailer, now)

	if err := m.RunHourly(context.Background()); err != nil {
		t.Fatalf("RunHourly failed: %v", err)
	}
	if len(emailer.sent) != 1 {
		t.Fatalf("expected 1 notification for the resolvable relay, got %d", len(emailer.sent))
	}
	if emailer.sent[0] != "NODE_DOWN:"+otherFingerprint {
		t.Errorf("unexpected notification: %s", emailer.sent[0])
	}
	if store.subs[testFingerprint].Notifs[weather.NodeDown].Sent {
		t.Error("unresolvable record must stay pending")
	}
}

func TestRunHourlyStoreFailureDoesNotAbortPass(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := newMemStore(downSub(testFingerprint, 48))
	store.failSet = true
	relays := &fakeLookup{relays: map[string]*weather.RelayData{
		testFingerprint: downRelay(testFingerprint, now.Add(-50*time.Hour)),
	}}
	emailer := &recordingEmailer{}
	m := monitorAt(t, store, relays, emailer, now)

	if err := m.RunHourly(context.Background()); err != nil {
		t.Fatalf("RunHourly should tolerate per-record store errors: %v", err)
	}
	if len(emailer.sent) != 1 {
		t.Errorf("notification should still have been sent, got %d", len(emailer.sent))
	}
}

func TestRunDailyVersionCheck(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	sub := &weather.Subscription{
		Fingerprint: testFingerprint,
		Emails:      []string{"operator@example.org"},
		Notifs: map[weather.Notif]*weather.NotifState{
			weather.OutdatedVer:  {Sent: false},
			weather.EndOfLifeVer: {Sent: false},
		},
	}
	store := newMemStore(sub)
	relays := &fakeLookup{relays: map[string]*weather.RelayData{
		testFingerprint: {
			Nickname:      "seele",
			Fingerprint:   testFingerprint,
			Running:       true,
			Version:       "0.4.7.1",
			VersionStatus: weather.VersionUnrecommended,
			LastSeen:      weather.Time{Time: now},
		},
	}}
	emailer := &recordingEmailer{}
	m := monitorAt(t, store, relays, emailer, now)

	if err := m.RunDaily(context.Background()); err != nil {
		t.Fatalf("RunDaily failed: %v", err)
	}
	if len(emailer.sent) != 1 {
		t.Fatalf("expected only the outdated-version notification, got %v", emailer.sent)
	}
	if emailer.sent[0] != "OUTDATED_VER:"+testFingerprint {
		t.Errorf("unexpected notification: %s", emailer.sent[0])
	}
	if !sub.Notifs[weather.OutdatedVer].Sent {
		t.Error("outdated-version flag should be set")
	}
	if sub.Notifs[weather.EndOfLifeVer].Sent {
		t.Error("end-of-life flag should remain false for an unrecommended version")
	}
}

func TestRunAllCancelledContext(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := newMemStore(downSub(testFingerprint, 48))
	relays := &fakeLookup{relays: map[string]*weather.RelayData{
		testFingerprint: downRelay(testFingerprint, now.Add(-50*time.Hour)),
	}}
	emailer := &recordingEmailer{}
	m := monitorAt(t, store, relays, emailer, now)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.RunAll(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(emailer.sent) != 0 {
		t.Errorf("no notifications should be sent after cancellation, got %d", len(emailer.sent))
	}
}
