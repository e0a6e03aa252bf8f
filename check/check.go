// Package check evaluates subscribed relays and dispatches notifications
// whose conditions hold.
package check

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"torweather/pkg/weather"
)

// Store is the subscription persistence the checker needs.
type Store interface {
	ListPending(ctx context.Context, kind weather.Notif) ([]*weather.Subscription, error)
	SetSentStatus(ctx context.Context, fingerprint string, kind weather.Notif, sent bool) error
}

// Lookup fetches fresh relay snapshots.
type Lookup interface {
	Lookup(ctx context.Context, fingerprint string) (*weather.RelayData, error)
}

// Emailer sends rendered notifications.
type Emailer interface {
	SendNotif(ctx context.Context, kind weather.Notif, relay *weather.RelayData, sub *weather.Subscription) error
}

// Monitor drives notification evaluation over pending subscriptions.
type Monitor struct {
	store   Store
	relays  Lookup
	emailer Emailer
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a check monitor.
func New(store Store, relays Lookup, emailer Emailer, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:   store,
		relays:  relays,
		emailer: emailer,
		logger:  logger,
		now:     time.Now,
	}
}

// RunHourly evaluates the hourly notification kinds (node-down).
func (m *Monitor) RunHourly(ctx context.Context) error {
	return m.runKinds(ctx, weather.HourlyNotifs)
}

// RunDaily evaluates the daily notification kinds (version checks).
func (m *Monitor) RunDaily(ctx context.Context) error {
	return m.runKinds(ctx, weather.DailyNotifs)
}

// RunMonthly evaluates the monthly notification kinds. Reserved; currently a
// no-op.
func (m *Monitor) RunMonthly(ctx context.Context) error {
	return m.runKinds(ctx, weather.MonthlyNotifs)
}

// RunAll evaluates every active kind once. Used by the manual trigger
// endpoint and the CLI.
func (m *Monitor) RunAll(ctx context.Context) error {
	kinds := make([]weather.Notif, 0, len(weather.HourlyNotifs)+len(weather.DailyNotifs)+len(weather.MonthlyNotifs))
	kinds = append(kinds, weather.HourlyNotifs...)
	kinds = append(kinds, weather.DailyNotifs...)
	kinds = append(kinds, weather.MonthlyNotifs...)
	return m.runKinds(ctx, kinds)
}

// runKinds processes kinds strictly in order: all pending records for one
// kind are evaluated before the next kind begins.
func (m *Monitor) runKinds(ctx context.Context, kinds []weather.Notif) error {
	for _, kind := range kinds {
		if err := m.checkKind(ctx, kind); err != nil {
			return fmt.Errorf("check %s: %w", kind, err)
		}
	}
	return nil
}

// checkKind evaluates every pending subscription for one kind. Per-record
// failures are logged and skipped; only listing failures and context
// cancellation abort the pass.
func (m *Monitor) checkKind(ctx context.Context, kind weather.Notif) error {
	pending, err := m.store.ListPending(ctx, kind)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}

	now := m.now().UTC()
	m.logger.Info("Checking pending subscriptions",
		"kind", kind,
		"count", len(pending),
		"timestamp", now.Format(time.RFC3339))

	var sent, skipped int
	for _, sub := range pending {
		select {
		case <-ctx.Done():
			m.logger.Info("Context cancelled, stopping check", "kind", kind, "error", ctx.Err())
			return ctx.Err()
		default:
		}

		relay, err := m.relays.Lookup(ctx, sub.Fingerprint)
		if err != nil {
			// Lookup failures are transient or stale fingerprints; either
			// way the subscription stays and is retried next tick.
			m.logger.Warn("Relay lookup failed, skipping this tick",
				"kind", kind,
				"fingerprint", sub.Fingerprint,
				"error", err)
			skipped++
			continue
		}

		state := sub.Notifs[kind]
		if !weather.Due(kind, relay, state, now) {
			continue
		}

		m.logger.Info("Notification condition met",
			"kind", kind,
			"nickname", relay.Nickname,
			"fingerprint", sub.Fingerprint)

		if err := m.emailer.SendNotif(ctx, kind, relay, sub); err != nil {
			// Sent stays false so the next tick retries delivery.
			m.logger.Warn("Notification delivery failed, will retry next tick",
				"kind", kind,
				"fingerprint", sub.Fingerprint,
				"error", err)
			skipped++
			continue
		}

		if err := m.store.SetSentStatus(ctx, sub.Fingerprint, kind, true); err != nil {
			m.logger.Error("Failed to mark notification sent",
				"kind", kind,
				"fingerprint", sub.Fingerprint,
				"error", err)
			skipped++
			continue
		}
		sent++
	}

	m.logger.Info("Check completed",
		"kind", kind,
		"pending", len(pending),
		"sent", sent,
		"skipped", skipped)
	return nil
}
