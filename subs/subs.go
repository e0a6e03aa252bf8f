// Package subs implements subscription management: validated subscribe,
// unsubscribe and partial unsubscribe against the subscription store.
package subs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"

	"torweather/pkg/weather"
)

// Package errors. Callers classify with errors.Is.
var (
	ErrInvalidFingerprint = errors.New("subs: fingerprint does not resolve to a known relay")
	ErrInvalidEmail       = errors.New("subs: invalid email address")
	ErrEmailMismatch      = errors.New("subs: email does not match the subscribed recipient")
	ErrNoNotifs           = errors.New("subs: at least one notification kind required")
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// ValidEmail reports whether email is a plausible recipient address.
func ValidEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}

	// Use mail.ParseAddress for robust validation
	_, err := mail.ParseAddress(email)
	return err == nil && emailRegex.MatchString(email)
}

// Store is the subscription persistence the manager needs.
type Store interface {
	Create(ctx context.Context, sub *weather.Subscription) error
	Get(ctx context.Context, fingerprint string) (*weather.Subscription, error)
	Delete(ctx context.Context, fingerprint string) error
	RemoveNotif(ctx context.Context, fingerprint string, kind weather.Notif) error
}

// Lookup verifies fingerprints and fetches relay snapshots.
type Lookup interface {
	Lookup(ctx context.Context, fingerprint string) (*weather.RelayData, error)
}

// Manager validates and executes subscription changes.
type Manager struct {
	store  Store
	relays Lookup
	logger *slog.Logger
}

// New creates a subscription manager.
func New(store Store, relays Lookup, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		relays: relays,
		logger: logger,
	}
}

// Subscribe registers the relay for the given notification kinds and
// returns the stored record. durationHours is the node-down grace period;
// zero means the default (48).
func (m *Manager) Subscribe(ctx context.Context, fingerprint string, emails []string, kinds []weather.Notif, durationHours int) (*weather.Subscription, error) {
	fingerprint = weather.NormalizeFingerprint(fingerprint)
	if !weather.ValidFingerprint(fingerprint) {
		return nil, fmt.Errorf("%w: %q is not a 40-character hex fingerprint", ErrInvalidFingerprint, fingerprint)
	}
	if len(kinds) == 0 {
		return nil, ErrNoNotifs
	}
	if len(emails) == 0 {
		return nil, fmt.Errorf("%w: no recipient given", ErrInvalidEmail)
	}
	for _, email := range emails {
		if !ValidEmail(email) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEmail, email)
		}
	}
	if durationHours <= 0 {
		durationHours = weather.DefaultDuration
	}

	// The fingerprint must resolve to a real relay before anything is stored.
	// The lookup error stays in the chain so callers can tell an unknown
	// relay apart from a malformed fingerprint.
	relay, err := m.relays.Lookup(ctx, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFingerprint, err)
	}

	notifs := make(map[weather.Notif]*weather.NotifState, len(kinds))
	for _, kind := range kinds {
		state := &weather.NotifState{}
		if kind == weather.NodeDown {
			state.Duration = durationHours
		}
		notifs[kind] = state
	}

	sub := &weather.Subscription{
		Fingerprint: fingerprint,
		Emails:      normalizeEmails(emails),
		Notifs:      notifs,
	}
	if err := m.store.Create(ctx, sub); err != nil {
		return nil, err
	}

	m.logger.Info("Node subscribed",
		"nickname", relay.Nickname,
		"fingerprint", fingerprint,
		"kinds", kindNames(kinds))
	return sub, nil
}

// UnsubscribeAll removes the whole record. The supplied email must match a
// stored recipient.
func (m *Manager) UnsubscribeAll(ctx context.Context, fingerprint, email string) error {
	fingerprint = weather.NormalizeFingerprint(fingerprint)
	sub, err := m.store.Get(ctx, fingerprint)
	if err != nil {
		return err
	}
	if !sub.HasRecipient(normalizeEmail(email)) {
		return ErrEmailMismatch
	}
	if err := m.store.Delete(ctx, fingerprint); err != nil {
		return err
	}
	m.logger.Info("Node unsubscribed", "fingerprint", fingerprint)
	return nil
}

// UnsubscribeNotif removes a single notification kind, subject to the same
// recipient-match guard. Removing the last kind removes the record.
func (m *Manager) UnsubscribeNotif(ctx context.Context, fingerprint, email string, kind weather.Notif) error {
	fingerprint = weather.NormalizeFingerprint(fingerprint)
	sub, err := m.store.Get(ctx, fingerprint)
	if err != nil {
		return err
	}
	if !sub.HasRecipient(normalizeEmail(email)) {
		return ErrEmailMismatch
	}
	if err := m.store.RemoveNotif(ctx, fingerprint, kind); err != nil {
		return err
	}
	m.logger.Info("Notification kind unsubscribed", "fingerprint", fingerprint, "kind", kind)
	return nil
}

// Status returns the current record for a fingerprint.
func (m *Manager) Status(ctx context.Context, fingerprint string) (*weather.Subscription, error) {
	return m.store.Get(ctx, weather.NormalizeFingerprint(fingerprint))
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizeEmails(emails []string) []string {
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		out = append(out, normalizeEmail(e))
	}
	return out
}

func kindNames(kinds []weather.Notif) string {
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, string(k))
	}
	return strings.Join(names, ", ")
}
