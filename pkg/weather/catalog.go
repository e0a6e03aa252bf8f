package weather

import (
	"fmt"
	"strings"
	"text/template"
	"time"
)

// The message catalog maps each active notification kind to its email subject,
// plain-text body template and the predicate deciding whether the condition
// currently holds for a relay.

// templateData is what body templates render against.
type templateData struct {
	Relay     *RelayData
	State     *NotifState
	DownHours int
	LastSeen  string
}

type message struct {
	subject string
	body    *template.Template
	due     func(relay *RelayData, state *NotifState, now time.Time) bool
}

const nodeDownBody = `Hello,

This is a notification from Tor Weather.

Your relay {{.Relay.Nickname}} (fingerprint: {{.Relay.Fingerprint}}) has been
unreachable for {{.DownHours}} hours, longer than your configured grace period
of {{.State.Duration}} hours. It was last seen in the network consensus on
{{.LastSeen}} UTC.

If this is unexpected, please check that the relay host is up and that its
Tor process is running.

You will not receive this notification again unless you re-subscribe.
`

const outdatedVerBody = `Hello,

This is a notification from Tor Weather.

Your relay {{.Relay.Nickname}} (fingerprint: {{.Relay.Fingerprint}}) is
running Tor {{.Relay.Version}}, which is no longer recommended. Please
upgrade to a recommended release to keep contributing safely to the network.

You will not receive this notification again unless you re-subscribe.
`

const endOfLifeVerBody = `Hello,

This is a notification from Tor Weather.

Your relay {{.Relay.Nickname}} (fingerprint: {{.Relay.Fingerprint}}) is
running an obsolete Tor version that has reached end of life. Relays on
end-of-life versions may be rejected from the network consensus. Please
upgrade as soon as possible.

You will not receive this notification again unless you re-subscribe.
`

var catalog = map[Notif]message{
	NodeDown: {
		subject: "Node down",
		body:    template.Must(template.New(string(NodeDown)).Parse(nodeDownBody)),
		due: func(relay *RelayData, state *NotifState, now time.Time) bool {
			return DownHours(relay, now) > state.Duration
		},
	},
	OutdatedVer: {
		subject: "Node out of date",
		body:    template.Must(template.New(string(OutdatedVer)).Parse(outdatedVerBody)),
		due: func(relay *RelayData, _ *NotifState, _ time.Time) bool {
			return relay.VersionStatus == VersionUnrecommended
		},
	},
	EndOfLifeVer: {
		subject: "Node version end of life",
		body:    template.Must(template.New(string(EndOfLifeVer)).Parse(endOfLifeVerBody)),
		due: func(relay *RelayData, _ *NotifState, _ time.Time) bool {
			return relay.VersionStatus == VersionObsolete
		},
	},
}

// Active reports whether a kind has a catalog entry and is therefore
// evaluated by the checker.
func Active(kind Notif) bool {
	_, ok := catalog[kind]
	return ok
}

// Due evaluates the kind's predicate against a fresh relay snapshot. Kinds
// without a catalog entry are never due.
func Due(kind Notif, relay *RelayData, state *NotifState, now time.Time) bool {
	msg, ok := catalog[kind]
	if !ok {
		return false
	}
	return msg.due(relay, state, now)
}

// Render produces the subject and plain-text body for a notification. It is
// pure: no I/O, no side effects.
func Render(kind Notif, relay *RelayData, state *NotifState, now time.Time) (subject, body string, err error) {
	msg, ok := catalog[kind]
	if !ok {
		return "", "", fmt.Errorf("no message template for %s", kind)
	}
	data := templateData{
		Relay:     relay,
		State:     state,
		DownHours: DownHours(relay, now),
		LastSeen:  relay.LastSeen.UTC().Format("2006-01-02 15:04:05"),
	}
	var b strings.Builder
	if err := msg.body.Execute(&b, data); err != nil {
		return "", "", fmt.Errorf("render %s body: %w", kind, err)
	}
	return msg.subject, b.String(), nil
}
