// Package weather contains the core domain types for the Tor Weather
// notification service: notification kinds, relay data as served by onionoo,
// and the subscription record schema.
package weather

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Notif identifies one kind of condition a relay operator can be notified
// about. The set is closed; names match the keys used in stored subscription
// documents.
type Notif string

const (
	NodeDown       Notif = "NODE_DOWN"
	SecurityVuln   Notif = "SECURITY_VULNERABILITY"
	EndOfLifeVer   Notif = "END_OF_LIFE_VER"
	OutdatedVer    Notif = "OUTDATED_VER"
	DNSFailure     Notif = "DNS_FAILURE"
	FlagLost       Notif = "FLAG_LOST"
	DetectIssues   Notif = "DETECT_ISSUES"
	Suggestions    Notif = "SUGGESTIONS"
	TopList        Notif = "TOP_LIST"
	Data           Notif = "DATA"
	Requirements   Notif = "REQUIREMENTS"
	OperatorEvents Notif = "OPERATOR_EVENTS"
)

// AllNotifs lists every known notification kind.
var AllNotifs = []Notif{
	NodeDown,
	SecurityVuln,
	EndOfLifeVer,
	OutdatedVer,
	DNSFailure,
	FlagLost,
	DetectIssues,
	Suggestions,
	TopList,
	Data,
	Requirements,
	OperatorEvents,
}

// Check cadences. Only NodeDown, OutdatedVer and EndOfLifeVer are evaluated
// today; the monthly slot is reserved.
var (
	HourlyNotifs  = []Notif{NodeDown}
	DailyNotifs   = []Notif{OutdatedVer, EndOfLifeVer}
	MonthlyNotifs = []Notif{}
)

// ParseNotif maps a stored kind name to its Notif value.
func ParseNotif(name string) (Notif, error) {
	for _, n := range AllNotifs {
		if string(n) == name {
			return n, nil
		}
	}
	return "", fmt.Errorf("unknown notification kind %q", name)
}

func (n Notif) String() string { return string(n) }

// DefaultDuration is the node-down grace period in hours applied when the
// subscriber does not choose one.
const DefaultDuration = 48

// NotifState tracks one subscribed kind on a record. Sent flips to true once
// the current occurrence of the condition has triggered a delivery; Duration
// is the node-down grace period in hours and is ignored for other kinds.
type NotifState struct {
	Sent     bool `json:"sent"`
	Duration int  `json:"duration,omitempty"`
}

// Subscription is the per-relay record: who to mail, and which notification
// kinds are subscribed with their delivery state.
type Subscription struct {
	Fingerprint string
	Emails      []string
	Notifs      map[Notif]*NotifState
}

// Version status classifications served by onionoo.
const (
	VersionRecommended   = "recommended"
	VersionUnrecommended = "unrecommended"
	VersionObsolete      = "obsolete"
	VersionUnknown       = "unknown"
)

// RelayData is a point-in-time snapshot of a relay from the onionoo details
// endpoint. It is fetched fresh for every evaluation and never persisted.
type RelayData struct {
	Nickname           string   `json:"nickname"`
	Fingerprint        string   `json:"fingerprint"`
	LastSeen           Time     `json:"last_seen"`
	Running            bool     `json:"running"`
	ConsensusWeight    int64    `json:"consensus_weight"`
	LastRestarted      Time     `json:"last_restarted"`
	BandwidthRate      int64    `json:"bandwidth_rate"`
	EffectiveFamily    []string `json:"effective_family"`
	Version            string   `json:"version"`
	VersionStatus      string   `json:"version_status"`
	RecommendedVersion bool     `json:"recommended_version"`
}

// onionooLayout is the timestamp format served by onionoo (UTC, no zone).
const onionooLayout = "2006-01-02 15:04:05"

// Time wraps time.Time to decode onionoo timestamps.
type Time struct {
	time.Time
}

func (t *Time) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.ParseInLocation(onionooLayout, s, time.UTC)
	if err != nil {
		// Some mirrors serve RFC 3339.
		parsed, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("parse onionoo time %q: %w", s, err)
		}
	}
	t.Time = parsed
	return nil
}

func (t Time) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(onionooLayout) + `"`), nil
}

var fingerprintRegex = regexp.MustCompile(`^[0-9A-Fa-f]{40}$`)

// ValidFingerprint reports whether s is a well-formed relay fingerprint
// (exactly 40 hex characters).
func ValidFingerprint(s string) bool {
	return fingerprintRegex.MatchString(s)
}

// NormalizeFingerprint upper-cases a fingerprint to its canonical form.
func NormalizeFingerprint(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// DownHours returns how many whole hours the relay has been unseen as of now.
func DownHours(relay *RelayData, now time.Time) int {
	if relay.LastSeen.IsZero() {
		return 0
	}
	d := now.UTC().Sub(relay.LastSeen.Time)
	if d < 0 {
		return 0
	}
	return int(d / time.Hour)
}
