package weather

import (
	"encoding/json"
	"fmt"
)

// Subscription documents use the flat schema inherited from the original
// deployment: fingerprint and email at the top level, one sub-object per
// subscribed kind keyed by the kind name.
//
//	{
//	  "fingerprint": "000A...B4DC",
//	  "email": "ops@example.com",          // or an array of addresses
//	  "NODE_DOWN": {"sent": false, "duration": 48},
//	  "OUTDATED_VER": {"sent": false}
//	}

// MarshalJSON encodes the subscription as a flat document. A single recipient
// is written as a plain string for compatibility with older records.
func (s *Subscription) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(s.Notifs)+2)
	doc["fingerprint"] = s.Fingerprint
	if len(s.Emails) == 1 {
		doc["email"] = s.Emails[0]
	} else {
		doc["email"] = s.Emails
	}
	for kind, state := range s.Notifs {
		doc[string(kind)] = state
	}
	return json.Marshal(doc)
}

// UnmarshalJSON decodes a flat subscription document. Top-level keys other
// than fingerprint, email and _id must name a known notification kind.
func (s *Subscription) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	s.Fingerprint = ""
	s.Emails = nil
	s.Notifs = make(map[Notif]*NotifState)

	for key, raw := range doc {
		switch key {
		case "fingerprint":
			if err := json.Unmarshal(raw, &s.Fingerprint); err != nil {
				return fmt.Errorf("decode fingerprint: %w", err)
			}
		case "email":
			// Older records store a single address as a string.
			var one string
			if err := json.Unmarshal(raw, &one); err == nil {
				s.Emails = []string{one}
				continue
			}
			if err := json.Unmarshal(raw, &s.Emails); err != nil {
				return fmt.Errorf("decode email: %w", err)
			}
		case "_id":
			// Mongo artifact in records migrated from the original deployment.
		default:
			kind, err := ParseNotif(key)
			if err != nil {
				return fmt.Errorf("decode subscription: %w", err)
			}
			var state NotifState
			if err := json.Unmarshal(raw, &state); err != nil {
				return fmt.Errorf("decode %s state: %w", key, err)
			}
			s.Notifs[kind] = &state
		}
	}

	if s.Fingerprint == "" {
		return fmt.Errorf("subscription document missing fingerprint")
	}
	return nil
}

// Subscribed reports whether the record includes the given kind.
func (s *Subscription) Subscribed(kind Notif) bool {
	_, ok := s.Notifs[kind]
	return ok
}

// HasRecipient reports whether email is one of the stored recipients.
func (s *Subscription) HasRecipient(email string) bool {
	for _, e := range s.Emails {
		if e == email {
			return true
		}
	}
	return false
}
