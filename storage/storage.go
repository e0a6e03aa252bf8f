// Package storage persists subscription records, one JSON document per relay
// fingerprint, in a Cloud Storage bucket or a local directory for development.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"torweather/pkg/weather"
)

// Package errors. Callers classify with errors.Is.
var (
	ErrAlreadySubscribed  = errors.New("storage: relay already subscribed")
	ErrNotSubscribed      = errors.New("storage: relay not subscribed")
	ErrNotifNotSubscribed = errors.New("storage: notification kind not subscribed")
)

// Store handles subscription persistence.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a new storage handler. Exactly one of bucket or localPath
// should be set; localPath wins when both are.
func New(client *storage.Client, bucket, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// SubscriptionKey generates a stable object name from a fingerprint.
// Returns "" for anything that is not a well-formed fingerprint, which also
// blocks path traversal through the local backend.
func SubscriptionKey(fingerprint string) string {
	fingerprint = weather.NormalizeFingerprint(fingerprint)
	if !weather.ValidFingerprint(fingerprint) {
		return ""
	}
	return fmt.Sprintf("sub-%s.json", fingerprint)
}

// Exists reports whether a record for the fingerprint is present.
func (s *Store) Exists(ctx context.Context, fingerprint string) (bool, error) {
	_, err := s.Get(ctx, fingerprint)
	if err != nil {
		if errors.Is(err, ErrNotSubscribed) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Create writes a new record. The write is exclusive: a concurrent Create on
// the same fingerprint yields exactly one success and one ErrAlreadySubscribed.
func (s *Store) Create(ctx context.Context, sub *weather.Subscription) error {
	key := SubscriptionKey(sub.Fingerprint)
	if key == "" {
		return fmt.Errorf("invalid fingerprint %q", sub.Fingerprint)
	}
	s.logger.Debug("Creating subscription", "key", key, "fingerprint", sub.Fingerprint)

	data, err := json.MarshalIndent(sub, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			if os.IsExist(err) {
				return ErrAlreadySubscribed
			}
			return fmt.Errorf("create in local storage: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close local storage file: %w", err)
		}
		s.logger.Info("Subscription created in local storage", "path", filePath, "fingerprint", sub.Fingerprint)
		return nil
	}

	// Cloud Storage with a does-not-exist precondition so duplicate
	// subscribes lose the race cleanly.
	err = retry.Do(
		func() error {
			obj := s.client.Bucket(s.bucket).Object(key).If(storage.Conditions{DoesNotExist: true})
			w := obj.NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				if isPreconditionFailed(closeErr) {
					return retry.Unrecoverable(ErrAlreadySubscribed)
				}
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying create operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		if errors.Is(err, ErrAlreadySubscribed) {
			return ErrAlreadySubscribed
		}
		return fmt.Errorf("create after retries: %w", err)
	}

	s.logger.Info("Subscription created", "key", key, "fingerprint", sub.Fingerprint)
	return nil
}

// isPreconditionFailed detects a GCS generation precondition failure.
func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

// Get loads the record for a fingerprint.
func (s *Store) Get(ctx context.Context, fingerprint string) (*weather.Subscription, error) {
	key := SubscriptionKey(fingerprint)
	if key == "" {
		return nil, ErrNotSubscribed
	}
	return s.load(ctx, key)
}

func (s *Store) load(ctx context.Context, key string) (*weather.Subscription, error) {
	var data []byte

	// Local filesystem storage
	if s.localPath != "" {
		var err error
		filePath := filepath.Join(s.localPath, key)
		data, err = os.ReadFile(filePath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotSubscribed
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		// Cloud Storage with retry logic for reliability
		var readData []byte
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						return retry.Unrecoverable(ErrNotSubscribed)
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				readData, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.MaxDelay(30*time.Second),
			retry.MaxJitter(5*time.Second),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, retryErr error) {
				s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
			}),
		)
		if err != nil {
			if errors.Is(err, ErrNotSubscribed) {
				return nil, ErrNotSubscribed
			}
			return nil, fmt.Errorf("load after retries: %w", err)
		}
		data = readData
	}

	var sub weather.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("unmarshal subscription: %w", err)
	}

	return &sub, nil
}

// save overwrites the record. Used by the mutating operations below; Create
// is the only exclusive write.
func (s *Store) save(ctx context.Context, sub *weather.Subscription) error {
	key := SubscriptionKey(sub.Fingerprint)
	if key == "" {
		return fmt.Errorf("invalid fingerprint %q", sub.Fingerprint)
	}

	data, err := json.MarshalIndent(sub, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	return nil
}

// Delete removes the record for a fingerprint.
func (s *Store) Delete(ctx context.Context, fingerprint string) error {
	key := SubscriptionKey(fingerprint)
	if key == "" {
		return ErrNotSubscribed
	}
	s.logger.Debug("Deleting subscription", "key", key, "fingerprint", fingerprint)

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.Remove(filePath); err != nil {
			if os.IsNotExist(err) {
				return ErrNotSubscribed
			}
			return fmt.Errorf("delete from local storage: %w", err)
		}
		s.logger.Info("Subscription deleted from local storage", "path", filePath, "fingerprint", fingerprint)
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(ErrNotSubscribed)
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying delete operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		if errors.Is(err, ErrNotSubscribed) {
			return ErrNotSubscribed
		}
		return fmt.Errorf("delete after retries: %w", err)
	}

	s.logger.Info("Subscription deleted", "key", key, "fingerprint", fingerprint)
	return nil
}

// RemoveNotif unsubscribes one notification kind. Removing the last kind
// deletes the whole record: a subscription never exists with zero kinds.
func (s *Store) RemoveNotif(ctx context.Context, fingerprint string, kind weather.Notif) error {
	sub, err := s.Get(ctx, fingerprint)
	if err != nil {
		return err
	}
	if !sub.Subscribed(kind) {
		return ErrNotifNotSubscribed
	}

	if len(sub.Notifs) == 1 {
		if err := s.Delete(ctx, fingerprint); err != nil {
			return err
		}
		s.logger.Info("Last notification kind removed, record deleted",
			"fingerprint", fingerprint, "kind", kind)
		return nil
	}

	delete(sub.Notifs, kind)
	if err := s.save(ctx, sub); err != nil {
		return err
	}
	s.logger.Info("Notification kind removed", "fingerprint", fingerprint, "kind", kind)
	return nil
}

// SetSentStatus updates the sent flag for one kind. Idempotent.
func (s *Store) SetSentStatus(ctx context.Context, fingerprint string, kind weather.Notif, sent bool) error {
	sub, err := s.Get(ctx, fingerprint)
	if err != nil {
		return err
	}
	state, ok := sub.Notifs[kind]
	if !ok {
		return ErrNotifNotSubscribed
	}
	if state.Sent == sent {
		return nil
	}
	state.Sent = sent
	if err := s.save(ctx, sub); err != nil {
		return err
	}
	s.logger.Info("Notification status updated", "fingerprint", fingerprint, "kind", kind, "sent", sent)
	return nil
}

// List returns every stored subscription. Undecodable documents are logged
// and skipped so one bad record cannot wedge a check pass.
func (s *Store) List(ctx context.Context) ([]*weather.Subscription, error) {
	var subs []*weather.Subscription

	// Local filesystem storage
	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), "sub-") || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}

			sub, err := s.load(ctx, entry.Name())
			if err != nil {
				s.logger.Warn("Failed to load subscription", "file", entry.Name(), "error", err)
				continue
			}

			subs = append(subs, sub)
		}

		return subs, nil
	}

	// Cloud Storage
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix: "sub-",
	})

	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}

		sub, err := s.load(ctx, attrs.Name)
		if err != nil {
			s.logger.Warn("Failed to load subscription", "key", attrs.Name, "error", err)
			continue
		}

		subs = append(subs, sub)
	}

	return subs, nil
}

// ListPending returns subscriptions that include kind with sent == false.
// The result is a fresh snapshot per call; the store may mutate between calls.
func (s *Store) ListPending(ctx context.Context, kind weather.Notif) ([]*weather.Subscription, error) {
	subs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	var pending []*weather.Subscription
	for _, sub := range subs {
		if state, ok := sub.Notifs[kind]; ok && !state.Sent {
			pending = append(pending, sub)
		}
	}
	return pending, nil
}
