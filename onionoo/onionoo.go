// Package onionoo fetches relay data from the onionoo details endpoint.
package onionoo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"torweather/pkg/weather"
)

// DefaultBaseURL is the public onionoo instance.
const DefaultBaseURL = "https://onionoo.torproject.org"

// relayFields is the field list requested for a details lookup. Keep in sync
// with weather.RelayData.
const relayFields = "nickname,fingerprint,last_seen,running,consensus_weight," +
	"last_restarted,bandwidth_rate,effective_family,version,version_status,recommended_version"

// ErrRelayNotFound indicates the fingerprint did not resolve to a known relay.
// Non-200 responses and empty result sets are treated identically.
var ErrRelayNotFound = errors.New("onionoo: relay not found")

// IsNotFound reports whether err means the relay does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRelayNotFound)
}

// Client queries the onionoo API.
type Client struct {
	client  *http.Client
	logger  *slog.Logger
	baseURL string
}

// New creates an onionoo client. baseURL may be empty to use the public
// instance; client may be nil for a default with a bounded timeout.
func New(baseURL string, client *http.Client, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		logger:  logger,
	}
}

type detailsResponse struct {
	Relays []json.RawMessage `json:"relays"`
}

// Lookup fetches a fresh snapshot of the relay identified by fingerprint.
func (c *Client) Lookup(ctx context.Context, fingerprint string) (*weather.RelayData, error) {
	raw, err := c.fetch(ctx, fingerprint, relayFields)
	if err != nil {
		return nil, err
	}

	var relay weather.RelayData
	if err := json.Unmarshal(raw, &relay); err != nil {
		return nil, fmt.Errorf("decode relay data: %w", err)
	}
	return &relay, nil
}

// Exists checks that the fingerprint resolves to a known relay without
// requesting the full snapshot. Subscribing uses Lookup instead because it
// wants the relay's nickname; Exists is the cheaper probe for callers that
// only need a yes or no.
func (c *Client) Exists(ctx context.Context, fingerprint string) error {
	_, err := c.fetch(ctx, fingerprint, "fingerprint")
	return err
}

func (c *Client) fetch(ctx context.Context, fingerprint, fields string) (json.RawMessage, error) {
	lookupURL := fmt.Sprintf("%s/details?search=%s&fields=%s",
		c.baseURL, url.QueryEscape(fingerprint), url.QueryEscape(fields))

	var relay json.RawMessage

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/94.0.4606.81 Safari/537.36")
			req.Header.Set("Accept", "application/json")

			startTime := time.Now()
			resp, err := c.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				c.logger.Warn("Onionoo request failed, will retry",
					"fingerprint", fingerprint,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			// The original service treats any non-success response the same
			// as an unknown fingerprint.
			if resp.StatusCode != http.StatusOK {
				c.logger.Warn("Onionoo returned non-OK status",
					"fingerprint", fingerprint,
					"status_code", resp.StatusCode)
				return retry.Unrecoverable(ErrRelayNotFound)
			}

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}

			var details detailsResponse
			if err := json.Unmarshal(body, &details); err != nil {
				return fmt.Errorf("decode details response: %w", err)
			}
			if len(details.Relays) == 0 {
				return retry.Unrecoverable(ErrRelayNotFound)
			}

			c.logger.Debug("Onionoo lookup completed",
				"fingerprint", fingerprint,
				"duration_ms", duration.Milliseconds())

			relay = details.Relays[0]
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying onionoo lookup after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		if IsNotFound(err) {
			return nil, ErrRelayNotFound
		}
		return nil, fmt.Errorf("after retries: %w", err)
	}

	return relay, nil
}
