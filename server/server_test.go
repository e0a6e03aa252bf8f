package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"

	"torweather/onionoo"
	"torweather/pkg/weather"
	"torweather/storage"
	"torweather/subs"
)

const testFingerprint = "000A10D43011EA4928A35F610405F92B4433B4DC"

type fakeManager struct {
	subscribeErr   error
	unsubscribeErr error

	gotFingerprint  string
	gotEmails       []string
	gotKinds        []weather.Notif
	gotDuration     int
	gotKind         weather.Notif
	unsubscribedAll bool
}

func (m *fakeManager) Subscribe(_ context.Context, fingerprint string, emails []string, kinds []weather.Notif, durationHours int) (*weather.Subscription, error) {
	m.gotFingerprint = fingerprint
	m.gotEmails = emails
	m.gotKinds = kinds
	m.gotDuration = durationHours
	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}
	return &weather.Subscription{Fingerprint: strings.ToUpper(fingerprint), Emails: emails}, nil
}

func (m *fakeManager) UnsubscribeAll(_ context.Context, fingerprint, email string) error {
	m.gotFingerprint = fingerprint
	m.gotEmails = []string{email}
	m.unsubscribedAll = true
	return m.unsubscribeErr
}

func (m *fakeManager) UnsubscribeNotif(_ context.Context, fingerprint, email string, kind weather.Notif) error {
	m.gotFingerprint = fingerprint
	m.gotEmails = []string{email}
	m.gotKind = kind
	return m.unsubscribeErr
}

func (m *fakeManager) Status(_ context.Context, fingerprint string) (*weather.Subscription, error) {
	return &weather.Subscription{Fingerprint: fingerprint}, nil
}

type fakeChecker struct {
	calls int
	err   error
}

func (c *fakeChecker) RunAll(context.Context) error {
	c.calls++
	return c.err
}

func newTestServer(manager Manager, checker Checker) *Server {
	return New(&Config{
		Manager: manager,
		Checker: checker,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		BaseURL: "http://localhost:8080",
	})
}

func TestRootPage(t *testing.T) {
	srv := newTestServer(&fakeManager{}, &fakeChecker{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	doc, err := goquery.NewDocumentFromReader(w.Body)
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if doc.Find(`a[href="/subscribe"]`).Length() == 0 {
		t.Error("index page should link to /subscribe")
	}
	if doc.Find(`a[href="/unsubscribe"]`).Length() == 0 {
		t.Error("index page should link to /unsubscribe")
	}
}

func TestSubscribeForm(t *testing.T) {
	srv := newTestServer(&fakeManager{}, &fakeChecker{})

	req := httptest.NewRequest(http.MethodGet, "/subscribe?fingerprint="+testFingerprint, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	doc, err := goquery.NewDocumentFromReader(w.Body)
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if got, _ := doc.Find(`input[name="fingerprint"]`).Attr("value"); got != testFingerprint {
		t.Errorf("fingerprint field not prefilled: %q", got)
	}
	boxes := doc.Find(`input[type="checkbox"][name="kind"]`)
	if boxes.Length() != len(weather.AllNotifs) {
		t.Errorf("expected %d kind checkboxes, got %d", len(weather.AllNotifs), boxes.Length())
	}
}

func subscribeForm() url.Values {
	return url.Values{
		"fingerprint": {testFingerprint},
		"email":       {"operator@example.org"},
		"kind":        {"NODE_DOWN"},
		"grace_value": {"2"},
		"grace_unit":  {"days"},
	}
}

func postForm(srv *Server, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestSubscribePost(t *testing.T) {
	manager := &fakeManager{}
	srv := newTestServer(manager, &fakeChecker{})

	w := postForm(srv, "/subscribe", subscribeForm())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if manager.gotFingerprint != testFingerprint {
		t.Errorf("fingerprint = %q", manager.gotFingerprint)
	}
	if len(manager.gotKinds) != 1 || manager.gotKinds[0] != weather.NodeDown {
		t.Errorf("kinds = %v", manager.gotKinds)
	}
	if manager.gotDuration != 48 {
		t.Errorf("2 days should convert to 48 hours, got %d", manager.gotDuration)
	}

	doc, err := goquery.NewDocumentFromReader(w.Body)
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if code := doc.Find("code").Text(); code != testFingerprint {
		t.Errorf("confirmation page fingerprint = %q", code)
	}
	wantLink := "http://localhost:8080/unsubscribe?fingerprint=" + testFingerprint
	if got, _ := doc.Find("a#unsubscribe-link").Attr("href"); got != wantLink {
		t.Errorf("unsubscribe link = %q, want %q", got, wantLink)
	}
}

func TestSubscribeErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid fingerprint", subs.ErrInvalidFingerprint, http.StatusBadRequest},
		{"invalid email", subs.ErrInvalidEmail, http.StatusBadRequest},
		{"no kinds", subs.ErrNoNotifs, http.StatusBadRequest},
		// The manager wraps an unknown relay in ErrInvalidFingerprint; the
		// not-found mapping must still win.
		{"relay not found", fmt.Errorf("%w: %w", subs.ErrInvalidFingerprint, onionoo.ErrRelayNotFound), http.StatusNotFound},
		{"already subscribed", storage.ErrAlreadySubscribed, http.StatusConflict},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(&fakeManager{subscribeErr: tc.err}, &fakeChecker{})
			w := postForm(srv, "/subscribe", subscribeForm())
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, w.Code)
			}
		})
	}
}

func TestUnsubscribeAll(t *testing.T) {
	manager := &fakeManager{}
	srv := newTestServer(manager, &fakeChecker{})

	form := url.Values{
		"fingerprint": {testFingerprint},
		"email":       {"operator@example.org"},
		"kind":        {"all"},
	}
	w := postForm(srv, "/unsubscribe", form)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !manager.unsubscribedAll {
		t.Error("expected UnsubscribeAll to be called")
	}
}

func TestUnsubscribeSingleKind(t *testing.T) {
	manager := &fakeManager{}
	srv := newTestServer(manager, &fakeChecker{})

	form := url.Values{
		"fingerprint": {testFingerprint},
		"email":       {"operator@example.org"},
		"kind":        {"OUTDATED_VER"},
	}
	w := postForm(srv, "/unsubscribe", form)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if manager.gotKind != weather.OutdatedVer {
		t.Errorf("kind = %q", manager.gotKind)
	}
}

func TestUnsubscribeWrongEmail(t *testing.T) {
	srv := newTestServer(&fakeManager{unsubscribeErr: subs.ErrEmailMismatch}, &fakeChecker{})

	form := url.Values{
		"fingerprint": {testFingerprint},
		"email":       {"stranger@example.org"},
		"kind":        {"all"},
	}
	w := postForm(srv, "/unsubscribe", form)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(&fakeManager{}, &fakeChecker{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "healthy") {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
}

func TestCheckEndpoint(t *testing.T) {
	checker := &fakeChecker{}
	srv := newTestServer(&fakeManager{}, checker)

	req := httptest.NewRequest(http.MethodPost, "/checkz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if checker.calls != 1 {
		t.Errorf("expected 1 check run, got %d", checker.calls)
	}

	// GET must not trigger a run.
	req = httptest.NewRequest(http.MethodGet, "/checkz", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", w.Code)
	}
	if checker.calls != 1 {
		t.Errorf("GET should not run checks, got %d runs", checker.calls)
	}
}

func TestSubscribeRateLimit(t *testing.T) {
	srv := newTestServer(&fakeManager{}, &fakeChecker{})

	var limited bool
	for range 10 {
		w := postForm(srv, "/subscribe", subscribeForm())
		if w.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("expected rate limiting to kick in within 10 requests from one IP")
	}
}
