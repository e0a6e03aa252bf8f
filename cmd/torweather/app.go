package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/joho/godotenv"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"torweather/check"
	"torweather/email"
	"torweather/onionoo"
	"torweather/storage"
	"torweather/subs"
)

// app wires the service components together from environment configuration.
type app struct {
	store   *storage.Store
	manager *subs.Manager
	monitor *check.Monitor
	logger  *slog.Logger
	port    string
	baseURL string

	gcsClient *gcs.Client
}

// newApp reads the environment and builds the component graph. The caller
// must defer a.close().
func newApp(ctx context.Context) (*app, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err == nil {
		logger.Info("Loaded configuration from .env file")
	}

	localStorage := os.Getenv("LOCAL_STORAGE")
	bucket := os.Getenv("STORAGE_BUCKET")
	baseURL := os.Getenv("BASE_URL")
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Default to local development mode if no bucket specified
	if bucket == "" && localStorage == "" {
		localStorage = "./data"
		logger.Info("No STORAGE_BUCKET set, defaulting to local development mode", "storage_path", localStorage)
	}

	a := &app{logger: logger, port: port, baseURL: baseURL}

	if localStorage != "" {
		if baseURL == "" {
			a.baseURL = "http://localhost:" + port
		}
		if err := os.MkdirAll(localStorage, 0o755); err != nil {
			return nil, fmt.Errorf("create local storage directory: %w", err)
		}
		a.store = storage.New(nil, "", localStorage, logger)
	} else {
		if baseURL == "" {
			return nil, errors.New("BASE_URL environment variable required (e.g. https://weather.torproject.org)")
		}
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("initialize storage client: %w", err)
		}
		a.gcsClient = client
		a.store = storage.New(client, bucket, "", logger)
	}

	onionooURL := os.Getenv("ONIONOO_URL")
	if onionooURL == "" {
		onionooURL = onionoo.DefaultBaseURL
	}
	relays := onionoo.New(onionooURL, &http.Client{Timeout: 30 * time.Second}, logger)

	sender, err := initEmail(ctx, logger)
	if err != nil {
		return nil, err
	}

	a.manager = subs.New(a.store, relays, logger)
	a.monitor = check.New(a.store, relays, sender, logger)
	return a, nil
}

func (a *app) close() {
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("Failed to close storage client", "error", err)
		}
	}
}

// initEmail selects the delivery provider from EMAIL_PROVIDER: "gmail",
// "smtp", or "mock". Unset defaults to mock so local development never
// sends real mail.
func initEmail(ctx context.Context, logger *slog.Logger) (*email.Sender, error) {
	from := os.Getenv("EMAIL_FROM")
	if from == "" {
		from = "tor-weather@localhost"
	}

	var provider email.Provider
	switch os.Getenv("EMAIL_PROVIDER") {
	case "gmail":
		service, err := initGmailService(ctx)
		if err != nil {
			return nil, fmt.Errorf("initialize Gmail service: %w", err)
		}
		provider = email.NewGmailProvider(service, from, logger)
	case "smtp":
		host := os.Getenv("SMTP_HOST")
		if host == "" {
			return nil, errors.New("SMTP_HOST required when EMAIL_PROVIDER=smtp")
		}
		smtpPort := os.Getenv("SMTP_PORT")
		if smtpPort == "" {
			smtpPort = "465"
		}
		provider = email.NewSMTPProvider(host, smtpPort,
			os.Getenv("SMTP_USERNAME"), os.Getenv("SMTP_PASSWORD"), from, logger)
	default:
		logger.Info("Mock email mode enabled (set EMAIL_PROVIDER to gmail or smtp to send real mail)")
		provider = email.NewMockProvider(logger)
	}

	return email.New(provider, logger), nil
}

func initGmailService(ctx context.Context) (*gmail.Service, error) {
	// Try explicit credentials first (for local development or specific use cases)
	credsJSON := os.Getenv("GOOGLE_CREDENTIALS_JSON")
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// On Cloud Run, Application Default Credentials use the service account.
	// The service account needs the gmail.send scope.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}
