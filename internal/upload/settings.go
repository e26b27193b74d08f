package upload

import (
	"fmt"
	"log/slog"
	"sync"
)

// Endpoint is a backend client whose base URL can be switched live.
type Endpoint interface {
	BaseURL() string
	SetBaseURL(raw string) (string, error)
}

// EndpointStore persists a base URL override across restarts.
type EndpointStore interface {
	BaseURLOverride() (string, bool, error)
	SetBaseURLOverride(raw string) error
}

// Settings changes the backend base URL at runtime. A change applies to
// requests started afterwards and is stored so the next start uses it
// in place of the configured URL.
type Settings struct {
	mu         sync.Mutex
	endpoint   Endpoint
	store      EndpointStore
	configured string
	logger     *slog.Logger
}

// NewSettings captures the endpoint's current URL as the configured
// default that ResetBaseURL returns to.
func NewSettings(endpoint Endpoint, store EndpointStore, logger *slog.Logger) *Settings {
	return &Settings{
		endpoint:   endpoint,
		store:      store,
		configured: endpoint.BaseURL(),
		logger:     logger,
	}
}

// Restore applies a stored override. An override that no longer parses
// is logged and dropped.
func (s *Settings) Restore() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok, err := s.store.BaseURLOverride()
	if err != nil {
		return fmt.Errorf("reading base URL override: %w", err)
	}

	if !ok {
		return nil
	}

	applied, err := s.endpoint.SetBaseURL(raw)
	if err != nil {
		s.logger.Warn("ignoring stored base URL", slog.String("base_url", raw), slog.String("error", err.Error()))
		return s.store.SetBaseURLOverride("")
	}

	s.logger.Info("using stored base URL", slog.String("base_url", applied))

	return nil
}

// BaseURL returns the URL new requests are sent to.
func (s *Settings) BaseURL() string {
	return s.endpoint.BaseURL()
}

// Overridden reports whether the URL differs from the configured one.
func (s *Settings) Overridden() bool {
	return s.endpoint.BaseURL() != s.configured
}

// SetBaseURL switches the backend and stores the override. An invalid
// URL leaves the current one in place.
func (s *Settings) SetBaseURL(raw string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.apply(raw, raw)
}

// ResetBaseURL returns to the configured URL and drops the override.
func (s *Settings) ResetBaseURL() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.apply(s.configured, "")
}

func (s *Settings) apply(raw, stored string) (string, error) {
	prev := s.endpoint.BaseURL()

	applied, err := s.endpoint.SetBaseURL(raw)
	if err != nil {
		return prev, err
	}

	if stored != "" {
		stored = applied
	}

	if err := s.store.SetBaseURLOverride(stored); err != nil {
		if _, rerr := s.endpoint.SetBaseURL(prev); rerr != nil {
			s.logger.Error("restoring base URL", slog.String("error", rerr.Error()))
		}

		return prev, err
	}

	if applied != prev {
		s.logger.Info("backend base URL changed", slog.String("from", prev), slog.String("to", applied))
	}

	return applied, nil
}
