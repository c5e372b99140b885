// File: internal/session/session.go

// Package session owns the single authenticated browser session a run
// is allowed to hold. Authentication happens at most once; switching
// crawl targets only re-points the download directory.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/khlab/paperpull/api/schemas"
	"github.com/khlab/paperpull/internal/config"
)

const loginBound = 45 * time.Second

// Manager wraps a Driver with login state and the active download
// directory. Not safe for concurrent use; one goroutine drives it.
type Manager struct {
	ID     string
	logger *zap.Logger
	driver schemas.Driver
	site   config.SiteConfig

	authenticated bool
	activeDir     string
	closeOnce     sync.Once
	closeErr      error
}

// New wraps an unauthenticated driver. Open must be called before any
// crawl work happens.
func New(driver schemas.Driver, site config.SiteConfig, logger *zap.Logger) *Manager {
	return &Manager{
		ID:     uuid.NewString(),
		logger: logger.Named("session"),
		driver: driver,
		site:   site,
	}
}

// Driver exposes the underlying automation handle for the navigation
// layer. The session stays the owner; callers must not Close it.
func (m *Manager) Driver() schemas.Driver {
	return m.driver
}

// Authenticated reports whether Open has completed successfully.
func (m *Manager) Authenticated() bool {
	return m.authenticated
}

// Open performs the login sequence once. Calling it again on an
// authenticated session is a no-op so the scheduler can be simple.
func (m *Manager) Open(ctx context.Context, username, password string) error {
	if m.authenticated {
		m.logger.Debug("Session already authenticated; skipping login.")
		return nil
	}

	m.logger.Info("Authenticating.", zap.String("url", m.site.LibraryURL))

	if err := m.driver.Navigate(ctx, m.site.LibraryURL); err != nil {
		return &schemas.AuthenticationError{Reason: "library portal unreachable", Err: err}
	}

	// Some portals land directly on the form; the login link is optional.
	loc := m.site.Locators
	if loc.LoginLink != "" {
		clicked, err := m.driver.ClickIfPresent(ctx, loc.LoginLink, 10*time.Second)
		if err != nil {
			return &schemas.AuthenticationError{Reason: "login link unusable", Err: err}
		}
		if !clicked {
			m.logger.Debug("No login link found; assuming login form is already visible.")
		}
	}

	if err := m.driver.Type(ctx, loc.UsernameField, username); err != nil {
		return &schemas.AuthenticationError{Reason: "username field not found", Err: err}
	}
	if err := m.driver.Type(ctx, loc.PasswordField, password); err != nil {
		return &schemas.AuthenticationError{Reason: "password field not found", Err: err}
	}
	if err := m.driver.Click(ctx, loc.LoginSubmit); err != nil {
		return &schemas.AuthenticationError{Reason: "login form could not be submitted", Err: err}
	}

	if err := m.driver.WaitVisible(ctx, loc.LoginSuccess, loginBound); err != nil {
		return &schemas.AuthenticationError{Reason: "login success condition not observed", Err: err}
	}

	m.authenticated = true
	m.logger.Info("Authenticated.", zap.String("session_id", m.ID))
	return nil
}

// SwitchToTarget re-points where the browser materializes downloads.
// No navigation and no re-login happen here; that is what lets one
// session serve every year in the batch.
func (m *Manager) SwitchToTarget(ctx context.Context, target schemas.Target) error {
	if !m.authenticated {
		return &schemas.AuthenticationError{Reason: "session not opened"}
	}
	if err := m.driver.SetDownloadDir(ctx, target.DestDir); err != nil {
		return fmt.Errorf("failed to switch session to %s: %w", target, err)
	}
	m.activeDir = target.DestDir
	m.logger.Info("Session switched to target.",
		zap.Int("year", target.Year),
		zap.String("dest_dir", target.DestDir))
	return nil
}

// ActiveDir returns the download directory currently in effect.
func (m *Manager) ActiveDir() string {
	return m.activeDir
}

// Close releases the driver. Idempotent; later calls return the first
// result.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.logger.Info("Closing session.", zap.String("session_id", m.ID))
		m.closeErr = m.driver.Close(ctx)
		m.authenticated = false
	})
	return m.closeErr
}
