// File: internal/config/config_test.go
package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	// Verify a few key defaults to ensure the mechanism works.
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "auto", cfg.Browser.Mode)
	assert.Equal(t, []int{2023, 2024, 2025}, cfg.Crawl.Years)
	assert.Equal(t, 10, cfg.Crawl.ItemsPerPage)
	assert.Equal(t, 100, cfg.Crawl.MaxPageVisits)
	assert.Equal(t, uint(5), cfg.Quota.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Quota.Wait)
	assert.Equal(t, 30*time.Second, cfg.Download.QuietPeriod)
	assert.Equal(t, 0.5, cfg.Download.MinViableFraction)
	assert.NotEmpty(t, cfg.Site.SeatLimitMarkers)
	assert.Contains(t, cfg.Site.Locators.PageButton, "%d")
	assert.Contains(t, cfg.Site.Locators.PublicationOption, "%s")
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Valid Defaults", func(t *testing.T) {
		cfg := NewDefaultConfig()
		assert.NoError(t, cfg.Validate(), "the default config must always validate")
	})

	t.Run("Invalid Browser Mode", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Browser.Mode = "invisible"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "browser.mode")
	})

	t.Run("Invalid Items Per Page", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Crawl.ItemsPerPage = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "crawl.items_per_page")
	})

	t.Run("Delay Window Inverted", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Crawl.MinPageDelay = 10 * time.Second
		cfg.Crawl.MaxPageDelay = 3 * time.Second
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "min_page_delay")
	})

	t.Run("Zero Quota Attempts", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Quota.MaxAttempts = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "quota.max_attempts")
	})

	t.Run("Viable Fraction Out Of Range", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Download.MinViableFraction = 1.5
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "min_viable_fraction")
	})

	t.Run("Hard Timeout Below Quiet Period", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Download.HardTimeout = cfg.Download.QuietPeriod - time.Second
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "hard_timeout")
	})
}

func TestNewConfigFromViper_Overrides(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("crawl.years", []int{2020})
	v.Set("quota.wait", "90s")
	v.Set("browser.mode", "headless")

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, []int{2020}, cfg.Crawl.Years)
	assert.Equal(t, 90*time.Second, cfg.Quota.Wait)
	assert.Equal(t, "headless", cfg.Browser.Mode)
}

func TestNewConfigFromViper_RejectsInvalid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("browser.mode", "sideways")

	_, err := NewConfigFromViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}
