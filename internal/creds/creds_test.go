// File: internal/creds/creds_test.go
package creds

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
	"go.uber.org/zap"

	"github.com/khlab/paperpull/internal/config"
)

func writeCredFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestResolve_DirectValuesTakePrecedence(t *testing.T) {
	path := writeCredFile(t, `{"univ_id": "file_user", "univ_pw": "file_pw"}`)

	c, err := Resolve(config.CredsConfig{
		File:     path,
		Username: "flag_user",
		Password: "flag_pw",
	}, zap.NewNop())

	require.NoError(t, err)
	assert.Equal(t, "flag_user", c.Username)
	assert.Equal(t, "flag_pw", c.Password)
}

func TestResolve_FromFile(t *testing.T) {
	t.Run("Valid File", func(t *testing.T) {
		path := writeCredFile(t, `{"univ_id": "someone", "univ_pw": "hunter2"}`)
		c, err := Resolve(config.CredsConfig{File: path}, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, "someone", c.Username)
		assert.Equal(t, "hunter2", c.Password)
	})

	t.Run("Missing Fields", func(t *testing.T) {
		path := writeCredFile(t, `{"univ_id": "someone"}`)
		_, err := Resolve(config.CredsConfig{File: path}, zap.NewNop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "univ_id or univ_pw")
	})

	t.Run("Placeholder Values Rejected", func(t *testing.T) {
		path := writeCredFile(t, `{"univ_id": "YOUR_ID", "univ_pw": "YOUR_PASSWORD"}`)
		_, err := Resolve(config.CredsConfig{File: path}, zap.NewNop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "placeholder")
	})

	t.Run("Invalid JSON", func(t *testing.T) {
		path := writeCredFile(t, `{oops`)
		_, err := Resolve(config.CredsConfig{File: path}, zap.NewNop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not valid JSON")
	})
}

func TestResolve_KeyringFallback(t *testing.T) {
	keyring.MockInit()

	require.NoError(t, Store(Credentials{Username: "vault_user", Password: "vault_pw"}))

	c, err := Resolve(config.CredsConfig{
		File:       filepath.Join(t.TempDir(), "nope.json"),
		UseKeyring: true,
	}, zap.NewNop())

	require.NoError(t, err)
	assert.Equal(t, "vault_user", c.Username)
	assert.Equal(t, "vault_pw", c.Password)
}

func TestResolve_NothingAvailable(t *testing.T) {
	keyring.MockInit()

	_, err := Resolve(config.CredsConfig{
		File:       filepath.Join(t.TempDir(), "nope.json"),
		UseKeyring: true,
	}, zap.NewNop())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no credentials available")
}
