// File: internal/creds/creds.go

// Package creds resolves the login identity and secret from, in order
// of precedence: direct values, the credential file, the system
// keyring.
package creds

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"go.uber.org/zap"

	"github.com/khlab/paperpull/internal/config"
)

// keyringService namespaces the keyring entries this tool owns.
const keyringService = "paperpull"

// Credentials is a resolved identity/secret pair.
type Credentials struct {
	Username string
	Password string
}

// credentialFile mirrors the on-disk schema.
type credentialFile struct {
	UnivID string `json:"univ_id"`
	UnivPW string `json:"univ_pw"`
}

// placeholders left in a template credential file are rejected rather
// than sent to the login form.
var placeholders = []string{"your_id", "your_password", "changeme", "<", ">"}

// Resolve returns usable credentials or an error explaining every
// source that was tried.
func Resolve(cfg config.CredsConfig, logger *zap.Logger) (Credentials, error) {
	log := logger.Named("creds")

	if cfg.Username != "" && cfg.Password != "" {
		log.Debug("Using credentials supplied directly.")
		return Credentials{Username: cfg.Username, Password: cfg.Password}, nil
	}

	if cfg.File != "" {
		c, err := fromFile(cfg.File)
		if err == nil {
			log.Debug("Using credentials from file.", zap.String("file", cfg.File))
			return c, nil
		}
		if !os.IsNotExist(err) {
			return Credentials{}, err
		}
		log.Debug("Credential file not found.", zap.String("file", cfg.File))
	}

	if cfg.UseKeyring {
		c, err := fromKeyring(cfg.Username)
		if err == nil {
			log.Debug("Using credentials from system keyring.")
			return c, nil
		}
		log.Debug("Keyring lookup failed.", zap.Error(err))
	}

	return Credentials{}, fmt.Errorf("no credentials available: pass --username/--password, provide %s, or store them in the keyring", cfg.File)
}

func fromFile(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, err
	}

	var f credentialFile
	if err := json.Unmarshal(data, &f); err != nil {
		return Credentials{}, fmt.Errorf("credential file %s is not valid JSON: %w", path, err)
	}
	if f.UnivID == "" || f.UnivPW == "" {
		return Credentials{}, fmt.Errorf("credential file %s is missing univ_id or univ_pw", path)
	}
	for _, p := range placeholders {
		if strings.Contains(strings.ToLower(f.UnivID), p) || strings.Contains(strings.ToLower(f.UnivPW), p) {
			return Credentials{}, fmt.Errorf("credential file %s still contains placeholder values", path)
		}
	}
	return Credentials{Username: f.UnivID, Password: f.UnivPW}, nil
}

// fromKeyring reads the secret for a known username, or both fields
// when no username was given.
func fromKeyring(username string) (Credentials, error) {
	if username == "" {
		var err error
		username, err = keyring.Get(keyringService, "username")
		if err != nil {
			return Credentials{}, fmt.Errorf("keyring has no stored username: %w", err)
		}
	}
	password, err := keyring.Get(keyringService, username)
	if err != nil {
		return Credentials{}, fmt.Errorf("keyring has no password for %s: %w", username, err)
	}
	return Credentials{Username: username, Password: password}, nil
}

// Store writes credentials into the system keyring for later runs.
func Store(c Credentials) error {
	if err := keyring.Set(keyringService, "username", c.Username); err != nil {
		return fmt.Errorf("failed to store username in keyring: %w", err)
	}
	if err := keyring.Set(keyringService, c.Username, c.Password); err != nil {
		return fmt.Errorf("failed to store password in keyring: %w", err)
	}
	return nil
}
