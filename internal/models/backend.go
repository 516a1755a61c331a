// Package models defines types shared across internal packages.
package models

import "time"

// BackendConfig is one remote sync target as persisted in the local
// store. LastPushHLC and LastPullHLC are independent cursors; both only
// ever move forward.
type BackendConfig struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	ServerURL string `json:"server_url" yaml:"server_url"`

	// Credentials handed to the session layer. APIToken, when set, is
	// used as a static bearer token and Email/Password are ignored.
	Email    string `json:"email,omitempty" yaml:"email"`
	Password string `json:"-" yaml:"password"`
	APIToken string `json:"-" yaml:"token"`

	VaultID   string `json:"vault_id" yaml:"vault_id"`
	VaultName string `json:"vault_name" yaml:"vault_name"`
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Priority  int    `json:"priority" yaml:"priority"`

	LastPushHLC string `json:"last_push_hlc" yaml:"-"`
	LastPullHLC string `json:"last_pull_hlc" yaml:"-"`

	// SyncKey is the cached symmetric key for this backend's vault. It
	// never leaves the device unwrapped.
	SyncKey               []byte `json:"-" yaml:"-"`
	VaultKeySalt          string `json:"-" yaml:"-"`
	PendingVaultKeyUpdate bool   `json:"pending_vault_key_update" yaml:"-"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// TemporaryBackend holds connection details during first-time remote
// connection, before it is safe to persist anything locally.
type TemporaryBackend struct {
	Name      string
	ServerURL string
	Email     string
	Password  string
	APIToken  string
	VaultID   string
	VaultName string
}

// Config returns an unpersisted BackendConfig for the temporary backend.
func (t TemporaryBackend) Config(id string) BackendConfig {
	return BackendConfig{
		ID:        id,
		Name:      t.Name,
		ServerURL: t.ServerURL,
		Email:     t.Email,
		Password:  t.Password,
		APIToken:  t.APIToken,
		VaultID:   t.VaultID,
		VaultName: t.VaultName,
		Enabled:   true,
	}
}
