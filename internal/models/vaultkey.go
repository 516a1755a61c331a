package models

// VaultKey is the wire form of a wrapped sync key as stored by a
// backend. The key is sealed under a KEK derived from the vault
// password; the vault name is sealed separately under a KEK derived
// from the server password. The backend never sees either password.
type VaultKey struct {
	VaultID      string `json:"vaultId"`
	EncryptedKey string `json:"encryptedKey"`
	KeyNonce     string `json:"keyNonce"`
	KeySalt      string `json:"keySalt"`

	EncryptedVaultName string `json:"encryptedVaultName,omitempty"`
	VaultNameNonce     string `json:"vaultNameNonce,omitempty"`
	VaultNameSalt      string `json:"vaultNameSalt,omitempty"`
}

// VaultRename carries a new vault name sealed under the server password.
type VaultRename struct {
	EncryptedVaultName string `json:"encryptedVaultName"`
	VaultNameNonce     string `json:"vaultNameNonce"`
	VaultNameSalt      string `json:"vaultNameSalt"`
}
