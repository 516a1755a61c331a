// Package vaultcrypto holds the primitives behind end-to-end encryption:
// password-based key derivation, sync key wrapping and per-value
// encryption. Nothing here touches the network or the local store.
package vaultcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/alexjbarnes/vault-mirror/internal/models"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation.
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// KeySize is the length of sync keys and derived KEKs in bytes.
	KeySize = 32

	// SaltSize is the length of freshly generated KDF salts in bytes.
	SaltSize = 16
)

// ErrAuthentication is returned when AES-GCM rejects the tag, which
// means the key (and so the password it came from) is wrong or the
// ciphertext was tampered with.
var ErrAuthentication = errors.New("message authentication failed")

// GenerateKey returns a fresh random sync key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	return key, nil
}

// GenerateSalt returns a fresh random KDF salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	return salt, nil
}

// DeriveKEK derives a key-encryption key from password and salt with
// scrypt. The password is normalized to NFKC first so the same
// passphrase typed on different platforms yields the same key.
func DeriveKEK(password string, salt []byte) ([]byte, error) {
	password = norm.NFKC.String(password)

	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, KeySize)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	return key, nil
}

// ZeroKey overwrites the key material in the given slice.
func ZeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

// Cipher seals and opens payloads with AES-256-GCM. The nonce travels
// separately from the ciphertext, matching the wire format where every
// encrypted field has a sibling nonce field.
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher creates a cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length %d, want %d", len(key), KeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Cipher{gcm: gcm}, nil
}

// Seal encrypts plaintext under a random nonce.
func (c *Cipher) Seal(plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}

	return c.gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open decrypts ciphertext. A tag mismatch yields ErrAuthentication.
func (c *Cipher) Open(ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != c.gcm.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}

	plaintext, err := c.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthentication
	}

	return plaintext, nil
}

// SealString is Seal with base64 encoding on both outputs.
func (c *Cipher) SealString(plaintext []byte) (string, string, error) {
	ct, nonce, err := c.Seal(plaintext)
	if err != nil {
		return "", "", err
	}

	return base64.StdEncoding.EncodeToString(ct), base64.StdEncoding.EncodeToString(nonce), nil
}

// OpenString is Open for base64 encoded inputs.
func (c *Cipher) OpenString(ciphertext, nonce string) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}

	n, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}

	return c.Open(ct, n)
}

// EncryptValue encrypts the {"value": ...} envelope of v.
func (c *Cipher) EncryptValue(v models.Value) (string, string, error) {
	plain, err := models.EncodeEnvelope(v)
	if err != nil {
		return "", "", err
	}

	return c.SealString(plain)
}

// DecryptValue reverses EncryptValue.
func (c *Cipher) DecryptValue(ciphertext, nonce string) (models.Value, error) {
	plain, err := c.OpenString(ciphertext, nonce)
	if err != nil {
		return models.Value{}, err
	}

	return models.DecodeEnvelope(plain)
}

// Wrapped is a secret sealed under a password-derived key, with
// everything needed to unwrap it again except the password.
type Wrapped struct {
	Ciphertext string
	Nonce      string
	Salt       string
}

// WrapWithPassword seals secret under a KEK derived from password and a
// fresh salt.
func WrapWithPassword(secret []byte, password string) (Wrapped, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return Wrapped{}, err
	}

	kek, err := DeriveKEK(password, salt)
	if err != nil {
		return Wrapped{}, err
	}
	defer ZeroKey(kek)

	c, err := NewCipher(kek)
	if err != nil {
		return Wrapped{}, err
	}

	ct, nonce, err := c.SealString(secret)
	if err != nil {
		return Wrapped{}, err
	}

	return Wrapped{
		Ciphertext: ct,
		Nonce:      nonce,
		Salt:       base64.StdEncoding.EncodeToString(salt),
	}, nil
}

// UnwrapWithPassword reverses WrapWithPassword. A wrong password shows
// up as ErrAuthentication.
func UnwrapWithPassword(w Wrapped, password string) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(w.Salt)
	if err != nil {
		return nil, fmt.Errorf("decoding salt: %w", err)
	}

	kek, err := DeriveKEK(password, salt)
	if err != nil {
		return nil, err
	}
	defer ZeroKey(kek)

	c, err := NewCipher(kek)
	if err != nil {
		return nil, err
	}

	return c.OpenString(w.Ciphertext, w.Nonce)
}
