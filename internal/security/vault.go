// Package security holds the credential vault that seals wallet secrets at rest.
//
// Sealed blob layout (base64, standard padding):
//
//	salt (16) ‖ nonce (12) ‖ tag (16) ‖ ciphertext
//
// The AES-256 key is derived per blob from the master secret with
// PBKDF2-HMAC-SHA256, so two seals of the same plaintext never match.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"

	"golang.org/x/crypto/pbkdf2"

	"github.com/satsjar/satsjar/internal/domain"
)

const (
	saltSize   = 16
	nonceSize  = 12
	tagSize    = 16
	keySize    = 32
	iterations = 100_000

	// minSealedLen is the base64 length of a blob with an empty plaintext.
	minSealedLen = ((saltSize + nonceSize + tagSize + 2) / 3) * 4
)

// DevMasterKey is used when no master secret is configured. It is public,
// so anything sealed with it is only obfuscated.
const DevMasterKey = "satsjar-insecure-development-master-key"

// UnsealError reports that a blob could not be opened. It wraps
// domain.ErrCredentialsUnusable so callers prompt for re-configuration.
type UnsealError struct {
	Reason string
}

// Error implements error.
func (e *UnsealError) Error() string { return "unseal: " + e.Reason }

// Unwrap ties every unseal failure to ErrCredentialsUnusable.
func (e *UnsealError) Unwrap() error { return domain.ErrCredentialsUnusable }

// Vault seals and unseals secrets with a master secret.
type Vault struct {
	master   []byte
	insecure bool
	rand     io.Reader
}

// NewVault builds a vault. An empty master secret falls back to DevMasterKey
// and logs that production use needs a real secret.
func NewVault(master string) *Vault {
	v := &Vault{master: []byte(master), rand: rand.Reader}
	if master == "" {
		v.master = []byte(DevMasterKey)
		v.insecure = true
		log.Printf("[vault] WARNING: SATSJAR_MASTER_KEY is not set; using the development fallback key. " +
			"Wallet credentials are NOT protected. Set a real master secret in production.")
	}
	return v
}

// Insecure reports whether the vault runs on the development fallback key.
func (v *Vault) Insecure() bool { return v.insecure }

func (v *Vault) deriveKey(salt []byte) []byte {
	return pbkdf2.Key(v.master, salt, iterations, keySize, sha256.New)
}

// Seal encrypts plaintext and returns a base64 blob.
func (v *Vault) Seal(plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(v.rand, salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(v.rand, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}

	aead, err := newGCM(v.deriveKey(salt))
	if err != nil {
		return "", err
	}

	// GCM appends the tag to the ciphertext; move it in front.
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, saltSize+nonceSize+tagSize+len(ct))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Unseal decrypts a blob produced by Seal. Any failure is an *UnsealError;
// ciphertext is never returned as if it were plaintext.
func (v *Vault) Unseal(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", &UnsealError{Reason: "not a sealed value"}
	}
	if len(raw) < saltSize+nonceSize+tagSize {
		return "", &UnsealError{Reason: "sealed value is too short"}
	}

	salt := raw[:saltSize]
	nonce := raw[saltSize : saltSize+nonceSize]
	tag := raw[saltSize+nonceSize : saltSize+nonceSize+tagSize]
	ct := raw[saltSize+nonceSize+tagSize:]

	aead, err := newGCM(v.deriveKey(salt))
	if err != nil {
		return "", &UnsealError{Reason: err.Error()}
	}
	payload := make([]byte, 0, len(ct)+tagSize)
	payload = append(payload, ct...)
	payload = append(payload, tag...)

	plain, err := aead.Open(nil, nonce, payload, nil)
	if err != nil {
		return "", &UnsealError{Reason: "authentication failed (tampered value or wrong master key)"}
	}
	return string(plain), nil
}

// LooksSealed is a structural heuristic used only to migrate legacy
// plaintext values. It must not be used for security decisions.
func LooksSealed(value string) bool {
	if len(value) < minSealedLen {
		return false
	}
	_, err := base64.StdEncoding.DecodeString(value)
	return err == nil
}

// IsUnsealError reports whether err came from a failed unseal.
func IsUnsealError(err error) bool {
	var ue *UnsealError
	return errors.As(err, &ue)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}
