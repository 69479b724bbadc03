// Package vault provides encrypted at-rest storage for the OAuth
// credential triple (access token, refresh token, absolute expiry).
// Each field is sealed independently with ChaCha20-Poly1305; the file is
// written with owner-only permissions and carries a 90-day not-after
// stamp matching the refresh-token lifetime.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/furquan101/expense-dashboard/internal/domain"

	"golang.org/x/crypto/chacha20poly1305"
)

// sessionLifetime bounds how long a stored session stays loadable,
// matching the provider's refresh-token lifetime.
const sessionLifetime = 90 * 24 * time.Hour

// Vault is a file-backed implementation of port.TokenStore.
type Vault struct {
	aead cipher.AEAD
	path string
}

// fileRecord is the on-disk layout: three independently sealed values
// plus the plaintext not-after stamp.
type fileRecord struct {
	AccessToken  string `json:"at"`
	RefreshToken string `json:"rt"`
	ExpiresAt    string `json:"exp"`
	NotAfter     int64  `json:"notAfter"` // unix seconds
}

// New creates a vault at path, keyed by a 64-hex-character secret.
// The secret is external configuration, never derived from user input.
func New(secretHex, path string) (*Vault, error) {
	key, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("token encryption key is not valid hex: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("token encryption key must be %d hex characters", chacha20poly1305.KeySize*2)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	return &Vault{aead: aead, path: path}, nil
}

// Save seals and persists the credential triple. The expiry is stored as
// an absolute instant so restarts do not extend token life.
func (v *Vault) Save(accessToken, refreshToken string, expiresIn time.Duration) error {
	expiresAt := time.Now().Add(expiresIn).Unix()

	at, err := v.seal(accessToken)
	if err != nil {
		return err
	}
	rt, err := v.seal(refreshToken)
	if err != nil {
		return err
	}
	exp, err := v.seal(strconv.FormatInt(expiresAt, 10))
	if err != nil {
		return err
	}

	rec := fileRecord{
		AccessToken:  at,
		RefreshToken: rt,
		ExpiresAt:    exp,
		NotAfter:     time.Now().Add(sessionLifetime).Unix(),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return err
	}

	// Atomic replace so a crashed write never leaves a half-sealed file.
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, v.path)
}

// Load decrypts and reconstructs the stored session. Absence, expiry of
// the 90-day stamp, corruption and foreign ciphertext all yield
// (nil, nil) — the caller treats nil as "no stored session".
func (v *Vault) Load() (*domain.TokenRecord, error) {
	data, err := os.ReadFile(v.path)
	if err != nil {
		return nil, nil
	}

	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, nil
	}
	if rec.NotAfter != 0 && time.Now().Unix() > rec.NotAfter {
		return nil, nil
	}

	access, err := v.open(rec.AccessToken)
	if err != nil {
		return nil, nil
	}
	refresh, err := v.open(rec.RefreshToken)
	if err != nil {
		return nil, nil
	}
	expStr, err := v.open(rec.ExpiresAt)
	if err != nil {
		return nil, nil
	}
	expUnix, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return nil, nil
	}

	return &domain.TokenRecord{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    time.Unix(expUnix, 0),
	}, nil
}

// Clear removes the stored session.
func (v *Vault) Clear() error {
	err := os.Remove(v.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (v *Vault) seal(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (v *Vault) open(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(sealed) < v.aead.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, ciphertext := sealed[:v.aead.NonceSize()], sealed[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
