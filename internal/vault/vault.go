// Package vault stores per-user secrets (Telegram session, GitHub token),
// sealing them with NaCl secretbox when a key is configured.
package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/tazhate/repobot/internal/domain"
	"github.com/tazhate/repobot/internal/storage"
)

const sealedPrefix = "sb1:"

var (
	ErrBadKey  = errors.New("vault key must be 32 bytes, base64 encoded")
	ErrSealed  = errors.New("credential is sealed but no vault key is configured")
	ErrCorrupt = errors.New("credential cannot be opened")
)

type Vault struct {
	repo storage.CredentialRepository
	key  *[32]byte
}

// ParseKey decodes a base64 (std or url) 32-byte key. Empty input yields nil.
func ParseKey(encoded string) (*[32]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(encoded)
	}
	if err != nil || len(raw) != 32 {
		return nil, ErrBadKey
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// New returns a vault over repo. A nil key stores secrets as given.
func New(repo storage.CredentialRepository, key *[32]byte) *Vault {
	return &Vault{repo: repo, key: key}
}

func (v *Vault) Sealing() bool { return v.key != nil }

func (v *Vault) Get(ctx context.Context, userID int64, kind domain.CredentialKind) (string, error) {
	stored, err := v.repo.GetCredential(ctx, userID, kind)
	if err != nil {
		return "", err
	}
	return v.open(stored)
}

// Has reports whether a credential exists without opening it.
func (v *Vault) Has(ctx context.Context, userID int64, kind domain.CredentialKind) (bool, error) {
	_, err := v.repo.GetCredential(ctx, userID, kind)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (v *Vault) Put(ctx context.Context, userID int64, kind domain.CredentialKind, secret string) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown credential kind %q", kind)
	}
	sealed, err := v.seal(secret)
	if err != nil {
		return err
	}
	return v.repo.PutCredential(ctx, userID, kind, sealed)
}

// Delete forgets a credential. Missing credentials are not an error.
func (v *Vault) Delete(ctx context.Context, userID int64, kind domain.CredentialKind) error {
	return v.repo.DeleteCredential(ctx, userID, kind)
}

func (v *Vault) seal(secret string) (string, error) {
	if v.key == nil {
		return secret, nil
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(secret), &nonce, v.key)
	return sealedPrefix + base64.StdEncoding.EncodeToString(box), nil
}

func (v *Vault) open(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		// written before a key was configured
		return stored, nil
	}
	if v.key == nil {
		return "", ErrSealed
	}
	box, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil || len(box) < 24 {
		return "", ErrCorrupt
	}
	var nonce [24]byte
	copy(nonce[:], box[:24])
	plain, ok := secretbox.Open(nil, box[24:], &nonce, v.key)
	if !ok {
		return "", ErrCorrupt
	}
	return string(plain), nil
}
