// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/agentexec/agentexec/pkg/logger"
	"github.com/agentexec/agentexec/pkg/store"
)

// signingKeyBits is the RSA modulus size for generated signing keys.
const signingKeyBits = 2048

// KeyManager owns the server's RS256 signing key. The key is loaded from
// the store on first use; a fresh pair is generated and persisted when none
// exists. Rotation is operator-driven: inserting a new active key and
// restarting picks it up.
type KeyManager struct {
	store store.Store

	mu      sync.RWMutex
	keyID   string
	private *rsa.PrivateKey
	jwks    []byte
}

// NewKeyManager creates a KeyManager.
func NewKeyManager(st store.Store) *KeyManager {
	return &KeyManager{store: st}
}

// Ensure loads or generates the active signing key.
func (k *KeyManager) Ensure(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.private != nil {
		return nil
	}

	var active *store.SigningKey
	err := k.store.View(ctx, func(tx store.ReadTx) error {
		if key, ok := tx.ActiveSigningKey(); ok {
			active = key
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}

	if active != nil {
		return k.importKey(active)
	}

	generated, err := k.generate(ctx)
	if err != nil {
		return err
	}
	logger.Infow("generated anonymous signing key", "key_id", generated.KeyID)
	return k.importKey(generated)
}

// KeyID returns the active key id.
func (k *KeyManager) KeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.keyID
}

// PrivateKey returns the cached private key.
func (k *KeyManager) PrivateKey() *rsa.PrivateKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.private
}

// PublicKey returns the verification key for a key id; nil when unknown.
func (k *KeyManager) PublicKey(keyID string) *rsa.PublicKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.private == nil || keyID != k.keyID {
		return nil
	}
	return &k.private.PublicKey
}

// JWKS returns the serialized public key set.
func (k *KeyManager) JWKS() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.jwks
}

func (k *KeyManager) generate(ctx context.Context) (*store.SigningKey, error) {
	private, err := rsa.GenerateKey(rand.Reader, signingKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return nil, fmt.Errorf("generate key id: %w", err)
	}
	keyID := "anon_key_" + hex.EncodeToString(suffix)

	privateJWK, err := exportJWK(private, keyID)
	if err != nil {
		return nil, err
	}
	publicJWK, err := exportJWK(private.Public(), keyID)
	if err != nil {
		return nil, err
	}

	record := &store.SigningKey{
		KeyID:      keyID,
		PrivateJWK: privateJWK,
		PublicJWK:  publicJWK,
		Active:     true,
	}
	err = k.store.Mutate(ctx, "", func(tx store.Tx) error {
		// Another instance may have raced the generation; prefer its key.
		if existing, ok := tx.ActiveSigningKey(); ok {
			record = existing
			return nil
		}
		record = tx.PutSigningKey(record)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist signing key: %w", err)
	}
	return record, nil
}

// importKey caches the private key and renders the public JWKS.
func (k *KeyManager) importKey(record *store.SigningKey) error {
	key, err := jwk.ParseKey(record.PrivateJWK)
	if err != nil {
		return fmt.Errorf("parse stored private JWK: %w", err)
	}
	var private rsa.PrivateKey
	if err := jwk.Export(key, &private); err != nil {
		return fmt.Errorf("import stored private JWK: %w", err)
	}

	public, err := jwk.ParseKey(record.PublicJWK)
	if err != nil {
		return fmt.Errorf("parse stored public JWK: %w", err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(public); err != nil {
		return fmt.Errorf("build JWKS: %w", err)
	}
	jwks, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("serialize JWKS: %w", err)
	}

	k.keyID = record.KeyID
	k.private = &private
	k.jwks = jwks
	return nil
}

// exportJWK serializes an RSA key (private or public) as a JWK with the
// standard signing metadata.
func exportJWK(raw any, keyID string) ([]byte, error) {
	key, err := jwk.Import(raw)
	if err != nil {
		return nil, fmt.Errorf("import key: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, keyID); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.AlgorithmKey, "RS256"); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, err
	}
	return json.Marshal(key)
}
