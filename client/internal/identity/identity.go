// Package identity manages the client's long-lived Ed25519 keypair: the
// public key (DER-encoded, as AuthRequest.PublicKey expects) that SHA-256
// folds into the 256-bit UserId the rest of the protocol addresses, and the
// private key kept only to sign SignedChallenge. Persisted once so a user's
// identity — and everything the server has recorded against it (groups,
// proof level, channel membership) — survives restarts.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Identity is one user's persistent keypair.
type Identity struct {
	PublicKeyDER []byte
	PrivateKey   ed25519.PrivateKey
}

// UserID folds the DER-encoded public key the same way the server does:
// SHA-256(PublicKeyDER).
func (id Identity) UserID() [32]byte {
	return sha256.Sum256(id.PublicKeyDER)
}

// Sign produces a detached Ed25519 signature over challenge, suitable for
// AuthRequest.SignedChallenge.
func (id Identity) Sign(challenge []byte) []byte {
	return ed25519.Sign(id.PrivateKey, challenge)
}

type stored struct {
	Seed []byte `json:"seed"` // ed25519 seed; the keypair is rederived from it
}

func path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "voicechat", "identity.json"), nil
}

// LoadOrCreate reads the persisted identity, generating and saving a new one
// if none exists yet.
func LoadOrCreate() (Identity, error) {
	p, err := path()
	if err != nil {
		return Identity{}, fmt.Errorf("identity: resolve path: %w", err)
	}
	if data, err := os.ReadFile(p); err == nil {
		var s stored
		if err := json.Unmarshal(data, &s); err != nil {
			return Identity{}, fmt.Errorf("identity: parse %s: %w", p, err)
		}
		return fromSeed(s.Seed)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: generate keypair: %w", err)
	}
	seed := priv.Seed()
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return Identity{}, fmt.Errorf("identity: create config dir: %w", err)
	}
	data, err := json.Marshal(stored{Seed: seed})
	if err != nil {
		return Identity{}, err
	}
	if err := os.WriteFile(p, data, 0o600); err != nil {
		return Identity{}, fmt.Errorf("identity: save %s: %w", p, err)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: marshal public key: %w", err)
	}
	return Identity{PublicKeyDER: der, PrivateKey: priv}, nil
}

func fromSeed(seed []byte) (Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return Identity{}, fmt.Errorf("identity: corrupt seed (len %d)", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	der, err := x509.MarshalPKIXPublicKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return Identity{}, fmt.Errorf("identity: marshal public key: %w", err)
	}
	return Identity{PublicKeyDER: der, PrivateKey: priv}, nil
}
