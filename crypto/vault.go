package crypto

import (
	"errors"
	"fmt"
	"log/slog"
)

// Vault bundles the at-rest cipher and the token signer.
type Vault struct {
	enc    Encryptor
	Signer *Signer
}

// NewVault builds a vault. An empty encryption key leaves credentials in
// plaintext (logged); an empty signing key uses a per-process random key.
func NewVault(encryptionKey, signingKey string) (*Vault, error) {
	v := &Vault{}
	if encryptionKey == "" {
		slog.Warn("ENCRYPTION_KEY not set, credentials will be stored in plaintext (not recommended for production)", slog.String("component", "vault"))
	} else {
		enc, err := NewAESEncryptor(encryptionKey)
		if err != nil {
			return nil, fmt.Errorf("init encryption: %w", err)
		}
		v.enc = enc
	}
	if signingKey == "" {
		slog.Warn("SIGNING_KEY not set, using a per-process key; sessions will not survive restarts", slog.String("component", "vault"))
	}
	s, err := NewSigner(signingKey)
	if err != nil {
		return nil, fmt.Errorf("init signer: %w", err)
	}
	v.Signer = s
	return v, nil
}

// Encryptor returns the at-rest cipher, or nil in plaintext mode.
func (v *Vault) Encryptor() Encryptor {
	if v == nil {
		return nil
	}
	return v.enc
}

// Seal encrypts s when encryption is configured, reporting the version
// written (1 encrypted, 0 plaintext).
func (v *Vault) Seal(s string) (string, int, error) {
	if v.Encryptor() == nil {
		return s, 0, nil
	}
	out, err := EncryptString(v.enc, s)
	if err != nil {
		return "", 0, err
	}
	return out, 1, nil
}

// Open reverses Seal for the given version.
func (v *Vault) Open(s string, version int) (string, error) {
	if version == 0 {
		return s, nil
	}
	if v.Encryptor() == nil {
		return "", errors.New("value is encrypted but ENCRYPTION_KEY not configured")
	}
	return DecryptString(v.enc, s)
}
