package service

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/aussiebroadwan/relay/internal/relay/domain"
	"github.com/aussiebroadwan/relay/pkg/cryptox"
)

var (
	ErrMissingSecret = errors.New("service: missing token secret")
	ErrSharedSecret  = errors.New("service: access and refresh secrets must differ")
)

// Secrets holds one HMAC key per token class.
type Secrets struct {
	Access  []byte
	Refresh []byte
}

// DeriveSecrets expands a single master secret into independent class keys.
func DeriveSecrets(master []byte) (Secrets, error) {
	access, err := cryptox.DeriveSecret(master, string(domain.ClassAccess))
	if err != nil {
		return Secrets{}, err
	}
	refresh, err := cryptox.DeriveSecret(master, string(domain.ClassRefresh))
	if err != nil {
		return Secrets{}, err
	}
	return Secrets{Access: access, Refresh: refresh}, nil
}

// EphemeralSecrets derives class keys from a random master secret. Tokens
// signed with them do not survive a restart.
func EphemeralSecrets() (Secrets, error) {
	master, err := cryptox.GenerateToken(cryptox.SecretSize)
	if err != nil {
		return Secrets{}, fmt.Errorf("service: generate master secret: %w", err)
	}
	return DeriveSecrets([]byte(master))
}

// For returns the key of class.
func (s Secrets) For(class domain.TokenClass) ([]byte, error) {
	switch class {
	case domain.ClassAccess:
		return s.Access, nil
	case domain.ClassRefresh:
		return s.Refresh, nil
	default:
		return nil, fmt.Errorf("service: unknown token class %q", class)
	}
}

func (s Secrets) Validate() error {
	if len(s.Access) == 0 || len(s.Refresh) == 0 {
		return ErrMissingSecret
	}
	if bytes.Equal(s.Access, s.Refresh) {
		return ErrSharedSecret
	}
	return nil
}
