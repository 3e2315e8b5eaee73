package cryptox

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrWeakSecret is returned when a master secret is too short to derive from.
var ErrWeakSecret = errors.New("cryptox: master secret must be at least 32 bytes")

// DeriveSecret expands master into a SecretSize key bound to label. Different
// labels yield independent keys, so one master secret can back several token
// classes without any of them validating against another.
func DeriveSecret(master []byte, label string) ([]byte, error) {
	if len(master) < SecretSize {
		return nil, ErrWeakSecret
	}

	out := make([]byte, SecretSize)
	r := hkdf.New(sha256.New, master, nil, []byte("relay/"+label))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("cryptox: derive %s secret: %w", label, err)
	}
	return out, nil
}
