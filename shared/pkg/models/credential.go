package models

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const maskedSecret = "*******"

// Credential identifies a backend resource and the principal that opens a
// session on it. It is the pool key; two credentials are equal when all three
// fields are equal.
type Credential struct {
	Resource  string `json:"resource" yaml:"resource" mapstructure:"resource"`
	Principal string `json:"principal" yaml:"principal" mapstructure:"principal"`
	Secret    string `json:"secret" yaml:"-" mapstructure:"secret"`
}

// NewCredential builds a credential.
func NewCredential(resource, principal, secret string) Credential {
	return Credential{Resource: resource, Principal: principal, Secret: secret}
}

// IsZero reports whether no field is set.
func (c Credential) IsZero() bool {
	return c == Credential{}
}

// Validate checks the fields a backend open requires.
func (c Credential) Validate() error {
	if c.Resource == "" {
		return fmt.Errorf("credential resource is required")
	}
	return nil
}

// String renders the credential with the secret masked.
func (c Credential) String() string {
	secret := ""
	if c.Secret != "" {
		secret = maskedSecret
	}
	return fmt.Sprintf("Credential{resource=%s, principal=%s, secret=%s}", c.Resource, c.Principal, secret)
}

// Label is a low-cardinality, secret-free name used for metrics.
func (c Credential) Label() string {
	if c.Principal == "" {
		return c.Resource
	}
	return c.Principal + "@" + c.Resource
}

// Fingerprint returns a stable digest of all three fields. Pool keys and log
// lines use it so the secret itself is never retained outside the credential.
func (c Credential) Fingerprint() string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(c.Resource))
	h.Write([]byte{0})
	h.Write([]byte(c.Principal))
	h.Write([]byte{0})
	h.Write([]byte(c.Secret))
	return hex.EncodeToString(h.Sum(nil)[:12])
}
