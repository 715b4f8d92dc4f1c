package models

import "github.com/google/uuid"

// Xid identifies a transaction.
type Xid string

// NewXid returns a fresh transaction identity.
func NewXid() Xid {
	return Xid(uuid.NewString())
}

// IsZero reports whether no identity is set.
func (x Xid) IsZero() bool {
	return x == ""
}

func (x Xid) String() string {
	return string(x)
}
