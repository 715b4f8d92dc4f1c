package models

import "time"

// HandleKind is the type of backend sub-object a handle refers to.
type HandleKind string

const (
	HandleSession HandleKind = "session"
	HandleQuery   HandleKind = "query"
	HandleRecord  HandleKind = "record"
	HandleField   HandleKind = "field"
	HandleAction  HandleKind = "action"
)

// Valid reports whether k is a known kind.
func (k HandleKind) Valid() bool {
	switch k {
	case HandleSession, HandleQuery, HandleRecord, HandleField, HandleAction:
		return true
	}
	return false
}

// NeedsRelease reports whether the backend must be told when a handle of
// this kind is dropped. Only query and record objects hold native resources.
func (k HandleKind) NeedsRelease() bool {
	return k == HandleQuery || k == HandleRecord
}

// Handle is an opaque reference to a backend sub-object, owned by the
// session that created it.
type Handle struct {
	ID        int64      `json:"id"`
	Kind      HandleKind `json:"kind"`
	Origin    string     `json:"origin,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
