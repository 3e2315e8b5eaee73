// Package idx generates sortable identifiers for connections, requests and
// audit rows.
package idx

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ID is a ULID, optionally carrying a short kind prefix ("conn_01J...").
type ID string

const sep = "_"

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a ULID for the current time. IDs created within the same
// millisecond still sort in creation order.
func New() ID {
	mu.Lock()
	defer mu.Unlock()
	return ID(ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String())
}

// Prefixed returns a new ID tagged with kind, e.g. Prefixed("conn").
func Prefixed(kind string) ID {
	return ID(kind + sep + New().String())
}

func (id ID) String() string { return string(id) }
