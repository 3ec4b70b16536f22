// ABOUTME: Event ID generation. IDs from one process increase strictly, so within a ledger
// ABOUTME: writer they sort in the same order as the store's sequence numbers.
package core

import (
	"crypto/rand"
	"sync"

	"github.com/oklog/ulid/v2"
)

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
	idLastMS  uint64
)

// NewULID returns an ID greater than every ID this process returned before,
// even when the wall clock steps backwards.
func NewULID() ulid.ULID {
	idMu.Lock()
	defer idMu.Unlock()

	ms := ulid.Now()
	if ms < idLastMS {
		ms = idLastMS
	}
	id, err := ulid.New(ms, idEntropy)
	if err != nil {
		// Monotonic entropy ran out inside one millisecond.
		ms++
		id = ulid.MustNew(ms, idEntropy)
	}
	idLastMS = ms
	return id
}
