// Package queryid defines the 128-bit opaque identifiers used to name
// queries and fragment instances throughout the coordinator.
package queryid

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// ID is a 128-bit opaque identifier, split into two halves for cheap
// comparison and compact logging, matching the hi/lo convention used
// throughout the coordinator's logs.
type ID struct {
	Hi uint64
	Lo uint64
}

// IsZero reports whether id is the zero value (never a valid generated id).
func (id ID) IsZero() bool {
	return id.Hi == 0 && id.Lo == 0
}

// String renders the id as "hi:hex_lo:hex", the log-friendly form used in
// status messages and error logs.
func (id ID) String() string {
	return fmt.Sprintf("%x:%x", id.Hi, id.Lo)
}

// FilePath renders the id as "hi_lo" in hex, suitable as a directory or
// file name component (no colon, which is awkward on some filesystems).
func (id ID) FilePath() string {
	return fmt.Sprintf("%x_%x", id.Hi, id.Lo)
}

// Parse reconstructs an ID from its String() form.
func Parse(s string) (ID, error) {
	var hi, lo uint64
	if _, err := fmt.Sscanf(s, "%x:%x", &hi, &lo); err != nil {
		return ID{}, fmt.Errorf("queryid: invalid id %q: %w", s, err)
	}
	return ID{Hi: hi, Lo: lo}, nil
}

// New generates a fresh random ID backed by a version-4 UUID, split into
// two uint64 halves the same way the rest of the coordinator addresses
// queries and fragment instances.
func New() ID {
	u, err := uuid.NewRandom()
	if err != nil {
		// crypto/rand failure is unrecoverable; fall back to a raw read
		// so id generation never silently returns the zero id.
		var buf [16]byte
		_, _ = rand.Read(buf[:])
		return ID{
			Hi: binary.BigEndian.Uint64(buf[0:8]),
			Lo: binary.BigEndian.Uint64(buf[8:16]),
		}
	}
	b := u[:]
	return ID{
		Hi: binary.BigEndian.Uint64(b[0:8]),
		Lo: binary.BigEndian.Uint64(b[8:16]),
	}
}

// QueryID identifies a single query for its entire lifetime.
type QueryID = ID

// FragmentInstanceID identifies one instance of one fragment of a query,
// unique within that query.
type FragmentInstanceID = ID

// ChildFragmentInstanceID derives a fragment instance id from its owning
// query id and an index, so that fragment instance ids are reproducible
// without a second source of randomness and still compare unequal across
// fragments/instances of the same query.
func ChildFragmentInstanceID(query QueryID, fragmentIdx, instanceIdx int) FragmentInstanceID {
	return ID{
		Hi: query.Hi,
		Lo: query.Lo ^ (uint64(fragmentIdx)<<32 | uint64(uint32(instanceIdx))),
	}
}
