// Package ids implements the 128-bit identifiers used throughout the
// broker: peer ids, chunk ids, message ids and conversation ids.
package ids

import (
	"encoding/binary"
	"fmt"

	uuid "github.com/satori/go.uuid"
)

// ID is a 128-bit identifier. The zero value is Nil, the sentinel spec.md
// reserves for "no chunk" / "any".
type ID [16]byte

// Nil is the sentinel value meaning "no chunk" / "any" depending on context.
var Nil = ID{}

// New returns a fresh random identifier, stable for the lifetime of
// whatever it names (peer session, chunk, message, conversation).
func New() ID {
	return ID(uuid.NewV4())
}

// IsNil reports whether id is the Nil sentinel.
func (id ID) IsNil() bool {
	return id == Nil
}

// String renders the identifier in canonical UUID form.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Short renders the first 8 bytes in hex, matching the truncated-id logging
// idiom used throughout the teacher's peer-set code
// (fmt.Sprintf("%x", id[:8])).
func (id ID) Short() string {
	return fmt.Sprintf("%x", id[:8])
}

// MarshalJSON renders the id as its canonical string form.
func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

// UnmarshalJSON parses a canonical UUID string into id.
func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("ids: invalid id literal %q", data)
	}
	s := string(data[1 : len(data)-1])
	if s == "" {
		*id = Nil
		return nil
	}
	u, err := uuid.FromString(s)
	if err != nil {
		return fmt.Errorf("ids: %w", err)
	}
	*id = ID(u)
	return nil
}

// PutTo writes the 16 raw bytes of id into dst at offset 0 (dst must have
// len(dst) >= 16). Used by transport.Header.Encode, where ids are
// carried as fixed-width fields rather than JSON.
func (id ID) PutTo(dst []byte) {
	copy(dst, id[:])
}

// Parse parses a canonical UUID string into an ID, for flag/config values
// that carry an id as plain text rather than JSON.
func Parse(s string) (ID, error) {
	u, err := uuid.FromString(s)
	if err != nil {
		return ID{}, fmt.Errorf("ids: %w", err)
	}
	return ID(u), nil
}

// FromBytes reads 16 raw bytes into an ID.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) < 16 {
		return id, fmt.Errorf("ids: need 16 bytes, got %d", len(b))
	}
	copy(id[:], b[:16])
	return id, nil
}

// Uint64Pair returns the big-endian high/low 64-bit halves of id, useful as
// a map key fast-path or for compact logging.
func (id ID) Uint64Pair() (hi, lo uint64) {
	return binary.BigEndian.Uint64(id[0:8]), binary.BigEndian.Uint64(id[8:16])
}
