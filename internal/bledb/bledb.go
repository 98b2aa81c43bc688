// Package bledb resolves Bluetooth SIG UUIDs: it normalizes the textual forms users and
// transports hand us, converts them to 128-bit uuid.UUID values, and maps the well-known
// ones to their assigned names.
package bledb

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// sigBaseSuffix is the tail shared by every UUID derived from the Bluetooth base UUID
// 00000000-0000-1000-8000-00805f9b34fb.
const sigBaseSuffix = "00001000800000805f9b34fb"

// BaseUUID is the Bluetooth SIG base UUID.
var BaseUUID = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// NormalizeUUID converts a UUID string to the internal format (lowercase, no dashes).
// Braces and a 0x prefix are stripped. UUIDs built on the SIG base are shortened to their
// 16-bit (or 32-bit) alias, e.g. "0000180d-0000-1000-8000-00805f9b34fb" -> "180d".
func NormalizeUUID(s string) string {
	n := strings.ToLower(strings.TrimSpace(s))
	n = strings.TrimPrefix(strings.TrimSuffix(n, "}"), "{")
	n = strings.TrimPrefix(n, "0x")
	n = strings.ReplaceAll(n, "-", "")

	if len(n) == 32 && strings.HasSuffix(n, sigBaseSuffix) {
		n = n[:8]
	}
	if len(n) == 8 && strings.HasPrefix(n, "0000") {
		n = n[4:]
	}
	return n
}

// NormalizeUUIDs normalizes a slice of UUID strings.
func NormalizeUUIDs(uuids []string) []string {
	normalized := make([]string, len(uuids))
	for i, u := range uuids {
		normalized[i] = NormalizeUUID(u)
	}
	return normalized
}

// From16 returns the 128-bit form of a 16-bit SIG alias.
func From16(v uint16) uuid.UUID {
	return From32(uint32(v))
}

// From32 returns the 128-bit form of a 32-bit SIG alias.
func From32(v uint32) uuid.UUID {
	u := BaseUUID
	binary.BigEndian.PutUint32(u[:4], v)
	return u
}

// Parse accepts a 16-bit, 32-bit or 128-bit UUID in any of the forms NormalizeUUID
// understands.
func Parse(s string) (uuid.UUID, error) {
	n := NormalizeUUID(s)
	switch len(n) {
	case 4, 8:
		raw, err := hex.DecodeString(strings.Repeat("0", 8-len(n)) + n)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid UUID %q: %w", s, err)
		}
		return From32(binary.BigEndian.Uint32(raw)), nil
	case 32:
		raw, err := hex.DecodeString(n)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid UUID %q: %w", s, err)
		}
		return uuid.FromBytes(raw)
	default:
		return uuid.Nil, fmt.Errorf("invalid UUID %q: unexpected length %d", s, len(n))
	}
}

// MustParse is like Parse but panics on malformed input. Intended for constants.
func MustParse(s string) uuid.UUID {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// Short returns the normalized string form of u.
func Short(u uuid.UUID) string {
	return NormalizeUUID(u.String())
}

// LookupService returns the assigned name of a service UUID, or "" if unknown.
func LookupService(u string) string {
	return services[NormalizeUUID(u)]
}

// LookupCharacteristic returns the assigned name of a characteristic UUID, or "".
func LookupCharacteristic(u string) string {
	return characteristics[NormalizeUUID(u)]
}

// LookupDescriptor returns the assigned name of a descriptor UUID, or "".
func LookupDescriptor(u string) string {
	return descriptors[NormalizeUUID(u)]
}

// Lookup returns the name of u in any category.
func Lookup(u uuid.UUID) string {
	s := Short(u)
	if name, ok := services[s]; ok {
		return name
	}
	if name, ok := characteristics[s]; ok {
		return name
	}
	return descriptors[s]
}
