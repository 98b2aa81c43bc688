package bledb

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Well-known GATT descriptors
var (
	DescriptorExtendedProperties = From16(0x2900)
	DescriptorUserDescription    = From16(0x2901)
	DescriptorClientConfig       = From16(0x2902)
	DescriptorServerConfig       = From16(0x2903)
	DescriptorPresentationFormat = From16(0x2904)
	DescriptorValidRange         = From16(0x2906)
)

var formatNames = map[uint8]string{
	0x01: "boolean", 0x02: "uint2", 0x03: "uint4", 0x04: "uint8", 0x05: "uint12",
	0x06: "uint16", 0x07: "uint24", 0x08: "uint32", 0x09: "uint48", 0x0a: "uint64",
	0x0b: "uint128", 0x0c: "sint8", 0x0d: "sint12", 0x0e: "sint16", 0x0f: "sint24",
	0x10: "sint32", 0x11: "sint48", 0x12: "sint64", 0x13: "sint128", 0x14: "float32",
	0x15: "float64", 0x16: "sfloat", 0x17: "float", 0x18: "duint16", 0x19: "utf8s",
	0x1a: "utf16s", 0x1b: "struct",
}

// DescribeDescriptor renders the value of a well-known descriptor for humans. It returns
// "" for unknown descriptors and empty values, and an error for malformed values.
func DescribeDescriptor(u uuid.UUID, data []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	switch u {
	case DescriptorExtendedProperties:
		v, err := le16(data, "extended properties")
		if err != nil {
			return "", err
		}
		return flags(v, "reliable-write", "writable-auxiliaries"), nil
	case DescriptorUserDescription:
		s := strings.TrimRight(string(data), "\x00")
		if !utf8.ValidString(s) {
			return "", fmt.Errorf("invalid UTF-8 in user description")
		}
		return fmt.Sprintf("%q", s), nil
	case DescriptorClientConfig:
		v, err := le16(data, "client config")
		if err != nil {
			return "", err
		}
		return flags(v, "notifications", "indications"), nil
	case DescriptorServerConfig:
		v, err := le16(data, "server config")
		if err != nil {
			return "", err
		}
		return flags(v, "broadcasts"), nil
	case DescriptorPresentationFormat:
		if len(data) != 7 {
			return "", fmt.Errorf("invalid length for presentation format: expected 7, got %d", len(data))
		}
		format, ok := formatNames[data[0]]
		if !ok {
			format = fmt.Sprintf("0x%02x", data[0])
		}
		return fmt.Sprintf("format %s, exponent %d, unit 0x%04x", format, int8(data[1]),
			binary.LittleEndian.Uint16(data[2:4])), nil
	case DescriptorValidRange:
		if len(data) < 2 {
			return "", fmt.Errorf("invalid length for valid range: expected at least 2, got %d", len(data))
		}
		// odd lengths give the extra byte to max
		mid := len(data) / 2
		return fmt.Sprintf("min %s, max %s", hex.EncodeToString(data[:mid]), hex.EncodeToString(data[mid:])), nil
	}
	return "", nil
}

func le16(data []byte, what string) (uint16, error) {
	if len(data) != 2 {
		return 0, fmt.Errorf("invalid length for %s: expected 2, got %d", what, len(data))
	}
	return binary.LittleEndian.Uint16(data), nil
}

// flags names the set low bits of v; names[i] is bit i.
func flags(v uint16, names ...string) string {
	var set []string
	for i, name := range names {
		if v&(1<<i) != 0 {
			set = append(set, name)
		}
	}
	if len(set) == 0 {
		return "disabled"
	}
	return strings.Join(set, ",")
}
