package gatt

import "strings"

// Properties is the characteristic property bit set (Core v5.3, Vol 3, Part G, 3.3.1.1).
type Properties uint8

const (
	PropBroadcasting     Properties = 0x01
	PropRead             Properties = 0x02
	PropWriteNoResponse  Properties = 0x04
	PropWrite            Properties = 0x08
	PropNotify           Properties = 0x10
	PropIndicate         Properties = 0x20
	PropWriteSigned      Properties = 0x40
	PropExtendedProperty Properties = 0x80
)

// Has reports whether all bits of p are set.
func (props Properties) Has(p Properties) bool {
	return props&p == p
}

// Any reports whether at least one bit of p is set.
func (props Properties) Any(p Properties) bool {
	return props&p != 0
}

var propertyNames = []struct {
	prop Properties
	name string
}{
	{PropBroadcasting, "Broadcast"},
	{PropRead, "Read"},
	{PropWriteNoResponse, "WriteWithoutResponse"},
	{PropWrite, "Write"},
	{PropNotify, "Notify"},
	{PropIndicate, "Indicate"},
	{PropWriteSigned, "AuthenticatedSignedWrites"},
	{PropExtendedProperty, "ExtendedProperties"},
}

func (props Properties) String() string {
	names := make([]string, 0, len(propertyNames))
	for _, p := range propertyNames {
		if props.Has(p.prop) {
			names = append(names, p.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseProperties decodes the transport's flag tokens. The vocabulary is closed; tokens
// outside it (encryption requirements, forward-compatible additions) are ignored.
func ParseProperties(tokens []string) Properties {
	var props Properties
	for _, token := range tokens {
		switch token {
		case "broadcast":
			props |= PropBroadcasting
		case "read":
			props |= PropRead
		case "write-without-response":
			props |= PropWriteNoResponse
		case "write":
			props |= PropWrite
		case "notify":
			props |= PropNotify
		case "indicate":
			props |= PropIndicate
		case "authenticated-signed-writes":
			props |= PropWriteSigned
		case "reliable-write", "writable-auxiliaries":
			props |= PropExtendedProperty
		}
	}
	return props
}

// FormatProperties encodes props as flag tokens for publication. Extended properties are
// expressed through reliable-write / writable-auxiliaries derived from the extended
// properties descriptor value, if one is given.
func FormatProperties(props Properties, extended []byte) []string {
	var tokens []string
	if props.Has(PropBroadcasting) {
		tokens = append(tokens, "broadcast")
	}
	if props.Has(PropWriteNoResponse) {
		tokens = append(tokens, "write-without-response")
	}
	if props.Has(PropRead) {
		tokens = append(tokens, "read")
	}
	if props.Has(PropWrite) {
		tokens = append(tokens, "write")
	}
	if props.Has(PropNotify) {
		tokens = append(tokens, "notify")
	}
	if props.Has(PropIndicate) {
		tokens = append(tokens, "indicate")
	}
	if props.Has(PropWriteSigned) {
		tokens = append(tokens, "authenticated-signed-writes")
	}
	if props.Has(PropExtendedProperty) && len(extended) == 2 {
		if extended[0]&0x01 != 0 {
			tokens = append(tokens, "reliable-write")
		}
		if extended[0]&0x02 != 0 {
			tokens = append(tokens, "writable-auxiliaries")
		}
	}
	return tokens
}
