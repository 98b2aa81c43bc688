package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/srg/blegatt/internal/bledb"
	"github.com/srg/blegatt/internal/gatt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const heartRate = `
name: heart-rate
services:
  - uuid: "180d"
    characteristics:
      - uuid: "2a37"
        properties: [read, notify]
        value: [0, 60]
        min_length: 1
        max_length: "4"
        descriptors:
          - uuid: "2901"
            value: HR
      - uuid: "2a39"
        properties: [write]
        value: 0
  - uuid: "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
    secondary: true
    characteristics:
      - uuid: "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
        properties: [indicate, write-without-response, secure-read]
        value: "hex:0a 0b"
`

func TestServiceData(t *testing.T) {
	p, err := Parse([]byte(heartRate))
	require.NoError(t, err)
	assert.Equal(t, "heart-rate", p.Name)

	services, err := p.ServiceData()
	require.NoError(t, err)
	require.Len(t, services, 2)

	hr := services[0]
	assert.Equal(t, bledb.From16(0x180d), hr.UUID)
	assert.Equal(t, gatt.PrimaryService, hr.Type)
	require.Len(t, hr.Characteristics, 2)

	m := hr.Characteristics[0]
	assert.Equal(t, bledb.From16(0x2a37), m.UUID)
	assert.Equal(t, gatt.PropRead|gatt.PropNotify, m.Properties)
	assert.Equal(t, []byte{0, 60}, m.Value)
	assert.Equal(t, 1, m.MinLength)
	assert.Equal(t, 4, m.MaxLength, "quoted numbers MUST be coerced")
	require.Len(t, m.Descriptors, 1)
	assert.Equal(t, []byte("HR"), m.Descriptors[0].Value)

	assert.Equal(t, []byte{0}, hr.Characteristics[1].Value, "scalar numbers MUST become one byte")

	nus := services[1]
	assert.Equal(t, gatt.SecondaryService, nus.Type)
	assert.Equal(t, gatt.PropIndicate|gatt.PropWriteNoResponse, nus.Characteristics[0].Properties, "unknown tokens MUST be ignored")
	assert.Equal(t, []byte{0x0a, 0x0b}, nus.Characteristics[0].Value)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "no services", doc: "name: empty\n"},
		{name: "malformed yaml", doc: "services: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestServiceDataErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "bad service uuid",
			doc:  "services:\n  - uuid: nope\n",
		},
		{
			name: "no properties",
			doc:  "services:\n  - uuid: \"180d\"\n    characteristics:\n      - uuid: \"2a37\"\n        properties: [fancy]\n",
		},
		{
			name: "bad value",
			doc:  "services:\n  - uuid: \"180d\"\n    characteristics:\n      - uuid: \"2a37\"\n        properties: [read]\n        value: [-1]\n",
		},
		{
			name: "min above max",
			doc:  "services:\n  - uuid: \"180d\"\n    characteristics:\n      - uuid: \"2a37\"\n        properties: [read]\n        min_length: 5\n        max_length: 2\n",
		},
		{
			name: "bad hex",
			doc:  "services:\n  - uuid: \"180d\"\n    characteristics:\n      - uuid: \"2a37\"\n        properties: [read]\n        value: \"hex:zz\"\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse([]byte(tt.doc))
			require.NoError(t, err)
			_, err = p.ServiceData()
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(heartRate), 0o600))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, p.Services, 2)

	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
