package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/srg/blegatt/internal/bledb"
	"github.com/srg/blegatt/internal/gatt"
)

// DefaultRemoteAddress is the address fake transports answer to.
const DefaultRemoteAddress = "AA:BB:CC:DD:EE:FF"

// DescriptorConfig represents a descriptor of a mocked remote device
type DescriptorConfig struct {
	UUID  string `json:"uuid"`
	Value []byte `json:"value,omitempty"`
}

// CharacteristicConfig represents a characteristic of a mocked remote device
type CharacteristicConfig struct {
	UUID        string             `json:"uuid"`
	Properties  string             `json:"properties,omitempty"` // e.g., "read,write,notify"
	Value       []byte             `json:"value,omitempty"`
	Descriptors []DescriptorConfig `json:"descriptors,omitempty"`
}

// ServiceConfig represents a service of a mocked remote device
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Secondary       bool                   `json:"secondary,omitempty"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceProfileConfig represents the complete attribute tree of a mocked remote device.
// Battery, when set, exposes the level through the narrow battery interface.
type DeviceProfileConfig struct {
	Services []ServiceConfig `json:"services"`
	Battery  *byte           `json:"battery,omitempty"`
}

// ProfileBuilder builds a FakeTransport serving a configured attribute tree
type ProfileBuilder struct {
	profile DeviceProfileConfig
	remote  string
}

// NewProfileBuilder creates an empty profile builder
func NewProfileBuilder() *ProfileBuilder {
	return &ProfileBuilder{remote: DefaultRemoteAddress}
}

// WithRemote overrides the remote device address
func (b *ProfileBuilder) WithRemote(address string) *ProfileBuilder {
	b.remote = address
	return b
}

// WithService adds a service to the device profile
func (b *ProfileBuilder) WithService(uuid string) *ProfileBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *ProfileBuilder) WithCharacteristic(uuid, properties string, value []byte) *ProfileBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	svc := &b.profile.Services[len(b.profile.Services)-1]
	svc.Characteristics = append(svc.Characteristics, CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
		Value:      value,
	})
	return b
}

// WithDescriptor adds a descriptor to the last added characteristic
func (b *ProfileBuilder) WithDescriptor(uuid string, value []byte) *ProfileBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithDescriptor: no service added yet, call WithService first")
	}
	svc := &b.profile.Services[len(b.profile.Services)-1]
	if len(svc.Characteristics) == 0 {
		panic("WithDescriptor: no characteristic added yet, call WithCharacteristic first")
	}
	char := &svc.Characteristics[len(svc.Characteristics)-1]
	char.Descriptors = append(char.Descriptors, DescriptorConfig{UUID: uuid, Value: value})
	return b
}

// WithBattery exposes a battery level through the narrow battery interface
func (b *ProfileBuilder) WithBattery(level byte) *ProfileBuilder {
	b.profile.Battery = &level
	return b
}

// FromJSON fills the device profile from JSON
func (b *ProfileBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *ProfileBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config DeviceProfileConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("ProfileBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	b.profile = config
	return b
}

// Remote returns the remote device address
func (b *ProfileBuilder) Remote() string {
	return b.remote
}

// Profile returns the configured profile
func (b *ProfileBuilder) Profile() DeviceProfileConfig {
	return b.profile
}

// Build creates a FakeTransport serving the configured profile. Object addresses follow
// the BlueZ layout: <remote>/serviceXXXX/charXXXX/descXXXX.
func (b *ProfileBuilder) Build() *FakeTransport {
	t := newFakeTransport(b.remote)
	handle := 0
	for _, sc := range b.profile.Services {
		handle++
		svcAddr := fmt.Sprintf("%s/service%04x", b.remote, handle)
		t.addEntry(b.remote, gatt.AttributeEntry{
			Address: svcAddr,
			Parent:  b.remote,
			Kind:    gatt.KindService,
			UUID:    bledb.MustParse(sc.UUID),
			Primary: !sc.Secondary,
		})
		for _, cc := range sc.Characteristics {
			handle++
			charAddr := fmt.Sprintf("%s/char%04x", svcAddr, handle)
			t.addEntry(svcAddr, gatt.AttributeEntry{
				Address: charAddr,
				Parent:  svcAddr,
				Kind:    gatt.KindCharacteristic,
				UUID:    bledb.MustParse(cc.UUID),
				Tokens:  splitTokens(cc.Properties),
			})
			t.values[charAddr] = cc.Value
			for _, dc := range cc.Descriptors {
				handle++
				descAddr := fmt.Sprintf("%s/desc%04x", charAddr, handle)
				t.addEntry(svcAddr, gatt.AttributeEntry{
					Address: descAddr,
					Parent:  charAddr,
					Kind:    gatt.KindDescriptor,
					UUID:    bledb.MustParse(dc.UUID),
				})
				t.values[descAddr] = dc.Value
			}
		}
	}
	if b.profile.Battery != nil {
		batteryAddr := b.remote + "/battery"
		t.addEntry(b.remote, gatt.AttributeEntry{
			Address: batteryAddr,
			Parent:  b.remote,
			Kind:    gatt.KindBattery,
		})
		t.values[batteryAddr] = []byte{*b.profile.Battery}
	}
	return t
}

// BuildBattery creates a fake that also implements gatt.BatteryInterface
func (b *ProfileBuilder) BuildBattery() *FakeBatteryTransport {
	if b.profile.Battery == nil {
		b.WithBattery(0)
	}
	return &FakeBatteryTransport{FakeTransport: b.Build()}
}

// BuildToggler creates a fake that also implements gatt.NotifyToggler
func (b *ProfileBuilder) BuildToggler() *FakeTogglerTransport {
	return &FakeTogglerTransport{FakeTransport: b.Build()}
}

func splitTokens(props string) []string {
	if props == "" {
		return nil
	}
	tokens := strings.Split(props, ",")
	for i := range tokens {
		tokens[i] = strings.TrimSpace(tokens[i])
	}
	return tokens
}
