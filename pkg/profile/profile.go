// Package profile loads the peripheral profile served by `blegatt serve`.
//
// A profile is a YAML document:
//
//	name: heart-rate
//	services:
//	  - uuid: 180d
//	    characteristics:
//	      - uuid: 2a37
//	        properties: [read, notify]
//	        value: [0, 60]
//	        min_length: 1
//	        max_length: 4
//	        descriptors:
//	          - uuid: 2901
//	            value: HR
//
// Values are a string (taken as text), "hex:0a0b" for raw bytes, a number (one byte) or a
// list of numbers. Properties use the BlueZ flag vocabulary.
package profile

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cast"
	"github.com/srg/blegatt/internal/bledb"
	"github.com/srg/blegatt/internal/gatt"
	"gopkg.in/yaml.v3"
)

// Profile is the parsed document.
type Profile struct {
	Name     string    `yaml:"name"`
	Services []Service `yaml:"services"`
}

type Service struct {
	UUID            string           `yaml:"uuid"`
	Secondary       bool             `yaml:"secondary"`
	Characteristics []Characteristic `yaml:"characteristics"`
}

type Characteristic struct {
	UUID        string       `yaml:"uuid"`
	Properties  []string     `yaml:"properties"`
	Value       any          `yaml:"value"`
	MinLength   any          `yaml:"min_length"`
	MaxLength   any          `yaml:"max_length"`
	Descriptors []Descriptor `yaml:"descriptors"`
}

type Descriptor struct {
	UUID  string `yaml:"uuid"`
	Value any    `yaml:"value"`
}

// Load reads and parses a profile file. `~` is expanded.
func Load(path string) (*Profile, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("profile path %s: %w", path, err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	return Parse(data)
}

// Parse decodes a profile document.
func Parse(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	if len(p.Services) == 0 {
		return nil, fmt.Errorf("profile %q declares no services", p.Name)
	}
	return &p, nil
}

// ServiceData converts the profile into controller service definitions, in file order.
func (p *Profile) ServiceData() ([]gatt.ServiceData, error) {
	out := make([]gatt.ServiceData, 0, len(p.Services))
	for i, s := range p.Services {
		u, err := bledb.Parse(s.UUID)
		if err != nil {
			return nil, fmt.Errorf("services[%d]: %w", i, err)
		}
		data := gatt.ServiceData{UUID: u, Type: gatt.PrimaryService}
		if s.Secondary {
			data.Type = gatt.SecondaryService
		}
		for j, c := range s.Characteristics {
			char, err := c.data()
			if err != nil {
				return nil, fmt.Errorf("services[%d].characteristics[%d]: %w", i, j, err)
			}
			data.Characteristics = append(data.Characteristics, char)
		}
		out = append(out, data)
	}
	return out, nil
}

func (c Characteristic) data() (gatt.CharacteristicData, error) {
	u, err := bledb.Parse(c.UUID)
	if err != nil {
		return gatt.CharacteristicData{}, err
	}
	props := gatt.ParseProperties(c.Properties)
	if props == 0 {
		return gatt.CharacteristicData{}, fmt.Errorf("characteristic %s: no known properties in %v", c.UUID, c.Properties)
	}
	value, err := Bytes(c.Value)
	if err != nil {
		return gatt.CharacteristicData{}, fmt.Errorf("characteristic %s value: %w", c.UUID, err)
	}
	minLen, err := length(c.MinLength)
	if err != nil {
		return gatt.CharacteristicData{}, fmt.Errorf("characteristic %s min_length: %w", c.UUID, err)
	}
	maxLen, err := length(c.MaxLength)
	if err != nil {
		return gatt.CharacteristicData{}, fmt.Errorf("characteristic %s max_length: %w", c.UUID, err)
	}
	if maxLen > 0 && minLen > maxLen {
		return gatt.CharacteristicData{}, fmt.Errorf("characteristic %s: min_length %d exceeds max_length %d", c.UUID, minLen, maxLen)
	}

	data := gatt.CharacteristicData{
		UUID:       u,
		Properties: props,
		Value:      value,
		MinLength:  minLen,
		MaxLength:  maxLen,
	}
	for _, d := range c.Descriptors {
		du, err := bledb.Parse(d.UUID)
		if err != nil {
			return gatt.CharacteristicData{}, err
		}
		dv, err := Bytes(d.Value)
		if err != nil {
			return gatt.CharacteristicData{}, fmt.Errorf("descriptor %s value: %w", d.UUID, err)
		}
		data.Descriptors = append(data.Descriptors, gatt.DescriptorData{UUID: du, Value: dv})
	}
	return data, nil
}

func length(v any) (int, error) {
	if v == nil {
		return 0, nil
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative length %d", n)
	}
	return n, nil
}

// Bytes coerces a loosely typed YAML value into an attribute value.
func Bytes(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		if rest, ok := strings.CutPrefix(val, "hex:"); ok {
			return hex.DecodeString(strings.NewReplacer(" ", "", ":", "").Replace(rest))
		}
		return []byte(val), nil
	case []any:
		out := make([]byte, 0, len(val))
		for _, item := range val {
			b, err := cast.ToUint8E(item)
			if err != nil {
				return nil, err
			}
			out = append(out, b)
		}
		return out, nil
	default:
		b, err := cast.ToUint8E(val)
		if err != nil {
			return nil, err
		}
		return []byte{b}, nil
	}
}
