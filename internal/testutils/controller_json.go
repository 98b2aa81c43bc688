package testutils

import (
	"encoding/hex"
	"encoding/json"

	"github.com/srg/blegatt/internal/bledb"
	"github.com/srg/blegatt/internal/gatt"
)

// ControllerJSON is a snapshot of a controller's attribute database.
type ControllerJSON struct {
	State    string        `json:"state"`
	MTU      int           `json:"mtu"`
	Services []ServiceJSON `json:"services"`
}

type ServiceJSON struct {
	UUID            string               `json:"uuid"`
	State           string               `json:"state"`
	Primary         bool                 `json:"primary"`
	Start           uint16               `json:"start"`
	End             uint16               `json:"end"`
	Characteristics []CharacteristicJSON `json:"characteristics"`
}

type CharacteristicJSON struct {
	UUID        string           `json:"uuid"`
	Handle      uint16           `json:"handle"`
	Properties  string           `json:"properties"`
	Value       string           `json:"value"`
	Descriptors []DescriptorJSON `json:"descriptors"`
}

type DescriptorJSON struct {
	UUID   string `json:"uuid"`
	Handle uint16 `json:"handle"`
	Value  string `json:"value"`
}

// ControllerToJSON renders the database of ctl. UUIDs use their short form and values
// are hex.
func ControllerToJSON(ctl *gatt.Controller) string {
	snapshot := ControllerJSON{
		State:    ctl.State().String(),
		MTU:      ctl.MTU(),
		Services: []ServiceJSON{},
	}
	for _, svc := range ctl.Services() {
		sj := ServiceJSON{
			UUID:            bledb.Short(svc.UUID()),
			State:           svc.State().String(),
			Primary:         svc.IsPrimary(),
			Start:           uint16(svc.StartHandle()),
			End:             uint16(svc.EndHandle()),
			Characteristics: []CharacteristicJSON{},
		}
		for _, c := range svc.Characteristics() {
			cj := CharacteristicJSON{
				UUID:        bledb.Short(c.UUID()),
				Handle:      uint16(c.Handle()),
				Properties:  c.Properties().String(),
				Value:       hex.EncodeToString(c.Value()),
				Descriptors: []DescriptorJSON{},
			}
			for _, d := range c.Descriptors() {
				cj.Descriptors = append(cj.Descriptors, DescriptorJSON{
					UUID:   bledb.Short(d.UUID()),
					Handle: uint16(d.Handle()),
					Value:  hex.EncodeToString(d.Value()),
				})
			}
			sj.Characteristics = append(sj.Characteristics, cj)
		}
		snapshot.Services = append(snapshot.Services, sj)
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		panic(err)
	}
	return string(data)
}
