package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/srg/blegatt/internal/bledb"
	"github.com/srg/blegatt/internal/gatt"
)

// target is a resolved characteristic, and optionally one of its descriptors.
type target struct {
	service *gatt.Service
	char    *gatt.Characteristic
	desc    *gatt.Descriptor
}

// targetFlags selects an attribute from command flags.
type targetFlags struct {
	service string
	char    string
	desc    string
}

func parseUUIDFlag(name, value string) (uuid.UUID, error) {
	u, err := bledb.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return u, nil
}

// resolve finds the attribute named by f. Without a service, every service is searched
// and the characteristic must be unique.
func (s *session) resolve(ctx context.Context, f targetFlags) (*target, error) {
	if f.char == "" {
		return nil, fmt.Errorf("characteristic UUID required")
	}
	charUUID, err := parseUUIDFlag("char", f.char)
	if err != nil {
		return nil, err
	}

	var services []*gatt.Service
	if f.service != "" {
		svcUUID, err := parseUUIDFlag("service", f.service)
		if err != nil {
			return nil, err
		}
		svc, err := s.Service(ctx, svcUUID)
		if err != nil {
			return nil, err
		}
		services = []*gatt.Service{svc}
	} else {
		for _, svc := range s.ctl.Services() {
			if err := s.Details(ctx, svc, s.cfg.DiscoveryMode()); err != nil {
				return nil, err
			}
			services = append(services, svc)
		}
	}

	var matches []*target
	for _, svc := range services {
		if c := svc.Characteristic(charUUID); c != nil {
			matches = append(matches, &target{service: svc, char: c})
		}
	}
	switch len(matches) {
	case 0:
		return nil, &NotFoundError{Kind: "characteristic", UUID: charUUID}
	case 1:
	default:
		owners := make([]string, 0, len(matches))
		for _, m := range matches {
			owners = append(owners, bledb.Short(m.service.UUID()))
		}
		return nil, fmt.Errorf("characteristic %s is ambiguous, found in services %s; use --service",
			bledb.Short(charUUID), strings.Join(owners, ", "))
	}

	t := matches[0]
	if f.desc != "" {
		descUUID, err := parseUUIDFlag("desc", f.desc)
		if err != nil {
			return nil, err
		}
		if t.desc = t.char.Descriptor(descUUID); t.desc == nil {
			return nil, &NotFoundError{Kind: "descriptor", UUID: descUUID}
		}
	}
	return t, nil
}

// displayName renders a UUID with its assigned name when known.
func displayName(u uuid.UUID) string {
	if name := bledb.Lookup(u); name != "" {
		return fmt.Sprintf("%s (%s)", bledb.Short(u), name)
	}
	return bledb.Short(u)
}
