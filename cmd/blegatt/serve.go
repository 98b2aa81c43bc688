package main

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/srg/blegatt/internal/gatt"
	"github.com/srg/blegatt/pkg/profile"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a local GATT application described by a YAML profile",
	Long: `Publishes the services of a peripheral profile, advertises them and prints remote
accesses until interrupted. Requires a transport with peripheral support (goble).

Examples:
  blegatt serve --profile heart-rate.yaml
  blegatt serve --profile heart-rate.yaml --name my-sensor`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveProfile string
	serveName    string
)

func init() {
	serveCmd.Flags().StringVar(&serveProfile, "profile", "", "Peripheral profile (default: profile from config)")
	serveCmd.Flags().StringVar(&serveName, "name", "", "Advertised local name (default: profile name or advertising_name from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	path := serveProfile
	if path == "" {
		path = cfg.Profile
	}
	if path == "" {
		return fmt.Errorf("no profile: pass --profile or set profile in the config")
	}
	p, err := profile.Load(path)
	if err != nil {
		return err
	}
	services, err := p.ServiceData()
	if err != nil {
		return err
	}
	name := serveName
	if name == "" {
		name = p.Name
	}
	if name == "" {
		name = cfg.AdvertisingName
	}
	cmd.SilenceUsage = true

	sess, err := newSession(cfg, logger, gatt.Options{Role: gatt.RolePeripheral})
	if err != nil {
		return err
	}
	defer sess.Close()

	var advertised []uuid.UUID
	for _, data := range services {
		svc, err := sess.ctl.AddService(data)
		if err != nil {
			return fmt.Errorf("service %s: %w", displayName(data.UUID), err)
		}
		if svc.IsPrimary() {
			advertised = append(advertised, svc.UUID())
		}
	}

	out := cmd.OutOrStdout()
	failed := make(chan error, 1)
	stop := sess.ctl.OnEvent(func(ev gatt.Event) {
		if line := describeAccess(ev); line != "" {
			fmt.Fprintln(out, line)
		}
		if ev.Type == gatt.EventError {
			select {
			case failed <- ev.Err:
			default:
			}
		}
	})
	defer stop()

	sess.ctl.StartAdvertising(gatt.AdvertisingParams{LocalName: name, ServiceUUIDs: advertised})
	fmt.Fprintf(cmd.ErrOrStderr(), "Advertising %q with %d services\n", name, len(services))

	select {
	case err := <-failed:
		return err
	case <-cmd.Context().Done():
		return cmd.Context().Err()
	}
}

// describeAccess renders the events a served application reports.
func describeAccess(ev gatt.Event) string {
	switch ev.Type {
	case gatt.EventConnected:
		return "client connected"
	case gatt.EventDisconnected:
		return "client disconnected"
	case gatt.EventCharacteristicChanged:
		return fmt.Sprintf("write %s = %s", displayName(ev.Characteristic.UUID()), hex.EncodeToString(ev.Value))
	case gatt.EventDescriptorWritten:
		return fmt.Sprintf("write %s/%s = %s", displayName(ev.Characteristic.UUID()),
			displayName(ev.Descriptor.UUID()), hex.EncodeToString(ev.Value))
	case gatt.EventStateChanged:
		return "state " + ev.State.String()
	}
	return ""
}
