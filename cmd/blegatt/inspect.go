package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blegatt/internal/bledb"
	"github.com/srg/blegatt/internal/gatt"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <device-address>",
	Short: "Inspect services, characteristics, and descriptors of a BLE device",
	Long: `Connects to a BLE device, discovers every service and prints the attribute tree.
With full discovery (the default) readable characteristics and all descriptors are read.

Examples:
  blegatt inspect AA:BB:CC:DD:EE:FF
  blegatt inspect AA:BB:CC:DD:EE:FF --json
  blegatt inspect AA:BB:CC:DD:EE:FF --transport bluez --essential`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var (
	inspectJSON      bool
	inspectEssential bool
)

func init() {
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Output as JSON")
	inspectCmd.Flags().BoolVar(&inspectEssential, "essential", false, "Skip reading values during discovery")
}

// deviceReport is the inspected attribute tree.
type deviceReport struct {
	Address  string          `json:"address"`
	MTU      int             `json:"mtu"`
	Services []serviceReport `json:"services"`
}

type serviceReport struct {
	UUID            string                 `json:"uuid"`
	Name            string                 `json:"name,omitempty"`
	Primary         bool                   `json:"primary"`
	StartHandle     string                 `json:"start_handle"`
	EndHandle       string                 `json:"end_handle"`
	Characteristics []characteristicReport `json:"characteristics"`
}

type characteristicReport struct {
	UUID        string             `json:"uuid"`
	Name        string             `json:"name,omitempty"`
	Handle      string             `json:"handle"`
	Properties  []string           `json:"properties"`
	Value       string             `json:"value,omitempty"`
	Descriptors []descriptorReport `json:"descriptors"`
}

type descriptorReport struct {
	UUID    string `json:"uuid"`
	Name    string `json:"name,omitempty"`
	Handle  string `json:"handle"`
	Value   string `json:"value,omitempty"`
	Decoded string `json:"decoded,omitempty"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if inspectEssential {
		cfg.Discovery = "essential"
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	sess, err := newSession(cfg, logger, gatt.Options{RemoteAddress: args[0]})
	if err != nil {
		return err
	}
	defer sess.Close()
	sess.showProgress(cmd.ErrOrStderr(), fmt.Sprintf("Inspecting %s", args[0]))

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ConnectTimeout+cfg.OperationTimeout)
	defer cancel()

	if err := sess.Connect(ctx); err != nil {
		return err
	}
	for _, svc := range sess.ctl.Services() {
		if err := sess.Details(ctx, svc, cfg.DiscoveryMode()); err != nil {
			return err
		}
	}

	sess.done()
	report := buildReport(sess.ctl)
	if inspectJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printReport(cmd.OutOrStdout(), report)
	return nil
}

func buildReport(ctl *gatt.Controller) deviceReport {
	report := deviceReport{Address: ctl.RemoteAddress(), MTU: ctl.MTU(), Services: []serviceReport{}}
	for _, svc := range ctl.Services() {
		sr := serviceReport{
			UUID:            bledb.Short(svc.UUID()),
			Name:            bledb.Lookup(svc.UUID()),
			Primary:         svc.IsPrimary(),
			StartHandle:     svc.StartHandle().String(),
			EndHandle:       svc.EndHandle().String(),
			Characteristics: []characteristicReport{},
		}
		for _, c := range svc.Characteristics() {
			cr := characteristicReport{
				UUID:        bledb.Short(c.UUID()),
				Name:        bledb.Lookup(c.UUID()),
				Handle:      c.Handle().String(),
				Properties:  append([]string{}, gatt.FormatProperties(c.Properties(), nil)...),
				Value:       hex.EncodeToString(c.Value()),
				Descriptors: []descriptorReport{},
			}
			for _, d := range c.Descriptors() {
				// malformed values are still shown as hex
				decoded, _ := bledb.DescribeDescriptor(d.UUID(), d.Value())
				cr.Descriptors = append(cr.Descriptors, descriptorReport{
					UUID:    bledb.Short(d.UUID()),
					Name:    bledb.Lookup(d.UUID()),
					Handle:  d.Handle().String(),
					Value:   hex.EncodeToString(d.Value()),
					Decoded: decoded,
				})
			}
			sr.Characteristics = append(sr.Characteristics, cr)
		}
		report.Services = append(report.Services, sr)
	}
	return report
}

var (
	serviceColor = color.New(color.FgCyan, color.Bold)
	charColor    = color.New(color.FgGreen)
	descColor    = color.New(color.FgYellow)
	faintColor   = color.New(color.Faint)
)

func labelled(uuid, name string) string {
	if name == "" {
		return uuid
	}
	return fmt.Sprintf("%s (%s)", uuid, name)
}

func printReport(w io.Writer, r deviceReport) {
	fmt.Fprintf(w, "Device %s  MTU %d\n", r.Address, r.MTU)
	for _, s := range r.Services {
		kind := "secondary"
		if s.Primary {
			kind = "primary"
		}
		fmt.Fprintf(w, "%s  %s  %s\n",
			serviceColor.Sprintf("Service %s", labelled(s.UUID, s.Name)),
			kind,
			faintColor.Sprintf("handles %s-%s", s.StartHandle, s.EndHandle))
		for _, c := range s.Characteristics {
			line := fmt.Sprintf("  %s  %s  %s",
				charColor.Sprintf("Characteristic %s", labelled(c.UUID, c.Name)),
				faintColor.Sprint(c.Handle),
				strings.Join(c.Properties, ","))
			if c.Value != "" {
				line += "  value: " + c.Value
			}
			fmt.Fprintln(w, line)
			for _, d := range c.Descriptors {
				line := fmt.Sprintf("    %s  %s",
					descColor.Sprintf("Descriptor %s", labelled(d.UUID, d.Name)),
					faintColor.Sprint(d.Handle))
				if d.Value != "" {
					line += "  value: " + d.Value
				}
				if d.Decoded != "" {
					line += " (" + d.Decoded + ")"
				}
				fmt.Fprintln(w, line)
			}
		}
	}
}
