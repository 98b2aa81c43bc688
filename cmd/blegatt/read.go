package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/blegatt/internal/gatt"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> [char-uuid]",
	Short: "Read a characteristic or descriptor value",
	Long: `Reads a characteristic, or one of its descriptors, from a BLE device.

Examples:
  # Read Battery Level
  blegatt read AA:BB:CC:DD:EE:FF 2a19

  # Read with service disambiguation, as hex
  blegatt read AA:BB:CC:DD:EE:FF --service 180d --char 2a38 --hex

  # Read the Client Characteristic Configuration descriptor
  blegatt read AA:BB:CC:DD:EE:FF --service 180d --char 2a37 --desc 2902`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runRead,
}

var (
	readTarget targetFlags
	readHex    bool
)

func init() {
	readCmd.Flags().StringVar(&readTarget.service, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	readCmd.Flags().StringVar(&readTarget.char, "char", "", "Characteristic UUID")
	readCmd.Flags().StringVar(&readTarget.desc, "desc", "", "Descriptor UUID (reads descriptor instead of characteristic)")
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Output as hex string; raw bytes by default")
}

func runRead(cmd *cobra.Command, args []string) error {
	flags := readTarget
	if len(args) == 2 {
		flags.char = args[1]
	}
	if flags.char == "" {
		return fmt.Errorf("UUID required: provide as second argument or via --char")
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	sess, err := newSession(cfg, logger, gatt.Options{RemoteAddress: args[0]})
	if err != nil {
		return err
	}
	defer sess.Close()
	sess.showProgress(cmd.ErrOrStderr(), fmt.Sprintf("Reading from %s", args[0]))

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ConnectTimeout+cfg.OperationTimeout)
	defer cancel()

	if err := sess.Connect(ctx); err != nil {
		return err
	}
	t, err := sess.resolve(ctx, flags)
	if err != nil {
		return err
	}

	var value []byte
	if t.desc != nil {
		value, err = sess.ReadDescriptor(ctx, t.service, t.desc)
	} else {
		value, err = sess.ReadCharacteristic(ctx, t.service, t.char)
	}
	if err != nil {
		return err
	}

	sess.done()
	out := cmd.OutOrStdout()
	if readHex {
		fmt.Fprintln(out, hex.EncodeToString(value))
		return nil
	}
	_, err = out.Write(value)
	return err
}
