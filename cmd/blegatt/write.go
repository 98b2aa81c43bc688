package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/blegatt/internal/gatt"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <char-uuid> <data>",
	Short: "Write a characteristic or descriptor value",
	Long: `Writes data to a characteristic, or one of its descriptors.

Examples:
  # Write text
  blegatt write AA:BB:CC:DD:EE:FF 6e400002-b5a3-f393-e0a9-e50e24dcca9e "hello"

  # Write hex bytes without response
  blegatt write AA:BB:CC:DD:EE:FF 2a39 "01" --hex --without-response

  # Enable notifications by hand
  blegatt write AA:BB:CC:DD:EE:FF 2a37 "01 00" --hex --desc 2902`,
	Args: cobra.ExactArgs(3),
	RunE: runWrite,
}

var (
	writeTarget     targetFlags
	writeHex        bool
	writeNoResponse bool
)

func init() {
	writeCmd.Flags().StringVar(&writeTarget.service, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	writeCmd.Flags().StringVar(&writeTarget.desc, "desc", "", "Descriptor UUID (writes descriptor instead of characteristic)")
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Data is hex (e.g. '01 02', '01:02', '0x0102')")
	writeCmd.Flags().BoolVar(&writeNoResponse, "without-response", false, "Write without response")
}

// parseWriteData converts input string to bytes based on format flags
func parseWriteData(dataStr string, isHex bool) ([]byte, error) {
	if !isHex {
		return []byte(dataStr), nil
	}
	cleaned := strings.NewReplacer(" ", "", ":", "", "-", "", "0x", "").Replace(dataStr)
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return data, nil
}

func runWrite(cmd *cobra.Command, args []string) error {
	flags := writeTarget
	flags.char = args[1]
	data, err := parseWriteData(args[2], writeHex)
	if err != nil {
		return err
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
	sess.showProgress(cmd.ErrOrStderr(), fmt.Sprintf("Writing %d bytes to %s", len(data), args[0]))

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ConnectTimeout+cfg.OperationTimeout)
	defer cancel()

	if err := sess.Connect(ctx); err != nil {
		return err
	}
	t, err := sess.resolve(ctx, flags)
	if err != nil {
		return err
	}

	if t.desc != nil {
		err = sess.WriteDescriptor(ctx, t.service, t.desc, data)
	} else {
		mode := gatt.WriteWithResponse
		if writeNoResponse {
			mode = gatt.WriteWithoutResponse
		}
		err = sess.WriteCharacteristic(ctx, t.service, t.char, data, mode)
	}
	if err != nil {
		return err
	}
	sess.done()
	fmt.Fprintln(cmd.OutOrStdout(), "Write successful")
	return nil
}
