package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/blegatt/internal/gatt"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe <device-address> <char-uuid>",
	Short: "Print notifications or indications of a characteristic",
	Long: `Enables notifications (or indications) through the Client Characteristic
Configuration descriptor and prints each value as hex until interrupted.

Examples:
  blegatt subscribe AA:BB:CC:DD:EE:FF 2a37
  blegatt subscribe AA:BB:CC:DD:EE:FF 2a37 --count 10`,
	Args: cobra.ExactArgs(2),
	RunE: runSubscribe,
}

var (
	subscribeService string
	subscribeCount   int
)

func init() {
	subscribeCmd.Flags().StringVar(&subscribeService, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	subscribeCmd.Flags().IntVar(&subscribeCount, "count", 0, "Exit after this many values (0 runs until interrupted)")
}

// cccdValue selects notifications when offered, indications otherwise.
func cccdValue(props gatt.Properties) ([]byte, error) {
	switch {
	case props.Has(gatt.PropNotify):
		return []byte{0x01, 0x00}, nil
	case props.Has(gatt.PropIndicate):
		return []byte{0x02, 0x00}, nil
	default:
		return nil, errors.New("characteristic supports neither notify nor indicate")
	}
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	flags := targetFlags{service: subscribeService, char: args[1], desc: "2902"}

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
	sess.showProgress(cmd.ErrOrStderr(), fmt.Sprintf("Subscribing to %s", args[0]))

	setup, cancel := context.WithTimeout(cmd.Context(), cfg.ConnectTimeout+cfg.OperationTimeout)
	defer cancel()

	if err := sess.Connect(setup); err != nil {
		return err
	}
	t, err := sess.resolve(setup, flags)
	if err != nil {
		return err
	}
	enable, err := cccdValue(t.char.Properties())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	values := make(chan []byte, 16)
	stop := sess.ctl.OnEvent(func(ev gatt.Event) {
		if ev.Type == gatt.EventCharacteristicChanged && ev.Characteristic == t.char {
			select {
			case values <- ev.Value:
			default:
				logger.Warn("Dropping notification, output is behind")
			}
		}
	})
	defer stop()

	if err := sess.WriteDescriptor(setup, t.service, t.desc, enable); err != nil {
		return err
	}
	sess.done()
	fmt.Fprintf(cmd.ErrOrStderr(), "Subscribed to %s\n", displayName(t.char.UUID()))

	lost := make(chan struct{})
	stopLost := sess.ctl.OnEvent(func(ev gatt.Event) {
		if ev.Type == gatt.EventDisconnected {
			select {
			case <-lost:
			default:
				close(lost)
			}
		}
	})
	defer stopLost()

	ctx := cmd.Context()
	received := 0
	for subscribeCount == 0 || received < subscribeCount {
		select {
		case v := <-values:
			received++
			fmt.Fprintln(out, hex.EncodeToString(v))
		case <-lost:
			return ErrConnectionLost
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	teardown, cancelTeardown := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancelTeardown()
	return sess.WriteDescriptor(teardown, t.service, t.desc, []byte{0x00, 0x00})
}
