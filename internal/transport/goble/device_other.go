//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/blegatt/internal/gatt"
)

func newPlatformDevice() (ble.Device, error) {
	return nil, fmt.Errorf("%w: no go-ble device for %s", gatt.ErrUnsupported, runtime.GOOS)
}
