//go:build !linux

package ble

import "errors"

// NewTinyGoStack is only available on Linux, where BlueZ supports the
// peripheral role.
func NewTinyGoStack() (Stack, error) {
	return nil, errors.New("ble: tinygo peripheral stack requires linux (BlueZ)")
}
