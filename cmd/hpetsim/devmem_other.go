//go:build !linux

package main

import (
	"errors"

	"github.com/tinyrange/hpetclock/internal/regs"
)

func openWindow(path string, base uint64, size int) (regs.Window, func() error, error) {
	return nil, nil, errors.New("physical memory access is only supported on linux")
}
