package main

import "github.com/tinyrange/hpetclock/internal/regs"

func openWindow(path string, base uint64, size int) (regs.Window, func() error, error) {
	w, err := regs.OpenMapped(path, base, size)
	if err != nil {
		return nil, nil, err
	}
	return w, w.Close, nil
}
