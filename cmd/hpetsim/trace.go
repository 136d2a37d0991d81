package main

import (
	"fmt"
	"os"

	"github.com/tinyrange/hpetclock/internal/clock"
	"github.com/tinyrange/hpetclock/internal/timeslice"
)

const (
	kindTick timeslice.KindID = iota + 1
	kindRetry
)

var traceKinds = []timeslice.Kind{
	{Name: "tick", Flags: timeslice.FlagInterrupt},
	{Name: "retry", Flags: timeslice.FlagRetry},
}

// tickTrace is a no-op when no trace file was requested.
type tickTrace struct {
	f      *os.File
	w      *timeslice.Writer
	lastNs uint64
	err    error
}

func openTrace(path string) (*tickTrace, error) {
	if path == "" {
		return &tickTrace{}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trace: %w", err)
	}
	w, err := timeslice.NewWriter(f, traceKinds...)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &tickTrace{f: f, w: w}, nil
}

func (t *tickTrace) add(kind timeslice.KindID, cpu int, counter uint32, interval int64) {
	if t.w == nil || t.err != nil {
		return
	}
	t.err = t.w.Add(timeslice.Record{Kind: kind, CPU: uint32(cpu), Counter: uint64(counter), Interval: interval})
}

func (t *tickTrace) tick(cpu int, counter uint32, sources *clock.Sources) error {
	if t.w == nil {
		return nil
	}
	ns, err := sources.ReadNs()
	if err != nil {
		return err
	}
	t.add(kindTick, cpu, counter, int64(ns-t.lastNs))
	t.lastNs = ns
	return t.err
}

func (t *tickTrace) close() error {
	if t.w == nil {
		return nil
	}
	w, f := t.w, t.f
	t.w, t.f = nil, nil
	if err := w.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
