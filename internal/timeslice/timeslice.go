// Package timeslice records the intervals between clock events to a
// compact binary trace. A trace starts with a header and a JSON table of
// record kinds, padded to a 4 KiB boundary, followed by fixed size records.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

const (
	Magic   uint32 = 0x48505452 // "HPTR"
	Version uint32 = 1

	align = 4096
)

var ErrClosed = errors.New("timeslice: trace closed")

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

// KindID identifies a record kind within one trace.
type KindID uint32

type KindFlags uint32

const (
	// FlagInterrupt marks records taken in interrupt context.
	FlagInterrupt KindFlags = 1 << iota
	// FlagRetry marks records of failed programming attempts.
	FlagRetry
)

func (f KindFlags) String() string {
	var flags []string
	if f&FlagInterrupt != 0 {
		flags = append(flags, "irq")
	}
	if f&FlagRetry != 0 {
		flags = append(flags, "retry")
	}
	return strings.Join(flags, ",")
}

type Kind struct {
	Name  string    `json:"name"`
	Flags KindFlags `json:"flags,omitempty"`
}

// Record is one traced event. Interval is the emulated time since the
// previous record of the same CPU.
type Record struct {
	Kind     KindID
	CPU      uint32
	Counter  uint64
	Interval int64
}

var recordSize = binary.Size(Record{})

// Writer streams records to an io.Writer from a background goroutine.
type Writer struct {
	w     io.Writer
	kinds []Kind

	mu     sync.Mutex
	closed bool
	ch     chan Record
	done   chan error
}

// NewWriter writes the trace header for kinds. Record kinds are numbered
// from 1 in the order given.
func NewWriter(w io.Writer, kinds ...Kind) (*Writer, error) {
	table, err := json.Marshal(kinds)
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(table)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}
	if pad := padding(binary.Size(header{}) + len(table)); pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	tw := &Writer{
		w:     w,
		kinds: kinds,
		ch:    make(chan Record, 4096),
		done:  make(chan error, 1),
	}
	go tw.run()
	return tw, nil
}

func padding(off int) int {
	if off%align == 0 {
		return 0
	}
	return align - off%align
}

func (tw *Writer) run() {
	var buf [align]byte
	off := 0
	for rec := range tw.ch {
		if off+recordSize > len(buf) {
			if _, err := tw.w.Write(buf[:off]); err != nil {
				tw.done <- err
				// Drain so Add never blocks on a dead writer.
				for range tw.ch {
				}
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint32(buf[off:], uint32(rec.Kind))
		binary.LittleEndian.PutUint32(buf[off+4:], rec.CPU)
		binary.LittleEndian.PutUint64(buf[off+8:], rec.Counter)
		binary.LittleEndian.PutUint64(buf[off+16:], uint64(rec.Interval))
		off += recordSize
	}
	if off > 0 {
		if _, err := tw.w.Write(buf[:off]); err != nil {
			tw.done <- err
			return
		}
	}
	tw.done <- nil
}

// Add queues rec. It fails once the writer is closed or rec names an
// unknown kind.
func (tw *Writer) Add(rec Record) error {
	if rec.Kind == 0 || int(rec.Kind) > len(tw.kinds) {
		return fmt.Errorf("timeslice: unknown kind %d", rec.Kind)
	}
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.closed {
		return ErrClosed
	}
	tw.ch <- rec
	return nil
}

// Close flushes queued records and waits for the writer goroutine.
func (tw *Writer) Close() error {
	tw.mu.Lock()
	if tw.closed {
		tw.mu.Unlock()
		return ErrClosed
	}
	tw.closed = true
	close(tw.ch)
	tw.mu.Unlock()

	if err := <-tw.done; err != nil {
		return fmt.Errorf("timeslice: write records: %w", err)
	}
	return nil
}

// ReadAll decodes a trace and calls fn for every record in order.
func ReadAll(r io.Reader, fn func(kind Kind, rec Record) error) error {
	buf := bufio.NewReaderSize(r, align)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic %#x", hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	var kinds []Kind
	if err := json.NewDecoder(io.LimitReader(buf, int64(hdr.KindsLength))).Decode(&kinds); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}
	if _, err := buf.Discard(padding(binary.Size(hdr) + int(hdr.KindsLength))); err != nil {
		return fmt.Errorf("timeslice: skip padding: %w", err)
	}

	for {
		var rec Record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		if rec.Kind == 0 || int(rec.Kind) > len(kinds) {
			return fmt.Errorf("timeslice: unknown kind %d", rec.Kind)
		}
		if err := fn(kinds[rec.Kind-1], rec); err != nil {
			return err
		}
	}
}
