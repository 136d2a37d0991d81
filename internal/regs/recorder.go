package regs

import "sync"

// Access is a single recorded register access.
type Access struct {
	Write bool
	Off   uint32
	Value uint32
}

// Recorder wraps a Window and keeps a log of every access made through it.
type Recorder struct {
	w Window

	mu  sync.Mutex
	log []Access
}

func NewRecorder(w Window) *Recorder {
	return &Recorder{w: w}
}

func (r *Recorder) Read32(off uint32) uint32 {
	v := r.w.Read32(off)
	r.append(Access{Off: off, Value: v})
	return v
}

func (r *Recorder) Write32(off uint32, v uint32) {
	r.w.Write32(off, v)
	r.append(Access{Write: true, Off: off, Value: v})
}

func (r *Recorder) append(a Access) {
	r.mu.Lock()
	r.log = append(r.log, a)
	r.mu.Unlock()
}

// Accesses returns a copy of the access log.
func (r *Recorder) Accesses() []Access {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Access(nil), r.log...)
}

// Writes returns only the recorded writes.
func (r *Recorder) Writes() []Access {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Access
	for _, a := range r.log {
		if a.Write {
			out = append(out, a)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.log = r.log[:0]
	r.mu.Unlock()
}

var _ Window = (*Recorder)(nil)
