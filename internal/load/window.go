package load

// MaxWindow bounds the load averaging window.
const MaxWindow = 64

// Window is a circular moving average over the last N loads. It is not
// safe for concurrent use; the scheduler loop owns it.
type Window struct {
	buf    []uint32
	next   int
	filled int
}

func NewWindow(size int) *Window {
	w := &Window{}
	w.Resize(size)
	return w
}

// Resize changes the window length, clamped to [1, MaxWindow], and clears it.
func (w *Window) Resize(size int) {
	if size < 1 {
		size = 1
	}
	if size > MaxWindow {
		size = MaxWindow
	}

	w.buf = make([]uint32, size)
	w.next, w.filled = 0, 0
}

func (w *Window) Size() int { return len(w.buf) }

// Push records v and returns the average of the recorded values.
func (w *Window) Push(v uint32) uint32 {
	w.buf[w.next] = v
	w.next = (w.next + 1) % len(w.buf)
	if w.filled < len(w.buf) {
		w.filled++
	}

	var sum uint64
	for i := 0; i < w.filled; i++ {
		sum += uint64(w.buf[i])
	}

	return uint32(sum / uint64(w.filled))
}

func (w *Window) Reset() {
	for i := range w.buf {
		w.buf[i] = 0
	}
	w.next, w.filled = 0, 0
}
