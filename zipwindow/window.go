package zipwindow

import (
	"context"

	"github.com/otadump/core/source"
)

// Windowed composes any Positioned Source with an additive offset and an
// upper bound, translating reads of the wrapped payload.bin entry into
// reads of the underlying archive. It adds no state of its own — the
// wrapped source remains stateless per call, per spec.md §9's shared
// ownership design note.
type Windowed struct {
	inner  source.Source
	window Window
}

// NewWindowed wraps inner, exposing only the bytes in win.
func NewWindowed(inner source.Source, win Window) *Windowed {
	return &Windowed{inner: inner, window: win}
}

func (w *Windowed) Size() uint64 { return w.window.Length }

func (w *Windowed) Close() error { return w.inner.Close() }

func (w *Windowed) ReadAt(ctx context.Context, buf []byte, offset uint64) (int, error) {
	if err := checkBoundsLocal(offset, w.window.Length); err != nil {
		return 0, err
	}
	want := len(buf)
	if remaining := w.window.Length - offset; uint64(want) > remaining {
		want = int(remaining)
	}
	return w.inner.ReadAt(ctx, buf[:want], w.window.Start+offset)
}

func checkBoundsLocal(offset, size uint64) error {
	if offset >= size {
		return source.ErrOffsetOutOfBounds
	}
	return nil
}
