package source

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLocalFileReadAt(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 100)
	path := writeTempFile(t, data)

	src, err := OpenLocalFile(path, 0)
	if err != nil {
		t.Fatalf("OpenLocalFile: %v", err)
	}
	defer src.Close()

	if src.Size() != uint64(len(data)) {
		t.Fatalf("Size() = %d, want %d", src.Size(), len(data))
	}

	buf := make([]byte, 20)
	n, err := src.ReadAt(context.Background(), buf, 50)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 20 {
		t.Fatalf("n = %d, want 20", n)
	}
	if !bytes.Equal(buf, data[50:70]) {
		t.Errorf("got %q, want %q", buf, data[50:70])
	}
}

func TestLocalFileReadAtClampsShortRead(t *testing.T) {
	data := []byte("0123456789")
	path := writeTempFile(t, data)

	src, err := OpenLocalFile(path, 0)
	if err != nil {
		t.Fatalf("OpenLocalFile: %v", err)
	}
	defer src.Close()

	buf := make([]byte, 20)
	n, err := src.ReadAt(context.Background(), buf, 5)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 5 {
		t.Fatalf("n = %d, want 5 (clamped to end-of-source)", n)
	}
	if !bytes.Equal(buf[:n], data[5:]) {
		t.Errorf("got %q, want %q", buf[:n], data[5:])
	}
}

func TestLocalFileReadAtRejectsOutOfBoundsOffset(t *testing.T) {
	path := writeTempFile(t, []byte("short"))

	src, err := OpenLocalFile(path, 0)
	if err != nil {
		t.Fatalf("OpenLocalFile: %v", err)
	}
	defer src.Close()

	_, err = src.ReadAt(context.Background(), make([]byte, 4), 100)
	if err != ErrOffsetOutOfBounds {
		t.Fatalf("err = %v, want ErrOffsetOutOfBounds", err)
	}
}

func TestLocalFileReadAtConcurrentUnderFDGate(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 4096)
	path := writeTempFile(t, data)

	// maxFDs=1 forces every concurrent ReadAt through the same semaphore
	// slot; correctness must hold regardless of how many callers queue up.
	src, err := OpenLocalFile(path, 1)
	if err != nil {
		t.Fatalf("OpenLocalFile: %v", err)
	}
	defer src.Close()

	const workers = 8
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func(offset uint64) {
			buf := make([]byte, 16)
			n, err := src.ReadAt(context.Background(), buf, offset)
			if err != nil {
				errCh <- err
				return
			}
			if n != 16 || !bytes.Equal(buf, data[offset:offset+16]) {
				errCh <- context.DeadlineExceeded
				return
			}
			errCh <- nil
		}(uint64(i * 16))
	}
	for i := 0; i < workers; i++ {
		if err := <-errCh; err != nil {
			t.Errorf("worker error: %v", err)
		}
	}
}

func TestLocalFileReadAtRespectsCancellation(t *testing.T) {
	path := writeTempFile(t, []byte("0123456789"))

	src, err := OpenLocalFile(path, 1)
	if err != nil {
		t.Fatalf("OpenLocalFile: %v", err)
	}
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Exhaust the single FD slot first so the next acquire must observe
	// ctx.Done() rather than proceeding.
	if err := src.gate.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("priming gate: %v", err)
	}
	defer src.gate.Release(1)

	_, err = src.ReadAt(ctx, make([]byte, 4), 0)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}
