package zipwindow

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/otadump/core/source"
)

type memSource struct {
	data []byte
}

func (m *memSource) Size() uint64 { return uint64(len(m.data)) }
func (m *memSource) Close() error { return nil }
func (m *memSource) ReadAt(_ context.Context, buf []byte, offset uint64) (int, error) {
	if offset >= uint64(len(m.data)) {
		return 0, source.ErrOffsetOutOfBounds
	}
	n := copy(buf, m.data[offset:])
	return n, nil
}

// buildStoredZip constructs a minimal ZIP archive with a single stored
// entry named payload.bin whose body starts with the payload magic. The
// commentLen parameter pads the archive comment to control the EOCD's
// distance from end-of-file (used to test the 22-byte and 65557-byte
// boundary cases from spec.md §8).
func buildStoredZip(t *testing.T, body []byte, commentLen int) []byte {
	t.Helper()
	name := "payload.bin"

	var buf []byte
	localOffset := len(buf)

	lhdr := make([]byte, 30)
	binary.LittleEndian.PutUint32(lhdr[0:4], sigLocalHeader)
	binary.LittleEndian.PutUint16(lhdr[8:10], 0) // stored
	binary.LittleEndian.PutUint32(lhdr[18:22], uint32(len(body)))
	binary.LittleEndian.PutUint32(lhdr[22:26], uint32(len(body)))
	binary.LittleEndian.PutUint16(lhdr[26:28], uint16(len(name)))
	buf = append(buf, lhdr...)
	buf = append(buf, name...)
	buf = append(buf, body...)

	cdStart := len(buf)
	cdhdr := make([]byte, 46)
	binary.LittleEndian.PutUint32(cdhdr[0:4], sigCentralDir)
	binary.LittleEndian.PutUint16(cdhdr[10:12], 0) // method: stored
	binary.LittleEndian.PutUint32(cdhdr[20:24], uint32(len(body)))
	binary.LittleEndian.PutUint32(cdhdr[24:28], uint32(len(body)))
	binary.LittleEndian.PutUint16(cdhdr[28:30], uint16(len(name)))
	binary.LittleEndian.PutUint32(cdhdr[42:46], uint32(localOffset))
	buf = append(buf, cdhdr...)
	buf = append(buf, name...)
	cdSize := len(buf) - cdStart

	eocd := make([]byte, 22)
	binary.LittleEndian.PutUint32(eocd[0:4], sigEOCD)
	binary.LittleEndian.PutUint16(eocd[8:10], 1)
	binary.LittleEndian.PutUint16(eocd[10:12], 1)
	binary.LittleEndian.PutUint32(eocd[12:16], uint32(cdSize))
	binary.LittleEndian.PutUint32(eocd[16:20], uint32(cdStart))
	binary.LittleEndian.PutUint16(eocd[20:22], uint16(commentLen))
	buf = append(buf, eocd...)
	buf = append(buf, make([]byte, commentLen)...)

	return buf
}

func TestLocateZeroLengthComment(t *testing.T) {
	body := append([]byte(payloadMagic), []byte("rest-of-payload")...)
	archive := buildStoredZip(t, body, 0)

	win, err := Locate(context.Background(), &memSource{data: archive})
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if win.Length != uint64(len(body)) {
		t.Errorf("window length = %d, want %d", win.Length, len(body))
	}
	got := archive[win.Start : win.Start+4]
	if string(got) != payloadMagic {
		t.Errorf("window does not point at payload magic: %q", got)
	}
}

func TestLocateMaxComment(t *testing.T) {
	body := append([]byte(payloadMagic), []byte("rest-of-payload")...)
	archive := buildStoredZip(t, body, maxCommentLen)

	win, err := Locate(context.Background(), &memSource{data: archive})
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if win.Length != uint64(len(body)) {
		t.Errorf("window length = %d, want %d", win.Length, len(body))
	}
}

func TestLocateRejectsCompressedEntry(t *testing.T) {
	body := append([]byte(payloadMagic), []byte("rest-of-payload")...)
	archive := buildStoredZip(t, body, 0)

	// Flip the local file header's method field (offset 8, file starts
	// with the local header) from stored (0) to DEFLATE (8).
	binary.LittleEndian.PutUint16(archive[8:10], 8)

	win, err := Locate(context.Background(), &memSource{data: archive})
	if err == nil {
		t.Fatalf("expected EntryCompressed error, got window %+v", win)
	}
}

func TestLocateEntryNotFound(t *testing.T) {
	archive := buildStoredZip(t, []byte(payloadMagic), 0)
	// Corrupt the name so it no longer matches payload.bin.
	nameIdx := 30
	copy(archive[nameIdx:nameIdx+11], []byte("not-payload"))
	cdNameIdx := len(archive) - 22 - 11
	copy(archive[cdNameIdx:cdNameIdx+11], []byte("not-payload"))

	_, err := Locate(context.Background(), &memSource{data: archive})
	if err == nil {
		t.Fatal("expected entry-not-found error")
	}
}
