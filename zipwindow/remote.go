package zipwindow

import (
	"context"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/otadump/core/source"
)

const (
	remoteFastPathScan = 128 * 1024
	remoteMarker       = "payload.bin:"
)

// LocateRemote first tries the Android release-tooling fast path: scanning
// the last 128 KiB of the archive (which holds its comment) for a `name:offset:size,...`
// metadata block and trusting it if the bytes at offset begin with a ZIP
// local-header signature. Any parse failure falls back to the full
// central-directory walk in Locate, per spec.md §4.2.
func LocateRemote(ctx context.Context, src source.Source) (Window, error) {
	if w, ok := tryRemoteFastPath(ctx, src); ok {
		return w, nil
	}
	return Locate(ctx, src)
}

func tryRemoteFastPath(ctx context.Context, src source.Source) (Window, bool) {
	size := src.Size()
	scan := uint64(remoteFastPathScan)
	if scan > size {
		scan = size
	}
	start := size - scan
	buf := make([]byte, scan)
	if err := source.ReadFull(ctx, src, buf, start); err != nil {
		return Window{}, false
	}

	text := string(buf)
	idx := strings.LastIndex(text, remoteMarker)
	if idx < 0 {
		return Window{}, false
	}

	rest := text[idx+len(remoteMarker):]
	end := strings.IndexAny(rest, ",\x00")
	if end < 0 {
		end = len(rest)
	}
	field := rest[:end]

	parts := strings.SplitN(field, ":", 2)
	if len(parts) != 2 {
		return Window{}, false
	}
	offset, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return Window{}, false
	}
	storedLen, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return Window{}, false
	}

	sig := make([]byte, 4)
	if err := source.ReadFull(ctx, src, sig, offset); err != nil {
		return Window{}, false
	}
	if binary.LittleEndian.Uint32(sig) != sigLocalHeader {
		return Window{}, false
	}

	lhdr := make([]byte, 30)
	if err := source.ReadFull(ctx, src, lhdr, offset); err != nil {
		return Window{}, false
	}
	nameLen := binary.LittleEndian.Uint16(lhdr[26:28])
	extraLen := binary.LittleEndian.Uint16(lhdr[28:30])
	dataStart := offset + 30 + uint64(nameLen) + uint64(extraLen)

	magic := make([]byte, 4)
	if err := source.ReadFull(ctx, src, magic, dataStart); err != nil {
		return Window{}, false
	}
	if string(magic) != payloadMagic {
		return Window{}, false
	}

	return Window{Start: dataStart, Length: storedLen}, true
}
