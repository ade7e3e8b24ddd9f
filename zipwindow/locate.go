// Package zipwindow locates the uncompressed payload.bin entry inside a
// ZIP archive and exposes it as an offset-translated Positioned Source,
// per spec.md §4.2.
package zipwindow

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/otadump/core/source"
)

var (
	ErrEOCDNotFound             = errors.New("zipwindow: end-of-central-directory record not found")
	ErrZIP64InconsistentLocator = errors.New("zipwindow: inconsistent ZIP64 locator")
	ErrEntryNotFound            = errors.New("zipwindow: payload.bin entry not found in archive")
	ErrEntryCompressed          = errors.New("zipwindow: payload.bin entry is compressed, only stored entries are supported")
	ErrLocalHeaderInvalid       = errors.New("zipwindow: local file header signature invalid")
	ErrPayloadMagicMismatch     = errors.New("zipwindow: data at located offset is not a payload envelope")
)

const (
	sigEOCD          = 0x06054b50
	sigEOCD64Locator = 0x07064b50
	sigEOCD64        = 0x06064b50
	sigCentralDir    = 0x02014b50
	sigLocalHeader   = 0x04034b50

	zip64ExtraID = 0x0001

	maxCommentLen = 65535
	eocdFixedLen  = 22
	scanChunk     = 8192

	payloadMagic = "CrAU"
)

// Window is the absolute byte range of a located entry within the archive.
type Window struct {
	Start  uint64
	Length uint64
}

// Locate finds the `payload.bin` (or `*/payload.bin`) entry in the ZIP
// archive backed by src and returns its absolute byte window. The entry
// must use compression method 0 (stored); any other method is rejected.
func Locate(ctx context.Context, src source.Source) (Window, error) {
	size := src.Size()

	eocdOff, eocd, err := findEOCD(ctx, src, size)
	if err != nil {
		return Window{}, err
	}

	cdOffset, cdEntryCount, err := centralDirectoryLocation(ctx, src, eocdOff, eocd, size)
	if err != nil {
		return Window{}, err
	}

	return walkCentralDirectory(ctx, src, cdOffset, cdEntryCount)
}

// findEOCD scans backwards from end-of-source in 8 KiB chunks looking for
// the EOCD signature, per spec.md §4.2 step 1. Returns the EOCD's absolute
// offset and its raw fixed-length bytes (the comment is not needed here).
func findEOCD(ctx context.Context, src source.Source, size uint64) (uint64, []byte, error) {
	maxScan := uint64(eocdFixedLen + maxCommentLen)
	if maxScan > size {
		maxScan = size
	}

	buf := make([]byte, 0, maxScan)
	scanned := uint64(0)
	for scanned < maxScan {
		chunk := uint64(scanChunk)
		if chunk > maxScan-scanned {
			chunk = maxScan - scanned
		}
		scanned += chunk

		start := size - scanned
		tmp := make([]byte, scanned)
		if err := source.ReadFull(ctx, src, tmp, start); err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrEOCDNotFound, err)
		}
		buf = tmp

		if idx := lastIndexSig(buf, sigEOCD); idx >= 0 {
			if idx+eocdFixedLen > len(buf) {
				continue
			}
			return start + uint64(idx), buf[idx : idx+eocdFixedLen], nil
		}
	}
	return 0, nil, ErrEOCDNotFound
}

func lastIndexSig(buf []byte, sig uint32) int {
	var sigBytes [4]byte
	binary.LittleEndian.PutUint32(sigBytes[:], sig)
	for i := len(buf) - 4; i >= 0; i-- {
		if buf[i] == sigBytes[0] && buf[i+1] == sigBytes[1] && buf[i+2] == sigBytes[2] && buf[i+3] == sigBytes[3] {
			return i
		}
	}
	return -1
}

// centralDirectoryLocation resolves the absolute offset and entry count of
// the central directory, following the ZIP64 locator when the EOCD's
// 32-bit offset field is the sentinel 0xFFFFFFFF.
func centralDirectoryLocation(ctx context.Context, src source.Source, eocdOff uint64, eocd []byte, size uint64) (uint64, uint16, error) {
	cdOffset32 := binary.LittleEndian.Uint32(eocd[16:20])
	entryCount := binary.LittleEndian.Uint16(eocd[10:12])

	if cdOffset32 != 0xFFFFFFFF {
		return uint64(cdOffset32), entryCount, nil
	}

	// ZIP64: the locator is the 20 bytes immediately preceding the EOCD.
	if eocdOff < 20 {
		return 0, 0, ErrZIP64InconsistentLocator
	}
	locator := make([]byte, 20)
	if err := source.ReadFull(ctx, src, locator, eocdOff-20); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrZIP64InconsistentLocator, err)
	}
	if binary.LittleEndian.Uint32(locator[0:4]) != sigEOCD64Locator {
		return 0, 0, ErrZIP64InconsistentLocator
	}
	zip64EOCDOff := binary.LittleEndian.Uint64(locator[8:16])

	hdr := make([]byte, 56)
	if err := source.ReadFull(ctx, src, hdr, zip64EOCDOff); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrZIP64InconsistentLocator, err)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != sigEOCD64 {
		return 0, 0, ErrZIP64InconsistentLocator
	}
	cdOffset := binary.LittleEndian.Uint64(hdr[48:56])
	count64 := binary.LittleEndian.Uint64(hdr[32:40])
	if count64 > 0xFFFF {
		count64 = 0xFFFF
	}
	return cdOffset, uint16(count64), nil
}

// walkCentralDirectory walks entries sequentially from cdOffset, parsing
// the 46-byte header plus name/extra/comment, resolving ZIP64 extra
// fields as needed, and returns the first match named payload.bin.
func walkCentralDirectory(ctx context.Context, src source.Source, cdOffset uint64, entryCount uint16) (Window, error) {
	off := cdOffset
	for i := uint16(0); i < entryCount; i++ {
		hdr := make([]byte, 46)
		if err := source.ReadFull(ctx, src, hdr, off); err != nil {
			return Window{}, fmt.Errorf("zipwindow: reading central directory entry %d: %w", i, err)
		}
		if binary.LittleEndian.Uint32(hdr[0:4]) != sigCentralDir {
			return Window{}, fmt.Errorf("zipwindow: central directory entry %d has bad signature", i)
		}

		method := binary.LittleEndian.Uint16(hdr[10:12])
		compSize := uint64(binary.LittleEndian.Uint32(hdr[20:24]))
		uncompSize := uint64(binary.LittleEndian.Uint32(hdr[24:28]))
		nameLen := binary.LittleEndian.Uint16(hdr[28:30])
		extraLen := binary.LittleEndian.Uint16(hdr[30:32])
		commentLen := binary.LittleEndian.Uint16(hdr[32:34])
		localOffset := uint64(binary.LittleEndian.Uint32(hdr[42:46]))

		name := make([]byte, nameLen)
		if err := source.ReadFull(ctx, src, name, off+46); err != nil {
			return Window{}, fmt.Errorf("zipwindow: reading entry %d name: %w", i, err)
		}
		extra := make([]byte, extraLen)
		if extraLen > 0 {
			if err := source.ReadFull(ctx, src, extra, off+46+uint64(nameLen)); err != nil {
				return Window{}, fmt.Errorf("zipwindow: reading entry %d extra field: %w", i, err)
			}
		}

		if compSize == 0xFFFFFFFF || uncompSize == 0xFFFFFFFF || localOffset == 0xFFFFFFFF {
			u, c, l, ok := parseZip64Extra(extra, uncompSize, compSize, localOffset)
			if ok {
				uncompSize, compSize, localOffset = u, c, l
			}
		}

		entryName := string(name)
		if entryName == "payload.bin" || strings.HasSuffix(entryName, "/payload.bin") {
			if method != 0 {
				return Window{}, ErrEntryCompressed
			}
			return resolveLocalHeader(ctx, src, localOffset, uncompSize)
		}

		off += 46 + uint64(nameLen) + uint64(extraLen) + uint64(commentLen)
	}
	return Window{}, ErrEntryNotFound
}

// parseZip64Extra reads the ZIP64 extended-information extra field
// (header id 0x0001), whose values appear in the order: uncompressed
// size, compressed size, local header offset — and only for the fields
// that were 0xFFFFFFFF in the fixed-size record, per the ZIP64 spec.
func parseZip64Extra(extra []byte, uncompSize, compSize, localOffset uint64) (u, c, l uint64, ok bool) {
	u, c, l = uncompSize, compSize, localOffset
	for len(extra) >= 4 {
		id := binary.LittleEndian.Uint16(extra[0:2])
		size := binary.LittleEndian.Uint16(extra[2:4])
		if len(extra) < int(4+size) {
			return u, c, l, ok
		}
		body := extra[4 : 4+size]
		if id == zip64ExtraID {
			pos := 0
			if uncompSize == 0xFFFFFFFF && pos+8 <= len(body) {
				u = binary.LittleEndian.Uint64(body[pos : pos+8])
				pos += 8
			}
			if compSize == 0xFFFFFFFF && pos+8 <= len(body) {
				c = binary.LittleEndian.Uint64(body[pos : pos+8])
				pos += 8
			}
			if localOffset == 0xFFFFFFFF && pos+8 <= len(body) {
				l = binary.LittleEndian.Uint64(body[pos : pos+8])
				pos += 8
			}
			ok = true
		}
		extra = extra[4+size:]
	}
	return u, c, l, ok
}

func resolveLocalHeader(ctx context.Context, src source.Source, localOffset, uncompSize uint64) (Window, error) {
	lhdr := make([]byte, 30)
	if err := source.ReadFull(ctx, src, lhdr, localOffset); err != nil {
		return Window{}, fmt.Errorf("zipwindow: reading local header: %w", err)
	}
	if binary.LittleEndian.Uint32(lhdr[0:4]) != sigLocalHeader {
		return Window{}, ErrLocalHeaderInvalid
	}
	localMethod := binary.LittleEndian.Uint16(lhdr[8:10])
	if localMethod != 0 {
		return Window{}, ErrEntryCompressed
	}
	localNameLen := binary.LittleEndian.Uint16(lhdr[26:28])
	localExtraLen := binary.LittleEndian.Uint16(lhdr[28:30])

	dataStart := localOffset + 30 + uint64(localNameLen) + uint64(localExtraLen)

	magic := make([]byte, 4)
	if err := source.ReadFull(ctx, src, magic, dataStart); err != nil {
		return Window{}, fmt.Errorf("zipwindow: reading payload magic: %w", err)
	}
	if string(magic) != payloadMagic {
		return Window{}, ErrPayloadMagicMismatch
	}

	return Window{Start: dataStart, Length: uncompSize}, nil
}
