// Package bspatch applies BSDF2 binary-diff patches — the Android
// revision of Colin Percival's bsdiff with a selectable per-section
// compressor, per spec.md §4.4.1.
package bspatch

import (
	"bytes"
	"compress/bzip2"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/DataDog/zstd"
	"github.com/andybalholm/brotli"
)

// Compressor names the per-section codec selected by the BSDF2 header.
type Compressor byte

const (
	CompressorNone   Compressor = 0
	CompressorBzip2  Compressor = 1
	CompressorBrotli Compressor = 2
	CompressorZstd   Compressor = 3
)

const magicPrefix = "BSDF2"

// ErrCorruptPatch signals a structurally invalid BSDF2 patch or a control
// triple that would write outside the declared output length. Per
// spec.md §4.4.1 these are warnings at the engine level, not fatal errors.
type ErrCorruptPatch struct {
	Reason string
}

func (e *ErrCorruptPatch) Error() string { return "bspatch: corrupt patch: " + e.Reason }

func corrupt(format string, args ...any) error {
	return &ErrCorruptPatch{Reason: fmt.Sprintf(format, args...)}
}

// Apply patches old using the BSDF2-format patch and returns the new
// image. old may be shorter than the offsets the patch reads: bytes past
// its end are treated as zero, matching bsdiff's classic behavior.
func Apply(old, patch []byte) ([]byte, error) {
	if len(patch) < 8 {
		return nil, corrupt("patch too short for header")
	}
	if string(patch[:5]) != magicPrefix {
		return nil, corrupt("bad magic %q", patch[:5])
	}
	ctrlComp := Compressor(patch[5])
	diffComp := Compressor(patch[6])
	extraComp := Compressor(patch[7])

	if len(patch) < 32 {
		return nil, corrupt("patch too short for section lengths")
	}
	lenControl := int64(binary.BigEndian.Uint64(patch[8:16]))
	lenDiff := int64(binary.BigEndian.Uint64(patch[16:24]))
	lenDst := int64(binary.BigEndian.Uint64(patch[24:32]))
	if lenControl < 0 || lenDiff < 0 || lenDst < 0 {
		return nil, corrupt("negative section length")
	}

	body := patch[32:]
	if int64(len(body)) < lenControl+lenDiff {
		return nil, corrupt("patch truncated before extra section")
	}
	controlSection := body[:lenControl]
	diffSection := body[lenControl : lenControl+lenDiff]
	extraSection := body[lenControl+lenDiff:]

	controlRaw, err := decompressSection(ctrlComp, controlSection)
	if err != nil {
		return nil, corrupt("control section: %v", err)
	}
	diffReader, err := decompressReader(diffComp, diffSection)
	if err != nil {
		return nil, corrupt("diff section: %v", err)
	}
	extraReader, err := decompressReader(extraComp, extraSection)
	if err != nil {
		return nil, corrupt("extra section: %v", err)
	}

	if len(controlRaw)%24 != 0 {
		return nil, corrupt("control section not a multiple of 24 bytes")
	}

	out := make([]byte, lenDst)
	var newPos, oldPos int64

	for off := 0; off < len(controlRaw); off += 24 {
		diffLen := int64(binary.BigEndian.Uint64(controlRaw[off : off+8]))
		extraLen := int64(binary.BigEndian.Uint64(controlRaw[off+8 : off+16]))
		seekAdjust := int64(binary.BigEndian.Uint64(controlRaw[off+16 : off+24]))

		if diffLen < 0 || extraLen < 0 {
			return nil, corrupt("negative diff/extra length in control triple")
		}
		if newPos+diffLen > lenDst {
			return nil, corrupt("diff run overflows destination")
		}

		diffBuf := make([]byte, diffLen)
		if _, err := io.ReadFull(diffReader, diffBuf); err != nil && err != io.ErrUnexpectedEOF {
			return nil, corrupt("reading diff run: %v", err)
		}
		for k := int64(0); k < diffLen; k++ {
			var oldByte byte
			if p := oldPos + k; p >= 0 && p < int64(len(old)) {
				oldByte = old[p]
			}
			out[newPos+k] = oldByte + diffBuf[k]
		}
		newPos += diffLen
		oldPos += diffLen

		if newPos+extraLen > lenDst {
			return nil, corrupt("extra run overflows destination")
		}
		if _, err := io.ReadFull(extraReader, out[newPos:newPos+extraLen]); err != nil && err != io.ErrUnexpectedEOF {
			return nil, corrupt("reading extra run: %v", err)
		}
		newPos += extraLen

		oldPos += seekAdjust
		if oldPos < 0 {
			return nil, corrupt("old position went negative after seek adjust")
		}
	}

	return out, nil
}

func decompressSection(c Compressor, data []byte) ([]byte, error) {
	r, err := decompressReader(c, data)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func decompressReader(c Compressor, data []byte) (io.Reader, error) {
	switch c {
	case CompressorNone:
		return bytes.NewReader(data), nil
	case CompressorBzip2:
		return bzip2.NewReader(bytes.NewReader(data)), nil
	case CompressorBrotli:
		return brotli.NewReader(bytes.NewReader(data)), nil
	case CompressorZstd:
		return zstd.NewReader(bytes.NewReader(data)), nil
	default:
		return nil, fmt.Errorf("unknown compressor id %d", c)
	}
}
