// Package envelope parses the fixed CrAU envelope that precedes the
// manifest in every payload, per spec.md §4.3.
package envelope

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/otadump/core/manifest"
	"github.com/otadump/core/source"
)

var (
	ErrMagicInvalid         = errors.New("envelope: magic is not CrAU")
	ErrVersionUnsupported   = errors.New("envelope: only payload version 2 is supported")
	ErrManifestDecodeFailed = errors.New("envelope: manifest decode failed")
)

const (
	magic          = "CrAU"
	supportedMajor = 2
	headerFixedLen = 4 + 8 + 8 + 4 // magic + version + manifest_size + signature_size
)

// Envelope is the result of parsing the payload header: the decoded
// manifest and the absolute source offset of the first operation-data
// byte (data_offset in spec.md §3).
type Envelope struct {
	Manifest   *manifest.DeltaArchiveManifest
	DataOffset uint64
}

// Parse reads the fixed envelope from the start of src and decodes the
// manifest that follows it, per spec.md §4.3's five-step algorithm.
func Parse(ctx context.Context, src source.Source) (*Envelope, error) {
	hdr := make([]byte, headerFixedLen)
	if err := source.ReadFull(ctx, src, hdr, 0); err != nil {
		return nil, fmt.Errorf("envelope: reading header: %w", err)
	}

	if string(hdr[0:4]) != magic {
		return nil, ErrMagicInvalid
	}
	version := binary.BigEndian.Uint64(hdr[4:12])
	if version != supportedMajor {
		return nil, fmt.Errorf("%w: got version %d", ErrVersionUnsupported, version)
	}
	manifestSize := binary.BigEndian.Uint64(hdr[12:20])
	signatureSize := binary.BigEndian.Uint32(hdr[20:24])

	manifestBuf := make([]byte, manifestSize)
	if err := source.ReadFull(ctx, src, manifestBuf, headerFixedLen); err != nil {
		return nil, fmt.Errorf("envelope: reading manifest: %w", err)
	}

	m, err := manifest.Unmarshal(manifestBuf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestDecodeFailed, err)
	}

	dataOffset := uint64(headerFixedLen) + manifestSize + uint64(signatureSize)
	return &Envelope{Manifest: m, DataOffset: dataOffset}, nil
}
