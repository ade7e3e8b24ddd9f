package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/DataDog/zstd"

	"github.com/otadump/core/manifest"
)

type memSource struct{ data []byte }

func (m *memSource) Size() uint64 { return uint64(len(m.data)) }
func (m *memSource) Close() error { return nil }
func (m *memSource) ReadAt(_ context.Context, buf []byte, offset uint64) (int, error) {
	n := copy(buf, m.data[offset:])
	return n, nil
}

func TestExtractPartitionTrivialZero(t *testing.T) {
	part := &manifest.PartitionUpdate{
		PartitionName: "zero_only",
		NewPartitionInfo: &manifest.PartitionInfo{
			Size: 4096,
		},
		Operations: []*manifest.InstallOperation{
			{
				Type:       manifest.OpZero,
				DstExtents: []manifest.Extent{{StartBlock: 0, NumBlocks: 1}},
			},
		},
	}

	outPath := filepath.Join(t.TempDir(), "zero_only.img")
	warnings, err := ExtractPartition(context.Background(), &memSource{}, part, 0, 4096, outPath, Options{})
	if err != nil {
		t.Fatalf("ExtractPartition: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 4096 {
		t.Fatalf("output length = %d, want 4096", len(data))
	}
	sum := sha256.Sum256(data)
	got := hex.EncodeToString(sum[:])
	want := "ad7facb2586fc6e966c004d7d1d16b024f5805ff7cb47c7a85dabd8b48892ca7"
	if got != want {
		t.Errorf("sha256 = %s, want %s", got, want)
	}
}

func TestExtractPartitionReplacePassthrough(t *testing.T) {
	literal := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	part := &manifest.PartitionUpdate{
		PartitionName: "literal",
		NewPartitionInfo: &manifest.PartitionInfo{
			Size: 16,
		},
		Operations: []*manifest.InstallOperation{
			{
				Type:       manifest.OpReplace,
				DataOffset: 0,
				DataLength: uint64(len(literal)),
				DstExtents: []manifest.Extent{{StartBlock: 0, NumBlocks: 1}},
			},
		},
	}

	outPath := filepath.Join(t.TempDir(), "literal.img")
	_, err := ExtractPartition(context.Background(), &memSource{data: literal}, part, 0, 16, outPath, Options{})
	if err != nil {
		t.Fatalf("ExtractPartition: %v", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, literal) {
		t.Errorf("got %v, want %v", data, literal)
	}
}

func TestExtractPartitionZstdMultiExtent(t *testing.T) {
	raw := append(bytes.Repeat([]byte{0xAA}, 4096), bytes.Repeat([]byte{0xBB}, 4096)...)
	compressed, err := zstd.Compress(nil, raw)
	if err != nil {
		t.Fatalf("zstd.Compress: %v", err)
	}

	var payload bytes.Buffer
	payload.Write(compressed)

	part := &manifest.PartitionUpdate{
		PartitionName: "multi",
		NewPartitionInfo: &manifest.PartitionInfo{
			Size: 8192,
		},
		Operations: []*manifest.InstallOperation{
			{
				Type:       manifest.OpZstd,
				DataOffset: 0,
				DataLength: uint64(payload.Len()),
				DstExtents: []manifest.Extent{{StartBlock: 0, NumBlocks: 1}, {StartBlock: 1, NumBlocks: 1}},
			},
		},
	}

	outPath := filepath.Join(t.TempDir(), "multi.img")
	warnings, err := ExtractPartition(context.Background(), &memSource{data: payload.Bytes()}, part, 0, 4096, outPath, Options{})
	if err != nil {
		t.Fatalf("ExtractPartition: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data[:4096], bytes.Repeat([]byte{0xAA}, 4096)) {
		t.Errorf("first extent mismatch")
	}
	if !bytes.Equal(data[4096:], bytes.Repeat([]byte{0xBB}, 4096)) {
		t.Errorf("second extent mismatch")
	}
}

func TestExtractPartitionUnimplementedTypeWarns(t *testing.T) {
	part := &manifest.PartitionUpdate{
		PartitionName: "discarded",
		NewPartitionInfo: &manifest.PartitionInfo{
			Size: 4096,
		},
		Operations: []*manifest.InstallOperation{
			{
				Type:       manifest.OpDiscard,
				DstExtents: []manifest.Extent{{StartBlock: 0, NumBlocks: 1}},
			},
		},
	}

	outPath := filepath.Join(t.TempDir(), "discarded.img")
	warnings, err := ExtractPartition(context.Background(), &memSource{}, part, 0, 4096, outPath, Options{})
	if err != nil {
		t.Fatalf("ExtractPartition: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected one warning, got %v", warnings)
	}
}
