// Package engine implements the Operation Engine: given one partition
// record, it materialises the new image by applying each operation in
// manifest order, per spec.md §4.4.
package engine

import (
	"bytes"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/DataDog/zstd"
	"github.com/andybalholm/brotli"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"

	"github.com/otadump/core/bspatch"
	"github.com/otadump/core/manifest"
	"github.com/otadump/core/progress"
	"github.com/otadump/core/source"
)

// Warning describes a non-fatal problem encountered applying a single
// operation. The partition continues; hash verification typically catches
// the resulting corruption, per spec.md §4.4.
type Warning struct {
	PartitionName string
	OpIndex       int
	OpType        manifest.InstallOperationType
	Message       string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: op %d (%s): %s", w.PartitionName, w.OpIndex, w.OpType, w.Message)
}

// FatalError marks an I/O failure on the output (or required old-image)
// file — fatal to the partition, per spec.md §4.4's failure semantics.
type FatalError struct {
	PartitionName string
	Err           error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("engine: partition %s: %v", e.PartitionName, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Options configures one partition's extraction.
type Options struct {
	// OldImagePath, if non-empty, is opened read-only for differential
	// operation types. Required if the partition contains any.
	OldImagePath string
	Reporter     progress.Reporter
}

// ExtractPartition applies every operation in part, in manifest order,
// writing the result to outPath. dataOffset and blockSize come from the
// envelope and manifest respectively.
func ExtractPartition(ctx context.Context, src source.Source, part *manifest.PartitionUpdate, dataOffset uint64, blockSize uint32, outPath string, opts Options) ([]Warning, error) {
	reporter := opts.Reporter
	if reporter == nil {
		reporter = progress.NoOp{}
	}
	name := part.GetPartitionName()
	size := part.GetNewPartitionInfo().GetSize()

	outFile, err := os.Create(outPath)
	if err != nil {
		return nil, &FatalError{PartitionName: name, Err: fmt.Errorf("creating output: %w", err)}
	}
	defer outFile.Close()

	if err := preallocate(outFile, int64(size)); err != nil {
		return nil, &FatalError{PartitionName: name, Err: fmt.Errorf("preallocating output: %w", err)}
	}

	var oldFile *os.File
	if needsOldImage(part) {
		if opts.OldImagePath == "" {
			return nil, &FatalError{PartitionName: name, Err: fmt.Errorf("partition requires old image but none was supplied")}
		}
		oldFile, err = os.Open(opts.OldImagePath)
		if err != nil {
			return nil, &FatalError{PartitionName: name, Err: fmt.Errorf("opening old image: %w", err)}
		}
		defer oldFile.Close()
	}

	ops := part.GetOperations()
	reporter.OnStart(name, len(ops))

	var warnings []Warning
	for i, op := range ops {
		select {
		case <-ctx.Done():
			return warnings, &FatalError{PartitionName: name, Err: ctx.Err()}
		default:
		}

		w, err := applyOperation(ctx, src, op, i, name, dataOffset, blockSize, outFile, oldFile)
		if err != nil {
			return warnings, &FatalError{PartitionName: name, Err: err}
		}
		if w != nil {
			warnings = append(warnings, *w)
			if !reporter.OnWarning(name, i, w.Message) {
				return warnings, &FatalError{PartitionName: name, Err: fmt.Errorf("cancelled by progress reporter")}
			}
		}
		if !reporter.OnProgress(name, i+1, len(ops)) {
			return warnings, &FatalError{PartitionName: name, Err: fmt.Errorf("cancelled by progress reporter")}
		}
	}
	reporter.OnComplete(name)

	return warnings, nil
}

func needsOldImage(part *manifest.PartitionUpdate) bool {
	for _, op := range part.GetOperations() {
		if op.GetType().IsDifferential() {
			return true
		}
	}
	return false
}

// applyOperation dispatches on operation type. It returns a non-nil
// Warning for non-fatal problems (decompress/patch/decode failures,
// unimplemented types) and a non-nil error only for output I/O failures,
// which are fatal to the partition per spec.md §4.4.
func applyOperation(ctx context.Context, src source.Source, op *manifest.InstallOperation, index int, partName string, dataOffset uint64, blockSize uint32, out *os.File, oldFile *os.File) (*Warning, error) {
	typ := op.GetType()

	if !typ.Implemented() {
		return &Warning{PartitionName: partName, OpIndex: index, OpType: typ, Message: "operation type not implemented, skipped"}, nil
	}

	switch typ {
	case manifest.OpReplace, manifest.OpReplaceBZ, manifest.OpReplaceXZ:
		return applyReplaceFamily(ctx, src, op, index, partName, dataOffset, blockSize, out)
	case manifest.OpZstd:
		return applyZstd(ctx, src, op, index, partName, dataOffset, blockSize, out)
	case manifest.OpZero:
		return nil, applyZero(op, blockSize, out)
	case manifest.OpSourceCopy:
		return applySourceCopy(op, index, partName, blockSize, oldFile, out)
	case manifest.OpSourceBSDiff, manifest.OpBrotliBSDiff, manifest.OpLZ4DiffBSDiff:
		return applyBSDiffFamily(ctx, src, op, index, partName, dataOffset, blockSize, oldFile, out)
	default:
		return &Warning{PartitionName: partName, OpIndex: index, OpType: typ, Message: "unhandled operation type"}, nil
	}
}

func readOperationInput(ctx context.Context, src source.Source, op *manifest.InstallOperation, dataOffset uint64) ([]byte, error) {
	length := op.GetDataLength()
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if err := source.ReadFull(ctx, src, buf, dataOffset+op.GetDataOffset()); err != nil {
		return nil, err
	}
	return buf, nil
}

func applyReplaceFamily(ctx context.Context, src source.Source, op *manifest.InstallOperation, index int, partName string, dataOffset uint64, blockSize uint32, out *os.File) (*Warning, error) {
	extents := op.GetDstExtents()
	if len(extents) == 0 {
		return &Warning{PartitionName: partName, OpIndex: index, OpType: op.GetType(), Message: "no destination extent"}, nil
	}
	input, err := readOperationInput(ctx, src, op, dataOffset)
	if err != nil {
		return &Warning{PartitionName: partName, OpIndex: index, OpType: op.GetType(), Message: "reading operation input: " + err.Error()}, nil
	}

	var reader io.Reader = bytes.NewReader(input)
	switch op.GetType() {
	case manifest.OpReplaceBZ:
		reader = bzip2.NewReader(reader)
	case manifest.OpReplaceXZ:
		xr, err := xz.NewReader(reader)
		if err != nil {
			return &Warning{PartitionName: partName, OpIndex: index, OpType: op.GetType(), Message: "xz init failed: " + err.Error()}, nil
		}
		reader = xr
	}

	ext := extents[0]
	start, _ := ext.ByteRange(blockSize)

	if _, err := out.Seek(int64(start), io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking output: %w", err)
	}
	if _, err := io.Copy(out, reader); err != nil {
		return &Warning{PartitionName: partName, OpIndex: index, OpType: op.GetType(), Message: "decompress failed: " + err.Error()}, nil
	}
	return nil, nil
}

func applyZstd(ctx context.Context, src source.Source, op *manifest.InstallOperation, index int, partName string, dataOffset uint64, blockSize uint32, out *os.File) (*Warning, error) {
	extents := op.GetDstExtents()
	if len(extents) == 0 {
		return &Warning{PartitionName: partName, OpIndex: index, OpType: op.GetType(), Message: "no destination extent"}, nil
	}
	input, err := readOperationInput(ctx, src, op, dataOffset)
	if err != nil {
		return &Warning{PartitionName: partName, OpIndex: index, OpType: op.GetType(), Message: "reading operation input: " + err.Error()}, nil
	}

	zr := zstd.NewReader(bytes.NewReader(input))
	defer zr.Close()

	if len(extents) == 1 {
		ext := extents[0]
		start, _ := ext.ByteRange(blockSize)
		if _, err := out.Seek(int64(start), io.SeekStart); err != nil {
			return nil, fmt.Errorf("seeking output: %w", err)
		}
		if _, err := io.Copy(out, zr); err != nil {
			return &Warning{PartitionName: partName, OpIndex: index, OpType: op.GetType(), Message: "zstd decompress failed: " + err.Error()}, nil
		}
		return nil, nil
	}

	// Multiple destination extents: the decoder's output must be fully
	// decoded then distributed in order, per spec.md §4.4.
	decoded, err := io.ReadAll(zr)
	if err != nil {
		return &Warning{PartitionName: partName, OpIndex: index, OpType: op.GetType(), Message: "zstd decompress failed: " + err.Error()}, nil
	}

	var total uint64
	for _, ext := range extents {
		_, length := ext.ByteRange(blockSize)
		total += length
	}
	if uint64(len(decoded)) != total {
		return &Warning{PartitionName: partName, OpIndex: index, OpType: op.GetType(), Message: fmt.Sprintf("zstd output length %d does not match extent total %d", len(decoded), total)}, nil
	}

	pos := uint64(0)
	for _, ext := range extents {
		start, length := ext.ByteRange(blockSize)
		if _, err := out.Seek(int64(start), io.SeekStart); err != nil {
			return nil, fmt.Errorf("seeking output: %w", err)
		}
		if _, err := out.Write(decoded[pos : pos+length]); err != nil {
			return nil, fmt.Errorf("writing output: %w", err)
		}
		pos += length
	}
	return nil, nil
}

func applyZero(op *manifest.InstallOperation, blockSize uint32, out *os.File) error {
	zeroBuf := make([]byte, blockSize)
	for _, ext := range op.GetDstExtents() {
		start, length := ext.ByteRange(blockSize)
		if length == 0 {
			continue
		}
		if _, err := out.Seek(int64(start), io.SeekStart); err != nil {
			return fmt.Errorf("seeking output: %w", err)
		}
		remaining := length
		for remaining > 0 {
			chunk := uint64(len(zeroBuf))
			if chunk > remaining {
				chunk = remaining
			}
			if _, err := out.Write(zeroBuf[:chunk]); err != nil {
				return fmt.Errorf("writing zero fill: %w", err)
			}
			remaining -= chunk
		}
	}
	return nil
}

func applySourceCopy(op *manifest.InstallOperation, index int, partName string, blockSize uint32, oldFile *os.File, out *os.File) (*Warning, error) {
	if oldFile == nil {
		return &Warning{PartitionName: partName, OpIndex: index, OpType: op.GetType(), Message: "source copy requires old image"}, nil
	}
	buf, err := readExtents(oldFile, op.GetSrcExtents(), blockSize)
	if err != nil {
		return &Warning{PartitionName: partName, OpIndex: index, OpType: op.GetType(), Message: "reading source extents: " + err.Error()}, nil
	}
	if err := writeExtents(out, op.GetDstExtents(), blockSize, buf); err != nil {
		if errors.Is(err, errExtentOverflow) {
			return &Warning{PartitionName: partName, OpIndex: index, OpType: op.GetType(), Message: err.Error()}, nil
		}
		return nil, err
	}
	return nil, nil
}

func applyBSDiffFamily(ctx context.Context, src source.Source, op *manifest.InstallOperation, index int, partName string, dataOffset uint64, blockSize uint32, oldFile *os.File, out *os.File) (*Warning, error) {
	if oldFile == nil {
		return &Warning{PartitionName: partName, OpIndex: index, OpType: op.GetType(), Message: "diff operation requires old image"}, nil
	}
	oldBuf, err := readExtents(oldFile, op.GetSrcExtents(), blockSize)
	if err != nil {
		return &Warning{PartitionName: partName, OpIndex: index, OpType: op.GetType(), Message: "reading source extents: " + err.Error()}, nil
	}

	patchInput, err := readOperationInput(ctx, src, op, dataOffset)
	if err != nil {
		return &Warning{PartitionName: partName, OpIndex: index, OpType: op.GetType(), Message: "reading operation input: " + err.Error()}, nil
	}

	var patch []byte
	switch op.GetType() {
	case manifest.OpSourceBSDiff:
		patch = patchInput
	case manifest.OpBrotliBSDiff:
		patch, err = io.ReadAll(brotli.NewReader(bytes.NewReader(patchInput)))
		if err != nil {
			return &Warning{PartitionName: partName, OpIndex: index, OpType: op.GetType(), Message: "brotli decompress failed: " + err.Error()}, nil
		}
	case manifest.OpLZ4DiffBSDiff:
		patch, err = io.ReadAll(lz4.NewReader(bytes.NewReader(patchInput)))
		if err != nil {
			return &Warning{PartitionName: partName, OpIndex: index, OpType: op.GetType(), Message: "lz4 decompress failed: " + err.Error()}, nil
		}
	}

	newBuf, err := bspatch.Apply(oldBuf, patch)
	if err != nil {
		return &Warning{PartitionName: partName, OpIndex: index, OpType: op.GetType(), Message: "bspatch failed: " + err.Error()}, nil
	}

	if err := writeExtents(out, op.GetDstExtents(), blockSize, newBuf); err != nil {
		if errors.Is(err, errExtentOverflow) {
			return &Warning{PartitionName: partName, OpIndex: index, OpType: op.GetType(), Message: err.Error()}, nil
		}
		return nil, err
	}
	return nil, nil
}

// readExtents reads the ordered concatenation of extents' byte ranges
// from f into one contiguous buffer.
func readExtents(f *os.File, extents []manifest.Extent, blockSize uint32) ([]byte, error) {
	var total uint64
	for _, e := range extents {
		_, length := e.ByteRange(blockSize)
		total += length
	}
	buf := make([]byte, total)
	pos := uint64(0)
	for _, e := range extents {
		start, length := e.ByteRange(blockSize)
		if length == 0 {
			continue
		}
		if _, err := f.ReadAt(buf[pos:pos+length], int64(start)); err != nil {
			return nil, err
		}
		pos += length
	}
	return buf, nil
}

// errExtentOverflow marks a dst-extent total exceeding the decoded buffer
// length (the ExtentOverflow operation warning, non-fatal per spec.md §4.4)
// rather than an output I/O failure.
var errExtentOverflow = errors.New("buffer shorter than destination extents")

// writeExtents writes buf across extents in order, the inverse of
// readExtents.
func writeExtents(out *os.File, extents []manifest.Extent, blockSize uint32, buf []byte) error {
	pos := uint64(0)
	for _, e := range extents {
		start, length := e.ByteRange(blockSize)
		if length == 0 {
			continue
		}
		if pos+length > uint64(len(buf)) {
			return errExtentOverflow
		}
		if _, err := out.Seek(int64(start), io.SeekStart); err != nil {
			return fmt.Errorf("seeking output: %w", err)
		}
		if _, err := out.Write(buf[pos : pos+length]); err != nil {
			return fmt.Errorf("writing output: %w", err)
		}
		pos += length
	}
	return nil
}
