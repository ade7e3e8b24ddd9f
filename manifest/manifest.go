// Package manifest decodes the Protocol-Buffers DeltaArchiveManifest that
// follows the payload envelope. There is no protoc-generated code here:
// the message set is small, fixed, and shared bit-for-bit with the Android
// update_engine schema, so the types are hand-written and decoded directly
// off the wire with protowire, the same low-level package protoc-gen-go's
// output builds on.
package manifest

import "fmt"

// InstallOperationType is the operation tag carried on InstallOperation.Type.
type InstallOperationType int32

const (
	OpReplace       InstallOperationType = 0
	OpReplaceBZ     InstallOperationType = 1
	OpSourceCopy    InstallOperationType = 2
	OpSourceBSDiff  InstallOperationType = 3
	OpZero          InstallOperationType = 6
	OpDiscard       InstallOperationType = 7
	OpReplaceXZ     InstallOperationType = 8
	OpPuffDiff      InstallOperationType = 9
	OpBrotliBSDiff  InstallOperationType = 10
	OpZstd          InstallOperationType = 11
	OpLZ4DiffBSDiff InstallOperationType = 12
	OpZucchini      InstallOperationType = 13
)

func (t InstallOperationType) String() string {
	switch t {
	case OpReplace:
		return "REPLACE"
	case OpReplaceBZ:
		return "REPLACE_BZ"
	case OpSourceCopy:
		return "SOURCE_COPY"
	case OpSourceBSDiff:
		return "SOURCE_BSDIFF"
	case OpZero:
		return "ZERO"
	case OpDiscard:
		return "DISCARD"
	case OpReplaceXZ:
		return "REPLACE_XZ"
	case OpPuffDiff:
		return "PUFFDIFF"
	case OpBrotliBSDiff:
		return "BROTLI_BSDIFF"
	case OpZstd:
		return "ZSTD"
	case OpLZ4DiffBSDiff:
		return "LZ4DIFF_BSDIFF"
	case OpZucchini:
		return "ZUCCHINI"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(t))
	}
}

// IsDifferential reports whether an operation of this type reads from an
// old-partition image via SrcExtents.
func (t InstallOperationType) IsDifferential() bool {
	switch t {
	case OpSourceCopy, OpSourceBSDiff, OpBrotliBSDiff, OpLZ4DiffBSDiff, OpPuffDiff, OpZucchini:
		return true
	default:
		return false
	}
}

// Implemented reports whether the Operation Engine knows how to apply this
// operation type. DISCARD, PUFFDIFF, ZUCCHINI and any future tag are not.
func (t InstallOperationType) Implemented() bool {
	switch t {
	case OpReplace, OpReplaceBZ, OpReplaceXZ, OpZstd, OpZero, OpSourceCopy,
		OpSourceBSDiff, OpBrotliBSDiff, OpLZ4DiffBSDiff:
		return true
	default:
		return false
	}
}

// Extent is a contiguous run of blocks, (start_block, num_blocks).
type Extent struct {
	StartBlock int64
	NumBlocks  uint64
}

// ByteRange returns the extent's absolute byte range within its image,
// given the manifest's block_size.
func (e Extent) ByteRange(blockSize uint32) (start, length uint64) {
	bs := uint64(blockSize)
	return uint64(e.StartBlock) * bs, e.NumBlocks * bs
}

// PartitionInfo is PartitionInfo in the upstream schema: the exact size and
// optional SHA-256 hash of a produced (or source) partition image.
type PartitionInfo struct {
	Size uint64
	Hash []byte
}

func (p *PartitionInfo) GetSize() uint64 {
	if p == nil {
		return 0
	}
	return p.Size
}

func (p *PartitionInfo) GetHash() []byte {
	if p == nil {
		return nil
	}
	return p.Hash
}

// InstallOperation is one step in reconstructing a partition image.
type InstallOperation struct {
	Type           InstallOperationType
	DataOffset     uint64
	HasDataOffset  bool
	DataLength     uint64
	HasDataLength  bool
	SrcExtents     []Extent
	SrcLength      uint64
	HasSrcLength   bool
	DstExtents     []Extent
	DstLength      uint64
	HasDstLength   bool
	DataSHA256Hash []byte
	SrcSHA256Hash  []byte
}

func (o *InstallOperation) GetType() InstallOperationType {
	if o == nil {
		return OpReplace
	}
	return o.Type
}

func (o *InstallOperation) GetDataOffset() uint64 {
	if o == nil {
		return 0
	}
	return o.DataOffset
}

func (o *InstallOperation) GetDataLength() uint64 {
	if o == nil {
		return 0
	}
	return o.DataLength
}

func (o *InstallOperation) GetSrcExtents() []Extent {
	if o == nil {
		return nil
	}
	return o.SrcExtents
}

func (o *InstallOperation) GetDstExtents() []Extent {
	if o == nil {
		return nil
	}
	return o.DstExtents
}

func (o *InstallOperation) GetDataSha256Hash() []byte {
	if o == nil {
		return nil
	}
	return o.DataSHA256Hash
}

// PartitionUpdate describes one partition's worth of operations.
type PartitionUpdate struct {
	PartitionName       string
	RunPostinstall      bool
	PostinstallPath     string
	FilesystemType      string
	OldPartitionInfo    *PartitionInfo
	NewPartitionInfo    *PartitionInfo
	Operations          []*InstallOperation
	PostinstallOptional bool
}

func (p *PartitionUpdate) GetPartitionName() string {
	if p == nil {
		return ""
	}
	return p.PartitionName
}

func (p *PartitionUpdate) GetOperations() []*InstallOperation {
	if p == nil {
		return nil
	}
	return p.Operations
}

func (p *PartitionUpdate) GetNewPartitionInfo() *PartitionInfo {
	if p == nil {
		return nil
	}
	return p.NewPartitionInfo
}

func (p *PartitionUpdate) GetOldPartitionInfo() *PartitionInfo {
	if p == nil {
		return nil
	}
	return p.OldPartitionInfo
}

// DynamicPartitionGroup is a named grouping of dynamic partitions sharing a
// size budget (super partition layout). Opaque pass-through per spec.md §3.
type DynamicPartitionGroup struct {
	Name           string
	Size           uint64
	PartitionNames []string
}

// DynamicPartitionMetadata is opaque pass-through per spec.md §3.
type DynamicPartitionMetadata struct {
	Groups          []*DynamicPartitionGroup
	SnapshotEnabled bool
}

// ApexInfo is opaque pass-through per spec.md §3.
type ApexInfo struct {
	PackageName      string
	Version          int64
	IsCompressed     bool
	DecompressedSize int64
}

// DeltaArchiveManifest is the top-level decoded manifest.
type DeltaArchiveManifest struct {
	BlockSize                uint32
	Partitions               []*PartitionUpdate
	SignaturesOffset         uint64
	SignaturesSize           uint64
	MinorVersion             uint32
	MaxTimestamp             int64
	DynamicPartitionMetadata *DynamicPartitionMetadata
	PartialUpdate            bool
	ApexInfo                 []*ApexInfo
	SecurityPatchLevel       string
}

func (m *DeltaArchiveManifest) GetBlockSize() uint32 {
	if m == nil || m.BlockSize == 0 {
		return 4096
	}
	return m.BlockSize
}

func (m *DeltaArchiveManifest) GetPartitions() []*PartitionUpdate {
	if m == nil {
		return nil
	}
	return m.Partitions
}

func (m *DeltaArchiveManifest) GetMinorVersion() uint32 {
	if m == nil {
		return 0
	}
	return m.MinorVersion
}
