package manifest

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers below mirror the chromeos_update_engine.DeltaArchiveManifest
// schema shipped with AOSP (system/update_engine/update_metadata.proto),
// reproduced here bit-compatibly per spec.md §6. Unknown field numbers are
// skipped rather than rejected — the wire format is forward-compatible and
// this parser only needs the fields this extractor consumes.
const (
	fieldExtentStartBlock = 1
	fieldExtentNumBlocks  = 2

	fieldPartitionInfoSize = 1
	fieldPartitionInfoHash = 2

	fieldOpType           = 1
	fieldOpDataOffset     = 2
	fieldOpDataLength     = 3
	fieldOpSrcExtents     = 4
	fieldOpSrcLength      = 5
	fieldOpDstExtents     = 6
	fieldOpDstLength      = 7
	fieldOpDataSHA256Hash = 8
	fieldOpSrcSHA256Hash  = 9

	fieldPartitionName        = 1
	fieldPartitionRunPostinst = 2
	fieldPartitionPostPath    = 3
	fieldPartitionFSType      = 4
	fieldPartitionOldInfo     = 6
	fieldPartitionNewInfo     = 7
	fieldPartitionOps         = 8
	fieldPartitionPostOpt     = 9

	fieldDPGroupName  = 1
	fieldDPGroupSize  = 2
	fieldDPGroupParts = 3

	fieldDPMGroups   = 1
	fieldDPMSnapshot = 2

	fieldApexPackageName      = 1
	fieldApexVersion          = 2
	fieldApexIsCompressed     = 3
	fieldApexDecompressedSize = 4

	fieldManifestBlockSize         = 3
	fieldManifestSignaturesOffset  = 4
	fieldManifestSignaturesSize    = 5
	fieldManifestPartitions        = 13
	fieldManifestMinorVersion      = 12
	fieldManifestMaxTimestamp      = 14
	fieldManifestDynamicPartitions = 15
	fieldManifestPartialUpdate     = 16
	fieldManifestApexInfo          = 17
	fieldManifestSecurityPatch     = 18
)

// ErrDecode wraps a structural problem found while walking the wire format.
type ErrDecode struct {
	Message string
}

func (e *ErrDecode) Error() string { return "manifest: " + e.Message }

func decodeErrorf(format string, args ...any) error {
	return &ErrDecode{Message: fmt.Sprintf(format, args...)}
}

// Unmarshal decodes a DeltaArchiveManifest from its protobuf wire bytes.
func Unmarshal(data []byte) (*DeltaArchiveManifest, error) {
	m := &DeltaArchiveManifest{}
	if err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, raw uint64) error {
		switch num {
		case fieldManifestBlockSize:
			m.BlockSize = uint32(raw)
		case fieldManifestSignaturesOffset:
			m.SignaturesOffset = raw
		case fieldManifestSignaturesSize:
			m.SignaturesSize = raw
		case fieldManifestMinorVersion:
			m.MinorVersion = uint32(raw)
		case fieldManifestMaxTimestamp:
			m.MaxTimestamp = int64(raw)
		case fieldManifestPartialUpdate:
			m.PartialUpdate = raw != 0
		case fieldManifestSecurityPatch:
			m.SecurityPatchLevel = string(v)
		case fieldManifestPartitions:
			pu, err := unmarshalPartitionUpdate(v)
			if err != nil {
				return err
			}
			m.Partitions = append(m.Partitions, pu)
		case fieldManifestApexInfo:
			ai, err := unmarshalApexInfo(v)
			if err != nil {
				return err
			}
			m.ApexInfo = append(m.ApexInfo, ai)
		case fieldManifestDynamicPartitions:
			dpm, err := unmarshalDynamicPartitionMetadata(v)
			if err != nil {
				return err
			}
			m.DynamicPartitionMetadata = dpm
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalExtent(data []byte) (Extent, error) {
	var e Extent
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, raw uint64) error {
		switch num {
		case fieldExtentStartBlock:
			e.StartBlock = int64(raw)
		case fieldExtentNumBlocks:
			e.NumBlocks = raw
		}
		return nil
	})
	return e, err
}

func unmarshalPartitionInfo(data []byte) (*PartitionInfo, error) {
	pi := &PartitionInfo{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, raw uint64) error {
		switch num {
		case fieldPartitionInfoSize:
			pi.Size = raw
		case fieldPartitionInfoHash:
			pi.Hash = append([]byte(nil), v...)
		}
		return nil
	})
	return pi, err
}

func unmarshalInstallOperation(data []byte) (*InstallOperation, error) {
	op := &InstallOperation{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, raw uint64) error {
		switch num {
		case fieldOpType:
			op.Type = InstallOperationType(int32(raw))
		case fieldOpDataOffset:
			op.DataOffset = raw
			op.HasDataOffset = true
		case fieldOpDataLength:
			op.DataLength = raw
			op.HasDataLength = true
		case fieldOpSrcLength:
			op.SrcLength = raw
			op.HasSrcLength = true
		case fieldOpDstLength:
			op.DstLength = raw
			op.HasDstLength = true
		case fieldOpDataSHA256Hash:
			op.DataSHA256Hash = append([]byte(nil), v...)
		case fieldOpSrcSHA256Hash:
			op.SrcSHA256Hash = append([]byte(nil), v...)
		case fieldOpSrcExtents:
			ext, err := unmarshalExtent(v)
			if err != nil {
				return err
			}
			op.SrcExtents = append(op.SrcExtents, ext)
		case fieldOpDstExtents:
			ext, err := unmarshalExtent(v)
			if err != nil {
				return err
			}
			op.DstExtents = append(op.DstExtents, ext)
		}
		return nil
	})
	return op, err
}

func unmarshalPartitionUpdate(data []byte) (*PartitionUpdate, error) {
	p := &PartitionUpdate{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, raw uint64) error {
		switch num {
		case fieldPartitionName:
			p.PartitionName = string(v)
		case fieldPartitionRunPostinst:
			p.RunPostinstall = raw != 0
		case fieldPartitionPostPath:
			p.PostinstallPath = string(v)
		case fieldPartitionFSType:
			p.FilesystemType = string(v)
		case fieldPartitionPostOpt:
			p.PostinstallOptional = raw != 0
		case fieldPartitionOldInfo:
			pi, err := unmarshalPartitionInfo(v)
			if err != nil {
				return err
			}
			p.OldPartitionInfo = pi
		case fieldPartitionNewInfo:
			pi, err := unmarshalPartitionInfo(v)
			if err != nil {
				return err
			}
			p.NewPartitionInfo = pi
		case fieldPartitionOps:
			op, err := unmarshalInstallOperation(v)
			if err != nil {
				return err
			}
			p.Operations = append(p.Operations, op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if p.PartitionName == "" {
		return nil, decodeErrorf("partition update missing partition_name")
	}
	return p, nil
}

func unmarshalDynamicPartitionGroup(data []byte) (*DynamicPartitionGroup, error) {
	g := &DynamicPartitionGroup{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, raw uint64) error {
		switch num {
		case fieldDPGroupName:
			g.Name = string(v)
		case fieldDPGroupSize:
			g.Size = raw
		case fieldDPGroupParts:
			g.PartitionNames = append(g.PartitionNames, string(v))
		}
		return nil
	})
	return g, err
}

func unmarshalDynamicPartitionMetadata(data []byte) (*DynamicPartitionMetadata, error) {
	dpm := &DynamicPartitionMetadata{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, raw uint64) error {
		switch num {
		case fieldDPMSnapshot:
			dpm.SnapshotEnabled = raw != 0
		case fieldDPMGroups:
			g, err := unmarshalDynamicPartitionGroup(v)
			if err != nil {
				return err
			}
			dpm.Groups = append(dpm.Groups, g)
		}
		return nil
	})
	return dpm, err
}

func unmarshalApexInfo(data []byte) (*ApexInfo, error) {
	a := &ApexInfo{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, raw uint64) error {
		switch num {
		case fieldApexPackageName:
			a.PackageName = string(v)
		case fieldApexVersion:
			a.Version = int64(raw)
		case fieldApexIsCompressed:
			a.IsCompressed = raw != 0
		case fieldApexDecompressedSize:
			a.DecompressedSize = int64(raw)
		}
		return nil
	})
	return a, err
}

// walkFields decodes a length-delimited protobuf message one field at a
// time. For varint/fixed32/fixed64 fields raw carries the numeric value;
// for length-delimited fields v carries the raw bytes (submessage or
// string/bytes). Unknown field numbers and groups are skipped; any other
// wire type (end-group or an undefined type) is a decode error.
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, raw uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return decodeErrorf("invalid field tag: %v", protowire.ParseError(n))
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			val, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return decodeErrorf("invalid varint for field %d: %v", num, protowire.ParseError(n))
			}
			data = data[n:]
			if err := fn(num, typ, nil, val); err != nil {
				return err
			}
		case protowire.Fixed32Type:
			val, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return decodeErrorf("invalid fixed32 for field %d: %v", num, protowire.ParseError(n))
			}
			data = data[n:]
			if err := fn(num, typ, nil, uint64(val)); err != nil {
				return err
			}
		case protowire.Fixed64Type:
			val, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return decodeErrorf("invalid fixed64 for field %d: %v", num, protowire.ParseError(n))
			}
			data = data[n:]
			if err := fn(num, typ, nil, val); err != nil {
				return err
			}
		case protowire.BytesType:
			val, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return decodeErrorf("invalid length-delimited field %d: %v", num, protowire.ParseError(n))
			}
			data = data[n:]
			if err := fn(num, typ, val, 0); err != nil {
				return err
			}
		case protowire.StartGroupType:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return decodeErrorf("invalid group for field %d: %v", num, protowire.ParseError(n))
			}
			data = data[n:]
		default:
			return decodeErrorf("unsupported wire type %d for field %d", typ, num)
		}
	}
	return nil
}
