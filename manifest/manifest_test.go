package manifest

import (
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func appendTag(buf []byte, num protowire.Number, typ protowire.Type) []byte {
	return protowire.AppendTag(buf, num, typ)
}

func TestUnmarshalRoundTrip(t *testing.T) {
	var extent []byte
	extent = appendTag(extent, fieldExtentStartBlock, protowire.VarintType)
	extent = protowire.AppendVarint(extent, 0)
	extent = appendTag(extent, fieldExtentNumBlocks, protowire.VarintType)
	extent = protowire.AppendVarint(extent, 1)

	var op []byte
	op = appendTag(op, fieldOpType, protowire.VarintType)
	op = protowire.AppendVarint(op, uint64(OpZero))
	op = appendTag(op, fieldOpDstExtents, protowire.BytesType)
	op = protowire.AppendBytes(op, extent)

	var newInfo []byte
	newInfo = appendTag(newInfo, fieldPartitionInfoSize, protowire.VarintType)
	newInfo = protowire.AppendVarint(newInfo, 4096)

	var part []byte
	part = appendTag(part, fieldPartitionName, protowire.BytesType)
	part = protowire.AppendString(part, "zero_only")
	part = appendTag(part, fieldPartitionNewInfo, protowire.BytesType)
	part = protowire.AppendBytes(part, newInfo)
	part = appendTag(part, fieldPartitionOps, protowire.BytesType)
	part = protowire.AppendBytes(part, op)

	var man []byte
	man = appendTag(man, fieldManifestBlockSize, protowire.VarintType)
	man = protowire.AppendVarint(man, 4096)
	man = appendTag(man, fieldManifestPartitions, protowire.BytesType)
	man = protowire.AppendBytes(man, part)

	got, err := Unmarshal(man)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.GetBlockSize() != 4096 {
		t.Errorf("block size = %d, want 4096", got.GetBlockSize())
	}
	if len(got.Partitions) != 1 {
		t.Fatalf("partitions = %d, want 1", len(got.Partitions))
	}
	p := got.Partitions[0]
	if p.GetPartitionName() != "zero_only" {
		t.Errorf("partition name = %q", p.GetPartitionName())
	}
	if p.GetNewPartitionInfo().GetSize() != 4096 {
		t.Errorf("new partition size = %d, want 4096", p.GetNewPartitionInfo().GetSize())
	}
	if len(p.Operations) != 1 || p.Operations[0].GetType() != OpZero {
		t.Fatalf("unexpected operations: %+v", p.Operations)
	}
	if len(p.Operations[0].GetDstExtents()) != 1 {
		t.Fatalf("expected one dst extent")
	}
	ext := p.Operations[0].GetDstExtents()[0]
	if ext.StartBlock != 0 || ext.NumBlocks != 1 {
		t.Errorf("extent = %+v, want {0 1}", ext)
	}
}

func TestUnmarshalMissingPartitionName(t *testing.T) {
	var part []byte
	part = appendTag(part, fieldPartitionRunPostinst, protowire.VarintType)
	part = protowire.AppendVarint(part, 1)

	var man []byte
	man = appendTag(man, fieldManifestPartitions, protowire.BytesType)
	man = protowire.AppendBytes(man, part)

	if _, err := Unmarshal(man); err == nil {
		t.Fatal("expected error for partition missing name")
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	var man []byte
	man = appendTag(man, 999, protowire.VarintType)
	man = protowire.AppendVarint(man, 1)
	man = appendTag(man, fieldManifestMinorVersion, protowire.VarintType)
	man = protowire.AppendVarint(man, 0)

	got, err := Unmarshal(man)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.GetMinorVersion() != 0 {
		t.Errorf("minor version = %d", got.GetMinorVersion())
	}
}
