package envelope

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

type memSource struct{ data []byte }

func (m *memSource) Size() uint64 { return uint64(len(m.data)) }
func (m *memSource) Close() error { return nil }
func (m *memSource) ReadAt(_ context.Context, buf []byte, offset uint64) (int, error) {
	if offset >= uint64(len(m.data)) {
		return 0, errors.New("offset out of bounds")
	}
	n := copy(buf, m.data[offset:])
	return n, nil
}

func minimalManifest() []byte {
	var man []byte
	man = protowire.AppendTag(man, 3, protowire.VarintType)
	man = protowire.AppendVarint(man, 4096)
	return man
}

func buildPayload(magicBytes string, version uint64) []byte {
	man := minimalManifest()
	var buf []byte
	buf = append(buf, []byte(magicBytes)...)
	var verBuf [8]byte
	binary.BigEndian.PutUint64(verBuf[:], version)
	buf = append(buf, verBuf[:]...)
	var sizeBuf [8]byte
	binary.BigEndian.PutUint64(sizeBuf[:], uint64(len(man)))
	buf = append(buf, sizeBuf[:]...)
	var sigBuf [4]byte
	binary.BigEndian.PutUint32(sigBuf[:], 0)
	buf = append(buf, sigBuf[:]...)
	buf = append(buf, man...)
	return buf
}

func TestParseValid(t *testing.T) {
	payload := buildPayload("CrAU", 2)
	env, err := Parse(context.Background(), &memSource{data: payload})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if env.Manifest.GetBlockSize() != 4096 {
		t.Errorf("block size = %d", env.Manifest.GetBlockSize())
	}
	if env.DataOffset != uint64(len(payload)) {
		t.Errorf("data offset = %d, want %d", env.DataOffset, len(payload))
	}
}

func TestParseBadMagic(t *testing.T) {
	payload := buildPayload("CrAV", 2)
	_, err := Parse(context.Background(), &memSource{data: payload})
	if err != ErrMagicInvalid {
		t.Fatalf("err = %v, want ErrMagicInvalid", err)
	}
}

func TestParseBadVersion(t *testing.T) {
	payload := buildPayload("CrAU", 1)
	_, err := Parse(context.Background(), &memSource{data: payload})
	if err == nil {
		t.Fatal("expected version error")
	}
}

func TestParseDeterministic(t *testing.T) {
	payload := buildPayload("CrAU", 2)
	env1, err := Parse(context.Background(), &memSource{data: payload})
	if err != nil {
		t.Fatal(err)
	}
	env2, err := Parse(context.Background(), &memSource{data: payload})
	if err != nil {
		t.Fatal(err)
	}
	if env1.DataOffset != env2.DataOffset {
		t.Errorf("non-deterministic data offset: %d vs %d", env1.DataOffset, env2.DataOffset)
	}
}
