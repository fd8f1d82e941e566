package undo

import (
	"encoding/binary"
	"fmt"

	"github.com/juju/errors"
)

// RecordSetType 撤销记录集类型，决定类型头的大小
type RecordSetType uint8

const (
	TypeInvalid RecordSetType = iota
	TypeTransaction
	TypeGeneric
)

func (t RecordSetType) String() string {
	switch t {
	case TypeTransaction:
		return "transaction"
	case TypeGeneric:
		return "generic"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// 类型头大小
const (
	TransactionHeaderSize = 42
	GenericHeaderSize     = 8
)

// TypeHeaderSize 返回类型头大小，未知类型报错
func TypeHeaderSize(t RecordSetType) (int, error) {
	switch t {
	case TypeTransaction:
		return TransactionHeaderSize, nil
	case TypeGeneric:
		return GenericHeaderSize, nil
	}
	return 0, errors.Annotatef(ErrUnknownRecordSetType, "%d", uint8(t))
}

// 块头布局：size(8) previous(8) type(1)，紧凑排列
const (
	chunkSizeOffset     = 0
	chunkPreviousOffset = 8
	chunkTypeOffset     = 16

	ChunkHeaderSize = 17
	// ChunkSizeFieldSize 关闭时回填的 size 字段长度
	ChunkSizeFieldSize = 8
)

// ChunkHeader 每个块开头的头部。size 在关闭前为 0。
type ChunkHeader struct {
	Size     uint64
	Previous RecPtr
	Type     RecordSetType
}

func (h ChunkHeader) Encode() []byte {
	buf := make([]byte, ChunkHeaderSize)
	binary.LittleEndian.PutUint64(buf[chunkSizeOffset:], h.Size)
	binary.LittleEndian.PutUint64(buf[chunkPreviousOffset:], h.Previous.Pack())
	buf[chunkTypeOffset] = byte(h.Type)
	return buf
}

// DecodeChunkHeader 解析 Encode 的输出
func DecodeChunkHeader(buf []byte) (ChunkHeader, error) {
	if len(buf) < ChunkHeaderSize {
		return ChunkHeader{}, errors.Errorf("chunk header needs %d bytes, got %d", ChunkHeaderSize, len(buf))
	}
	return ChunkHeader{
		Size:     binary.LittleEndian.Uint64(buf[chunkSizeOffset:]),
		Previous: UnpackRecPtr(binary.LittleEndian.Uint64(buf[chunkPreviousOffset:])),
		Type:     RecordSetType(buf[chunkTypeOffset]),
	}, nil
}

func encodeChunkSize(size uint64) [ChunkSizeFieldSize]byte {
	var out [ChunkSizeFieldSize]byte
	binary.LittleEndian.PutUint64(out[:], size)
	return out
}
