package manager

import (
	"encoding/binary"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xundo/server/common"
	"github.com/zhukovaskychina/xundo/util"
)

// RmgrID 资源管理器编号，决定重放时由谁处理记录
type RmgrID uint8

const (
	RM_XLOG_ID RmgrID = 0
	RM_UNDO_ID RmgrID = 1
)

// RM_XLOG_ID 下的记录类型
const (
	XLOG_CHECKPOINT uint8 = 0x10
)

// FPICompression 整页镜像的压缩方式
type FPICompression uint8

const (
	FPICompressNone FPICompression = iota
	FPICompressSnappy
	FPICompressLZ4
)

// ParseFPICompression 解析配置中的压缩名
func ParseFPICompression(name string) (FPICompression, error) {
	switch name {
	case "", "none":
		return FPICompressNone, nil
	case "snappy":
		return FPICompressSnappy, nil
	case "lz4":
		return FPICompressLZ4, nil
	}
	return FPICompressNone, errors.Annotatef(ErrUnknownCompression, "%q", name)
}

func (c FPICompression) String() string {
	switch c {
	case FPICompressNone:
		return "none"
	case FPICompressSnappy:
		return "snappy"
	case FPICompressLZ4:
		return "lz4"
	}
	return "unknown"
}

// BlockRecord 记录中的一个注册块
type BlockRecord struct {
	ID          common.BlockID
	Tag         common.BufferTag
	Flags       common.RegisterFlags
	Compression FPICompression
	Image       []byte // 压缩后的整页镜像，可能为空
	Data        []byte
}

// RedoRecord 一条重做日志记录
type RedoRecord struct {
	LSN      common.LSN
	Rmgr     RmgrID
	Info     uint8
	MainData []byte
	Blocks   []BlockRecord
	Checksum uint64
}

// 记录帧: [u32 body 长度][u64 校验和][body]
const recordFrameHeaderSize = 12

// encodeBody 序列化除帧头以外的部分，小端
func (r *RedoRecord) encodeBody() []byte {
	size := 8 + 1 + 1 + 1 + 4 + len(r.MainData)
	for i := range r.Blocks {
		size += 1 + 1 + 4 + 4 + 1 + 1 + 4 + len(r.Blocks[i].Image) + 4 + len(r.Blocks[i].Data)
	}
	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.LSN))
	buf = append(buf, byte(r.Rmgr), r.Info, byte(len(r.Blocks)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.MainData)))
	buf = append(buf, r.MainData...)
	for i := range r.Blocks {
		b := &r.Blocks[i]
		buf = append(buf, byte(b.ID), byte(b.Tag.Area))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(b.Tag.LogNo))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(b.Tag.Block))
		buf = append(buf, byte(b.Flags), byte(b.Compression))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b.Image)))
		buf = append(buf, b.Image...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b.Data)))
		buf = append(buf, b.Data...)
	}
	return buf
}

// Encode 生成带帧头的字节，同时填写校验和
func (r *RedoRecord) Encode() []byte {
	body := r.encodeBody()
	r.Checksum = util.Checksum64(body)
	out := make([]byte, recordFrameHeaderSize, recordFrameHeaderSize+len(body))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(body)))
	binary.LittleEndian.PutUint64(out[4:], r.Checksum)
	return append(out, body...)
}

// Verify 重新计算校验和
func (r *RedoRecord) Verify() error {
	if util.Checksum64(r.encodeBody()) != r.Checksum {
		return errors.Annotatef(ErrRecordChecksum, "lsn %d", r.LSN)
	}
	return nil
}

type bodyReader struct {
	buf []byte
	off int
	err error
}

func (br *bodyReader) take(n int) []byte {
	if br.err != nil {
		return nil
	}
	if n < 0 || br.off+n > len(br.buf) {
		br.err = ErrRecordTruncated
		return nil
	}
	out := br.buf[br.off : br.off+n]
	br.off += n
	return out
}

func (br *bodyReader) u8() uint8 {
	if b := br.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (br *bodyReader) u32() uint32 {
	if b := br.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (br *bodyReader) u64() uint64 {
	if b := br.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (br *bodyReader) bytes() []byte {
	n := br.u32()
	return util.CloneBytes(br.take(int(n)))
}

// DecodeRecord 从帧中解析一条记录，返回消耗的字节数。
// 不完整的帧返回 ErrRecordTruncated，校验和不符返回 ErrRecordChecksum。
func DecodeRecord(frame []byte) (*RedoRecord, int, error) {
	if len(frame) < recordFrameHeaderSize {
		return nil, 0, errors.Trace(ErrRecordTruncated)
	}
	n := int(binary.LittleEndian.Uint32(frame[0:]))
	sum := binary.LittleEndian.Uint64(frame[4:])
	if len(frame) < recordFrameHeaderSize+n {
		return nil, 0, errors.Trace(ErrRecordTruncated)
	}
	body := frame[recordFrameHeaderSize : recordFrameHeaderSize+n]
	if util.Checksum64(body) != sum {
		return nil, 0, errors.Trace(ErrRecordChecksum)
	}

	br := &bodyReader{buf: body}
	rec := &RedoRecord{Checksum: sum}
	rec.LSN = common.LSN(br.u64())
	rec.Rmgr = RmgrID(br.u8())
	rec.Info = br.u8()
	nblocks := int(br.u8())
	rec.MainData = br.bytes()
	for i := 0; i < nblocks && br.err == nil; i++ {
		var b BlockRecord
		b.ID = common.BlockID(br.u8())
		b.Tag.Area = common.StorageArea(br.u8())
		b.Tag.LogNo = common.LogNumber(br.u32())
		b.Tag.Block = common.BlockNumber(br.u32())
		b.Flags = common.RegisterFlags(br.u8())
		b.Compression = FPICompression(br.u8())
		b.Image = br.bytes()
		b.Data = br.bytes()
		rec.Blocks = append(rec.Blocks, b)
	}
	if br.err != nil {
		return nil, 0, errors.Trace(br.err)
	}
	return rec, recordFrameHeaderSize + n, nil
}

// EncodeUndoCheckpoint 序列化分配器检查点，作为检查点记录的主数据
func EncodeUndoCheckpoint(ckpt UndoCheckpoint) []byte {
	buf := make([]byte, 0, 8+len(ckpt.Logs)*34)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(ckpt.NextLogNo))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ckpt.Logs)))
	for _, m := range ckpt.Logs {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(m.LogNo))
		buf = append(buf, byte(m.Persistence))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(m.Insert))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(m.End))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(m.Discard))
		full := byte(0)
		if m.Full {
			full = 1
		}
		buf = append(buf, full)
	}
	return buf
}

// DecodeUndoCheckpoint 解析 EncodeUndoCheckpoint 的输出
func DecodeUndoCheckpoint(data []byte) (UndoCheckpoint, error) {
	br := &bodyReader{buf: data}
	ckpt := UndoCheckpoint{NextLogNo: common.LogNumber(br.u32())}
	n := int(br.u32())
	for i := 0; i < n && br.err == nil; i++ {
		var m UndoLogMeta
		m.LogNo = common.LogNumber(br.u32())
		m.Persistence = common.Persistence(br.u8())
		m.Insert = common.LogOffset(br.u64())
		m.End = common.LogOffset(br.u64())
		m.Discard = common.LogOffset(br.u64())
		m.Full = br.u8() == 1
		ckpt.Logs = append(ckpt.Logs, m)
	}
	if br.err != nil {
		return UndoCheckpoint{}, errors.Annotate(br.err, "decode undo checkpoint")
	}
	return ckpt, nil
}
