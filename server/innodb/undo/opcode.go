package undo

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/xundo/server/common"
)

// 指令流编码：
//
//	插入: [len < 0x80][len 字节]，按插入顺序紧接在当前位置之后
//	更新: [0x80|off>>8][off&0xff][len>>8][len&0xff][len 字节]，写到页内 off 处
const (
	updateFlag     = 0x80
	maxInsertRun   = 0x7f
	maxUpdateOff   = 0x7fff
	updateOpHeader = 4
)

// Op 指令流中的一条指令，InsertOp 或 UpdateOp
type Op interface {
	isOp()
}

// InsertOp 追加字节
type InsertOp struct {
	Data []byte
}

// UpdateOp 覆盖页内某个偏移
type UpdateOp struct {
	Offset uint16
	Data   []byte
}

func (InsertOp) isOp() {}
func (UpdateOp) isOp() {}

// AppendInsertOp 追加插入指令，超过 127 字节的数据拆成多条
func AppendInsertOp(dst, data []byte) []byte {
	for {
		n := len(data)
		if n > maxInsertRun {
			n = maxInsertRun
		}
		dst = append(dst, byte(n))
		dst = append(dst, data[:n]...)
		data = data[n:]
		if len(data) == 0 {
			return dst
		}
	}
}

// AppendUpdateOp 追加更新指令，目标区间必须落在页面数据区内
func AppendUpdateOp(dst []byte, offset int, data []byte) ([]byte, error) {
	if offset < common.BlockHeaderSize || offset > maxUpdateOff || offset+len(data) > common.BlockSize {
		return dst, errors.Annotatef(ErrInvalidUpdateOp, "offset %d length %d", offset, len(data))
	}
	dst = append(dst,
		updateFlag|byte(offset>>8), byte(offset),
		byte(len(data)>>8), byte(len(data)))
	return append(dst, data...), nil
}

// OpReader 顺序解码指令流，只能遍历一次
type OpReader struct {
	buf []byte
	pos int
	op  Op
	err error
}

func NewOpReader(buf []byte) *OpReader {
	return &OpReader{buf: buf}
}

// Next 解码下一条指令，流结束或出错时返回 false
func (r *OpReader) Next() bool {
	if r.err != nil || r.pos >= len(r.buf) {
		return false
	}
	b := r.buf[r.pos]
	if b < updateFlag {
		n := int(b)
		if r.pos+1+n > len(r.buf) {
			r.err = errors.Annotatef(ErrCorruptedInsertData, "insert of %d bytes at %d overruns %d", n, r.pos, len(r.buf))
			return false
		}
		r.op = InsertOp{Data: r.buf[r.pos+1 : r.pos+1+n]}
		r.pos += 1 + n
		return true
	}

	if r.pos+updateOpHeader > len(r.buf) {
		r.err = errors.Annotatef(ErrCorruptedOpStream, "truncated update at %d", r.pos)
		return false
	}
	off := int(b&^updateFlag)<<8 | int(r.buf[r.pos+1])
	n := int(r.buf[r.pos+2])<<8 | int(r.buf[r.pos+3])
	start := r.pos + updateOpHeader
	if start+n > len(r.buf) {
		r.err = errors.Annotatef(ErrCorruptedOpStream, "update of %d bytes at %d overruns %d", n, r.pos, len(r.buf))
		return false
	}
	if off < common.BlockHeaderSize || off+n > common.BlockSize {
		r.err = errors.Annotatef(ErrCorruptedOpStream, "update targets page range [%d,%d)", off, off+n)
		return false
	}
	r.op = UpdateOp{Offset: uint16(off), Data: r.buf[start : start+n]}
	r.pos = start + n
	return true
}

func (r *OpReader) Op() Op {
	return r.op
}

func (r *OpReader) Err() error {
	return r.err
}
