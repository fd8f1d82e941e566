package undo

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/xundo/server/common"
	"github.com/zhukovaskychina/xundo/util"
)

// insertState 向已锁住的页面顺序写入字节。wal 为空时（重放）不注册缓冲区。
type insertState struct {
	bm           BufferManager
	buffers      *bufferSet
	wal          WALInserter
	firstBlockID common.BlockID
	index        int
	lastIndex    int
	insert       RecPtr
}

func newInsertState(bm BufferManager, buffers *bufferSet, wal WALInserter, firstBlockID common.BlockID, start RecPtr) *insertState {
	return &insertState{
		bm:           bm,
		buffers:      buffers,
		wal:          wal,
		firstBlockID: firstBlockID,
		lastIndex:    -1,
		insert:       start,
	}
}

// appendBytes 写入 data，写满一页时跳过下一页的块头。
// 每个页面第一次被写到时标脏、注册并记录 pd_lower，写入从块头之后开始的页面注册为 WILL_INIT。
func (s *insertState) appendBytes(data []byte) error {
	for len(data) > 0 {
		if s.index >= s.buffers.len() {
			return errors.Annotatef(ErrInsertOverrun, "at %s with %d bytes left", s.insert, len(data))
		}
		buf := s.buffers.at(s.index)
		page := s.bm.Page(buf.id)
		off := s.insert.PageOffset()

		if s.lastIndex != s.index {
			s.bm.MarkBufferDirty(buf.id)
			if s.wal != nil {
				var flags common.RegisterFlags
				if off == common.BlockHeaderSize {
					flags = common.RegWillInit
				}
				if err := s.wal.RegisterBuffer(s.firstBlockID+common.BlockID(s.index), buf.id, flags); err != nil {
					return errors.Trace(err)
				}
			}
			common.SetPageLower(page, uint16(off))
			s.lastIndex = s.index
		}

		n := util.MinInt(common.BlockSize-off, len(data))
		copy(page[off:off+n], data[:n])
		data = data[n:]
		s.insert.Offset += common.LogOffset(n)
		if off+n == common.BlockSize {
			s.index++
			s.insert.Offset += common.BlockHeaderSize
		}
	}
	return nil
}

// appendHeader 写入头部字节，并把它作为插入指令挂到第一个块上
func (s *insertState) appendHeader(header []byte) error {
	if err := s.appendBytes(header); err != nil {
		return err
	}
	if s.wal == nil {
		return nil
	}
	return errors.Trace(s.wal.RegisterBufData(s.firstBlockID, AppendInsertOp(nil, header)))
}

// Insert 把 data 写到 Allocate 预留的位置，先补上未写的块头和类型头。
// 涉及的页面从 firstBlockID 开始连续注册到 wal。
func (urs *UndoRecordSet) Insert(wal WALInserter, firstBlockID common.BlockID, data []byte) error {
	if urs.slot == nil || (urs.buffers.len() == 0 && len(data) > 0) {
		return errors.Trace(ErrNotAllocated)
	}
	start := MakeRecPtr(urs.slot.LogNo(), urs.insert)
	s := newInsertState(urs.rt.Buffers, &urs.buffers, wal, firstBlockID, start)

	if urs.needChunkHeader {
		urs.chunkHeader = ChunkHeader{Previous: urs.previousChunk, Type: urs.typ}
		if err := s.appendHeader(urs.chunkHeader.Encode()); err != nil {
			return err
		}
	}
	if urs.needTypeHeader {
		if err := s.appendHeader(urs.typeHeader); err != nil {
			return err
		}
	}
	if err := s.appendBytes(data); err != nil {
		return err
	}

	urs.slot.SetInsert(s.insert.Offset)
	urs.insert = s.insert.Offset
	urs.needChunkHeader = false
	urs.needTypeHeader = false
	return nil
}
