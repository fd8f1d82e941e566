package undo

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/xundo/server/common"
)

// PrepareToMarkClosed 锁住每个块头 size 字段所在的页面，跨页时两页都锁
func (urs *UndoRecordSet) PrepareToMarkClosed() error {
	if urs.released {
		return errors.Trace(ErrRecordSetReleased)
	}
	for i := range urs.chunks {
		c := &urs.chunks[i]
		logno := c.slot.LogNo()
		block := common.BlockNumber(c.headerOffset / common.BlockSize)

		idx, err := urs.buffers.findOrAcquire(urs.rt.Buffers, logno, block)
		if err != nil {
			return err
		}
		c.headerBuffer = [2]int{idx, -1}
		if c.headerOffset%common.BlockSize > common.BlockSize-ChunkSizeFieldSize {
			idx, err = urs.buffers.findOrAcquire(urs.rt.Buffers, logno, block+1)
			if err != nil {
				return err
			}
			c.headerBuffer[1] = idx
		}
	}
	return nil
}

// MarkClosed 把每个块的最终大小写回块头。缓冲区按持有下标从 firstBlockID 开始注册。
func (urs *UndoRecordSet) MarkClosed(wal WALInserter, firstBlockID common.BlockID) error {
	for i := range urs.chunks {
		c := &urs.chunks[i]
		if c.headerBuffer[0] < 0 {
			return errors.Annotatef(ErrNotPrepared, "chunk %d", i)
		}
		size := encodeChunkSize(uint64(c.slot.Insert() - c.headerOffset))
		off := int(c.headerOffset % common.BlockSize)
		first := common.BlockSize - off
		if first > ChunkSizeFieldSize {
			first = ChunkSizeFieldSize
		}

		if err := urs.patchHeader(wal, firstBlockID, c.headerBuffer[0], off, size[:first]); err != nil {
			return err
		}
		if first < ChunkSizeFieldSize {
			if c.headerBuffer[1] < 0 {
				return errors.Annotatef(ErrNotPrepared, "chunk %d continuation page", i)
			}
			if err := urs.patchHeader(wal, firstBlockID, c.headerBuffer[1], common.BlockHeaderSize, size[first:]); err != nil {
				return err
			}
		}
	}
	urs.closed = true
	return nil
}

// patchHeader 覆盖持有的第 idx 个页面在 off 处的字节并记一条更新指令
func (urs *UndoRecordSet) patchHeader(wal WALInserter, firstBlockID common.BlockID, idx int, off int, data []byte) error {
	bm := urs.rt.Buffers
	buf := urs.buffers.at(idx)
	copy(bm.Page(buf.id)[off:], data)
	bm.MarkBufferDirty(buf.id)
	if wal == nil {
		return nil
	}
	id := firstBlockID + common.BlockID(idx)
	if err := wal.RegisterBuffer(id, buf.id, 0); err != nil {
		return errors.Trace(err)
	}
	op, err := AppendUpdateOp(nil, off, data)
	if err != nil {
		return err
	}
	return errors.Trace(wal.RegisterBufData(id, op))
}

// PageSetLSN 给持有的所有页面打上 WAL 记录的 LSN
func (urs *UndoRecordSet) PageSetLSN(lsn common.LSN) {
	urs.buffers.setPageLSN(urs.rt.Buffers, lsn)
}

// Release 解锁并放掉所有缓冲区。已关闭的记录集同时归还日志并注销。
func (urs *UndoRecordSet) Release() {
	urs.buffers.releaseAll(urs.rt.Buffers)
	if !urs.closed || urs.released {
		return
	}
	for _, c := range urs.chunks {
		urs.rt.Logs.Put(c.slot)
	}
	urs.slot = nil
	urs.released = true
	urs.rt.Registry.deregister(urs.elem)
}
