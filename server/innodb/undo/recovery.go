package undo

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/xundo/logger"
	"github.com/zhukovaskychina/xundo/server/common"
	"github.com/zhukovaskychina/xundo/server/innodb/manager"
)

// ReplayUpdate 重放关闭记录：对需要重做的撤销页面应用更新指令，跳过插入指令
func ReplayUpdate(rt *Runtime, rec RedoRecord) error {
	bm := rt.Buffers
	for i := 0; i <= rec.MaxBlockID(); i++ {
		id := common.BlockID(i)
		ref, ok := rec.BlockRef(id)
		if !ok || ref.Tag.Area != common.AreaUndo {
			continue
		}
		action, buf, err := rec.ReadBufferForRedo(id, common.ReadNormal)
		if err != nil {
			return err
		}
		if action == common.BlockNotFound {
			continue
		}
		locked := lockedBuffer{id: buf, tag: ref.Tag}
		if action == common.BlockNeedsRedo {
			page := bm.Page(buf)
			r := NewOpReader(rec.BlockData(id))
			for r.Next() {
				if u, ok := r.Op().(UpdateOp); ok {
					copy(page[u.Offset:], u.Data)
				}
			}
			if err := r.Err(); err != nil {
				locked.release(bm)
				return errors.Annotatef(err, "replay update at lsn %d block %d", rec.ReadRecPtr(), i)
			}
			bm.SetPageLSN(buf, rec.ReadRecPtr())
			bm.MarkBufferDirty(buf)
		}
		locked.release(bm)
	}
	return nil
}

// ReplayInsert 重放插入记录：重建头部和数据，返回数据在日志中的位置。
// 第一个撤销块带整页镜像时，用镜像里的 pd_lower 重新同步日志的插入位置。
// 任一块已被丢弃时不写任何页面，但插入位置照常前进。
func ReplayInsert(rt *Runtime, rec RedoRecord, data []byte) (RecPtr, error) {
	bm := rt.Buffers
	var (
		buffers bufferSet
		slot    *manager.UndoLogSlot
		ops     []byte
		skip    bool
	)
	defer buffers.releaseAll(bm)

	for i := 0; i <= rec.MaxBlockID(); i++ {
		id := common.BlockID(i)
		ref, ok := rec.BlockRef(id)
		if !ok || ref.Tag.Area != common.AreaUndo {
			continue
		}
		first := slot == nil
		if first {
			slot = rt.Logs.SlotForRecovery(ref.Tag.LogNo)
			ops = rec.BlockData(id)
		} else if ref.Tag.LogNo != slot.LogNo() {
			return InvalidRecPtr, errors.Annotatef(ErrMixedUndoLogs, "logs %d and %d at lsn %d", slot.LogNo(), ref.Tag.LogNo, rec.ReadRecPtr())
		}

		past := common.LogOffset(ref.Tag.Block+1) * common.BlockSize
		if slot.End() < past {
			if err := rt.Logs.AdjustPhysicalRange(slot.LogNo(), 0, past); err != nil {
				return InvalidRecPtr, err
			}
		}

		mode := common.ReadNormal
		if ref.WillInit() {
			mode = common.ReadZeroAndLock
		}
		action, buf, err := rec.ReadBufferForRedo(id, mode)
		if err != nil {
			return InvalidRecPtr, err
		}

		switch {
		case action == common.BlockNotFound:
			skip = true
			continue
		case first && action == common.BlockRestored:
			lower := common.LogOffset(common.GetPageLower(bm.Page(buf)))
			if lower == 0 {
				lower = common.BlockHeaderSize
			}
			slot.SetInsert(common.LogOffset(ref.Tag.Block)*common.BlockSize + lower)
		case first:
			if at := MakeRecPtr(slot.LogNo(), slot.Insert()).Block(); at != ref.Tag.Block {
				bm.UnlockBuffer(buf)
				bm.ReleaseBuffer(buf)
				return InvalidRecPtr, errors.Annotatef(ErrInsertPointerMismatch,
					"log %d insert in block %d, record starts at block %d (lsn %d)", slot.LogNo(), at, ref.Tag.Block, rec.ReadRecPtr())
			}
		}
		if mode == common.ReadZeroAndLock {
			common.PageInit(bm.Page(buf))
		}
		buffers.add(lockedBuffer{id: buf, tag: ref.Tag})
	}

	if slot == nil {
		return InvalidRecPtr, errors.Annotatef(ErrCorruptedInsertData, "no undo blocks at lsn %d", rec.ReadRecPtr())
	}

	start := MakeRecPtr(slot.LogNo(), slot.Insert())
	s := newInsertState(bm, &buffers, nil, 0, start)
	headerSize := 0
	r := NewOpReader(ops)
	for r.Next() {
		ins, ok := r.Op().(InsertOp)
		if !ok {
			break
		}
		if !skip {
			if err := s.appendBytes(ins.Data); err != nil {
				return InvalidRecPtr, err
			}
		}
		headerSize += len(ins.Data)
	}
	if err := r.Err(); err != nil {
		return InvalidRecPtr, errors.Annotatef(err, "lsn %d", rec.ReadRecPtr())
	}
	if skip {
		logger.Debugf("undo insert at lsn %d touches discarded blocks, skipping", rec.ReadRecPtr())
	} else {
		if err := s.appendBytes(data); err != nil {
			return InvalidRecPtr, err
		}
		buffers.setPageLSN(bm, rec.ReadRecPtr())
	}
	slot.SetInsert(OffsetPlusUsableBytes(start.Offset, headerSize+len(data)))
	return start.PlusUsableBytes(headerSize), nil
}
