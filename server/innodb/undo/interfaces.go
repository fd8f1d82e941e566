package undo

import (
	"github.com/zhukovaskychina/xundo/server/common"
	"github.com/zhukovaskychina/xundo/server/innodb/manager"
)

// BufferManager 撤销记录集使用的缓冲池操作，由 buffer_pool.BufferPool 实现
type BufferManager interface {
	ReadBuffer(tag common.BufferTag, mode common.ReadMode) (common.BufferID, error)
	LockBuffer(id common.BufferID, mode common.LockMode)
	UnlockBuffer(id common.BufferID)
	ReleaseBuffer(id common.BufferID)
	MarkBufferDirty(id common.BufferID)
	Page(id common.BufferID) []byte
	SetPageLSN(id common.BufferID, lsn common.LSN)
}

// LogAllocator 撤销日志分配器，由 manager.UndoLogManager 实现
type LogAllocator interface {
	GetForPersistence(p common.Persistence) (*manager.UndoLogSlot, error)
	SlotForRecovery(logno common.LogNumber) *manager.UndoLogSlot
	AdjustPhysicalRange(logno common.LogNumber, newDiscard, newEnd common.LogOffset) error
	MarkFull(slot *manager.UndoLogSlot)
	Put(slot *manager.UndoLogSlot)
	MaxSize() common.LogOffset
}

// WALInserter 正在构造的 WAL 记录，由 manager.RecordBuilder 实现
type WALInserter interface {
	RegisterBuffer(id common.BlockID, buffer common.BufferID, flags common.RegisterFlags) error
	RegisterBufData(id common.BlockID, data []byte) error
}

// RedoRecord 重放中的 WAL 记录，由 manager.RedoRecordReader 实现
type RedoRecord interface {
	ReadRecPtr() common.LSN
	MaxBlockID() int
	BlockRef(id common.BlockID) (common.RedoBlockRef, bool)
	BlockData(id common.BlockID) []byte
	ReadBufferForRedo(id common.BlockID, mode common.ReadMode) (common.RedoAction, common.BufferID, error)
}
