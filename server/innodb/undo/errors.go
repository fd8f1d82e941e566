package undo

import "github.com/juju/errors"

// 配置错误
var (
	ErrUnknownRecordSetType = errors.New("unknown undo record set type")
	ErrTypeHeaderTooLarge   = errors.New("type header payload larger than the type header")
	ErrRequestTooLarge      = errors.New("undo request can never fit in one undo log")
)

// 损坏错误，恢复无法越过
var (
	ErrCorruptedOpStream     = errors.New("corrupted undo update instruction")
	ErrCorruptedInsertData   = errors.New("undo insert data corrupted")
	ErrInsertPointerMismatch = errors.New("undo insert pointer does not match the first registered block")
	ErrMixedUndoLogs         = errors.New("record references blocks of more than one undo log")
	ErrInvalidUpdateOp       = errors.New("update instruction outside the page data area")
)

// 调用顺序错误
var (
	ErrBuffersHeld       = errors.New("undo record set still holds buffers")
	ErrNotAllocated      = errors.New("undo record set has no allocated space")
	ErrNotPrepared       = errors.New("chunk headers not prepared for close")
	ErrInsertOverrun     = errors.New("undo insert runs past the pinned buffers")
	ErrRecordSetReleased = errors.New("undo record set already released")
	ErrRecordSetClosed   = errors.New("undo record set already closed")
)

// 完整性错误
var (
	ErrRecordSetLeaked = errors.New("undo record set not closed before exit")
)
