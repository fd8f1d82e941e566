package manager

import "github.com/juju/errors"

// 撤销日志分配器错误
var (
	ErrLogNotFound      = errors.New("undo log not found")
	ErrLogNumberOverrun = errors.New("undo log numbers exhausted")
	ErrLogTooLarge      = errors.New("undo log range exceeds maximum size")
	ErrBadPersistence   = errors.New("unknown undo log persistence")
)

// 重做日志错误
var (
	ErrBlockNotRegistered = errors.New("block id not registered")
	ErrBlockIDOutOfRange  = errors.New("block id out of range")
	ErrBlockAlreadyInUse  = errors.New("block id registered with another buffer")
	ErrRecordChecksum     = errors.New("redo record checksum mismatch")
	ErrRecordTruncated    = errors.New("redo record truncated")
	ErrUnknownCompression = errors.New("unknown full page image compression")
	ErrImageCorrupted     = errors.New("full page image corrupted")
	ErrNoCheckpoint       = errors.New("no checkpoint record")
	ErrRedoManagerClosed  = errors.New("redo log manager closed")
)
