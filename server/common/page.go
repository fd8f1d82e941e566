package common

import (
	"encoding/binary"
	"fmt"
)

type PageType uint16

// LSN 预写日志中的位置
type LSN uint64

// InvalidLSN 表示尚未写入日志的页面
const InvalidLSN LSN = 0

// LogNumber 撤销日志编号
type LogNumber uint32

// LogOffset 撤销日志内的字节偏移（包含块头）
type LogOffset uint64

// BlockNumber 撤销日志内的块号
type BlockNumber uint32

// BufferID 缓冲池中的缓冲区句柄，0 为无效句柄
type BufferID int32

const InvalidBuffer BufferID = 0

// BlockID WAL 记录内注册块的编号，与 BufferID 是两个不同的概念
type BlockID uint8

// MaxBlockID 单条 WAL 记录允许注册的最大块编号
const MaxBlockID BlockID = 32

// StorageArea 块所属的存储区域
type StorageArea uint8

const (
	AreaUndo StorageArea = 1
)

// Persistence 撤销日志的持久化级别
type Persistence byte

const (
	PersistencePermanent Persistence = 'p'
	PersistenceUnlogged  Persistence = 'u'
	PersistenceTemp      Persistence = 't'
)

func (p Persistence) String() string {
	switch p {
	case PersistencePermanent:
		return "permanent"
	case PersistenceUnlogged:
		return "unlogged"
	case PersistenceTemp:
		return "temp"
	}
	return fmt.Sprintf("persistence(%d)", byte(p))
}

// BufferTag 唯一标识一个块
type BufferTag struct {
	Area  StorageArea
	LogNo LogNumber
	Block BlockNumber
}

func UndoTag(logno LogNumber, block BlockNumber) BufferTag {
	return BufferTag{Area: AreaUndo, LogNo: logno, Block: block}
}

func (t BufferTag) String() string {
	return fmt.Sprintf("area=%d log=%d block=%d", t.Area, t.LogNo, t.Block)
}

// ReadMode 读取缓冲区的方式
type ReadMode uint8

const (
	// ReadNormal 不在缓冲池时从磁盘读取
	ReadNormal ReadMode = iota
	// ReadZero 不读磁盘，得到全零页面，不加内容锁
	ReadZero
	// ReadZeroAndLock 同 ReadZero，返回前加排它内容锁
	ReadZeroAndLock
)

// LockMode 内容锁模式
type LockMode uint8

const (
	LockShared LockMode = iota + 1
	LockExclusive
)

// RegisterFlags 注册 WAL 缓冲区时的标志
type RegisterFlags uint8

const (
	// RegWillInit 页面从第一个字节开始写，重放时无需读取也无需整页镜像
	RegWillInit RegisterFlags = 1 << iota
	// RegForceImage 总是附带整页镜像
	RegForceImage
)

// RedoAction 重放时读取块的结果
type RedoAction uint8

const (
	BlockNeedsRedo RedoAction = iota
	BlockDone
	BlockRestored
	BlockNotFound
)

func (a RedoAction) String() string {
	switch a {
	case BlockNeedsRedo:
		return "needs-redo"
	case BlockDone:
		return "done"
	case BlockRestored:
		return "restored"
	case BlockNotFound:
		return "not-found"
	}
	return "unknown"
}

// GetPageLSN 读取块头中的 LSN（持久化标记）
func GetPageLSN(page []byte) LSN {
	return LSN(binary.LittleEndian.Uint64(page[PageLSNOffset:]))
}

func SetPageLSN(page []byte, lsn LSN) {
	binary.LittleEndian.PutUint64(page[PageLSNOffset:], uint64(lsn))
}

func GetPageChecksum(page []byte) uint32 {
	return binary.LittleEndian.Uint32(page[PageChecksumOffset:])
}

func SetPageChecksum(page []byte, sum uint32) {
	binary.LittleEndian.PutUint32(page[PageChecksumOffset:], sum)
}

// GetPageLower 读取页内插入游标，恢复时用来重新同步插入位置
func GetPageLower(page []byte) uint16 {
	return binary.LittleEndian.Uint16(page[PageLowerOffset:])
}

func SetPageLower(page []byte, lower uint16) {
	binary.LittleEndian.PutUint16(page[PageLowerOffset:], lower)
}

func GetPageType(page []byte) PageType {
	return PageType(binary.LittleEndian.Uint16(page[PageTypeOffset:]))
}

// PageInit 清零页面并写入撤销日志块头
func PageInit(page []byte) {
	for i := range page {
		page[i] = 0
	}
	binary.LittleEndian.PutUint16(page[PageLowerOffset:], BlockHeaderSize)
	binary.LittleEndian.PutUint16(page[PageUpperOffset:], uint16(len(page)&0xffff))
	binary.LittleEndian.PutUint16(page[PageSpecialOffset:], uint16(len(page)&0xffff))
	binary.LittleEndian.PutUint16(page[PageTypeOffset:], uint16(FIL_PAGE_UNDO_LOG))
}

// IsZeroPage 判断页面是否从未写过
func IsZeroPage(page []byte) bool {
	for _, b := range page {
		if b != 0 {
			return false
		}
	}
	return true
}

// RedoBlockRef 一条 WAL 记录中注册块的描述
type RedoBlockRef struct {
	Tag      BufferTag
	Flags    RegisterFlags
	HasImage bool
}

// WillInit 重放时页面从零开始构造
func (r RedoBlockRef) WillInit() bool {
	return r.Flags&RegWillInit != 0
}
