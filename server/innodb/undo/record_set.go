package undo

import (
	"container/list"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xundo/logger"
	"github.com/zhukovaskychina/xundo/server/common"
	"github.com/zhukovaskychina/xundo/server/innodb/manager"
	"github.com/zhukovaskychina/xundo/util"
)

// chunk 一个撤销日志中属于本记录集的连续区间
type chunk struct {
	slot         *manager.UndoLogSlot
	headerOffset common.LogOffset
	// 关闭时 size 字段所在的缓冲区下标，第二个只在跨页时有效
	headerBuffer [2]int
}

// ChunkInfo 块的只读描述
type ChunkInfo struct {
	LogNo        common.LogNumber
	HeaderOffset common.LogOffset
	Insert       common.LogOffset
}

// Start 块头的位置
func (c ChunkInfo) Start() RecPtr {
	return MakeRecPtr(c.LogNo, c.HeaderOffset)
}

// UndoRecordSet 一组逻辑相关的撤销数据，可能跨越多个撤销日志。
// 不是并发安全的，同一时刻只能由一个执行者操作。
type UndoRecordSet struct {
	rt          *Runtime
	typ         RecordSetType
	persistence common.Persistence

	typeHeader    []byte
	chunks        []chunk
	previousChunk RecPtr
	slot          *manager.UndoLogSlot
	recentEnd     common.LogOffset
	// insert 当前日志的插入位置，日志被本记录集独占期间只有它推进
	insert common.LogOffset

	needChunkHeader bool
	needTypeHeader  bool
	chunkHeader     ChunkHeader

	buffers bufferSet

	closed   bool
	released bool
	elem     *list.Element
}

// Option 创建记录集时的可选参数
type Option func(*UndoRecordSet) error

// WithTypeHeader 设置类型头内容，不足部分补零
func WithTypeHeader(payload []byte) Option {
	return func(urs *UndoRecordSet) error {
		if len(payload) > len(urs.typeHeader) {
			return errors.Annotatef(ErrTypeHeaderTooLarge, "%d > %d", len(payload), len(urs.typeHeader))
		}
		copy(urs.typeHeader, payload)
		return nil
	}
}

// Create 创建一个空记录集并登记，此时不分配任何空间
func Create(rt *Runtime, typ RecordSetType, persistence common.Persistence, opts ...Option) (*UndoRecordSet, error) {
	size, err := TypeHeaderSize(typ)
	if err != nil {
		return nil, err
	}
	urs := &UndoRecordSet{
		rt:             rt,
		typ:            typ,
		persistence:    persistence,
		typeHeader:     make([]byte, size),
		needTypeHeader: true,
	}
	for _, opt := range opts {
		if err := opt(urs); err != nil {
			return nil, err
		}
	}
	urs.elem = rt.Registry.register(urs)
	return urs, nil
}

func (urs *UndoRecordSet) Type() RecordSetType {
	return urs.typ
}

func (urs *UndoRecordSet) Persistence() common.Persistence {
	return urs.persistence
}

func (urs *UndoRecordSet) IsClosed() bool {
	return urs.closed
}

// NumBuffers 当前持有的缓冲区数
func (urs *UndoRecordSet) NumBuffers() int {
	return urs.buffers.len()
}

// Chunks 按创建顺序列出已写入的块
func (urs *UndoRecordSet) Chunks() []ChunkInfo {
	out := make([]ChunkInfo, 0, len(urs.chunks))
	for _, c := range urs.chunks {
		out = append(out, ChunkInfo{LogNo: c.slot.LogNo(), HeaderOffset: c.headerOffset, Insert: c.slot.Insert()})
	}
	return out
}

// pendingHeaderSize 下一次插入需要写的头部字节数
func (urs *UndoRecordSet) pendingHeaderSize() int {
	n := 0
	if urs.needChunkHeader || urs.slot == nil {
		n += ChunkHeaderSize
	}
	if urs.needTypeHeader {
		n += len(urs.typeHeader)
	}
	return n
}

// freshChunkSize 在一个全新日志里开新块时需要的字节数
func (urs *UndoRecordSet) freshChunkSize(size int) int {
	n := size + ChunkHeaderSize
	if urs.needTypeHeader {
		n += len(urs.typeHeader)
	}
	return n
}

// reserve 找到能容纳 size 字节数据（加上未写的头部）的位置，必要时换到新的撤销日志
func (urs *UndoRecordSet) reserve(size int) (RecPtr, error) {
	logs := urs.rt.Logs
	if OffsetPlusUsableBytes(common.BlockHeaderSize, urs.freshChunkSize(size)) > logs.MaxSize() {
		return InvalidRecPtr, errors.Annotatef(ErrRequestTooLarge, "%d bytes, log size limit %d", size, logs.MaxSize())
	}

	for {
		if urs.slot != nil {
			logno := urs.slot.LogNo()
			insert := urs.insert
			newInsert := OffsetPlusUsableBytes(insert, size+urs.pendingHeaderSize())
			if newInsert <= urs.recentEnd {
				return MakeRecPtr(logno, insert), nil
			}
			urs.recentEnd = urs.slot.End()
			if newInsert <= urs.recentEnd {
				return MakeRecPtr(logno, insert), nil
			}
			if newInsert <= logs.MaxSize() {
				if err := logs.AdjustPhysicalRange(logno, 0, newInsert); err != nil {
					return InvalidRecPtr, err
				}
				urs.recentEnd = urs.slot.End()
				return MakeRecPtr(logno, insert), nil
			}

			logger.Debugf("undo log %d full at %d, switching logs", logno, insert)
			logs.MarkFull(urs.slot)
			if urs.needChunkHeader {
				// 这个块还没有写入任何字节
				logs.Put(urs.slot)
				urs.chunks = urs.chunks[:len(urs.chunks)-1]
			}
			urs.slot = nil
		}

		slot, err := logs.GetForPersistence(urs.persistence)
		if err != nil {
			return InvalidRecPtr, err
		}
		urs.previousChunk = InvalidRecPtr
		if n := len(urs.chunks); n > 0 {
			last := urs.chunks[n-1]
			urs.previousChunk = MakeRecPtr(last.slot.LogNo(), last.headerOffset)
		}
		urs.slot = slot
		urs.insert = slot.Insert()
		urs.recentEnd = 0
		urs.needChunkHeader = true
		urs.chunks = append(urs.chunks, chunk{
			slot:         slot,
			headerOffset: urs.insert,
			headerBuffer: [2]int{-1, -1},
		})
		logger.Debugf("undo record set %s starts chunk %d in log %d at %d", urs.typ, len(urs.chunks), slot.LogNo(), urs.insert)
	}
}

// Allocate 预留 size 字节的数据空间，钉住并锁住涉及的所有页面，返回数据（跳过头部之后）的起始位置。
// 调用方必须在临界区内紧接着调用 Insert。
func (urs *UndoRecordSet) Allocate(size int) (RecPtr, error) {
	if urs.released {
		return InvalidRecPtr, errors.Trace(ErrRecordSetReleased)
	}
	if urs.closed {
		return InvalidRecPtr, errors.Trace(ErrRecordSetClosed)
	}
	if urs.buffers.len() != 0 {
		return InvalidRecPtr, errors.Annotatef(ErrBuffersHeld, "%d buffers", urs.buffers.len())
	}
	begin, err := urs.reserve(size)
	if err != nil {
		return InvalidRecPtr, err
	}
	header := urs.pendingHeaderSize()
	remaining := size + header

	pinned := make([]pinnedBuffer, 0, remaining/common.UsableBytesPerPage+2)
	at := begin
	for remaining > 0 {
		mode := common.ReadNormal
		if at.PageOffset() == common.BlockHeaderSize {
			mode = common.ReadZero
		}
		p, err := pinBuffer(urs.rt.Buffers, common.UndoTag(at.LogNo, at.Block()), mode)
		if err != nil {
			for _, p := range pinned {
				p.unpin(urs.rt.Buffers)
			}
			return InvalidRecPtr, err
		}
		pinned = append(pinned, p)
		remaining -= util.MinInt(common.BlockSize-at.PageOffset(), remaining)
		at = MakeRecPtr(at.LogNo, common.LogOffset(at.Block()+1)*common.BlockSize+common.BlockHeaderSize)
	}

	urs.buffers.grow(len(pinned))
	for _, p := range pinned {
		urs.buffers.add(p.lock(urs.rt.Buffers))
	}
	return begin.PlusUsableBytes(header), nil
}
