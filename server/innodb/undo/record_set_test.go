package undo

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xundo/server/common"
)

func TestCreate(t *testing.T) {
	f := newUndoFixture(t, 64)

	_, err := Create(f.rt, RecordSetType(9), common.PersistencePermanent)
	assert.Equal(t, ErrUnknownRecordSetType, errors.Cause(err))
	_, err = Create(f.rt, TypeGeneric, common.PersistencePermanent, WithTypeHeader(make([]byte, GenericHeaderSize+1)))
	assert.Equal(t, ErrTypeHeaderTooLarge, errors.Cause(err))
	assert.Equal(t, 0, f.rt.Registry.Len(), "failed creations are not registered")

	urs, err := Create(f.rt, TypeTransaction, common.PersistencePermanent)
	require.NoError(t, err)
	assert.Equal(t, 1, f.rt.Registry.Len())
	assert.Empty(t, urs.Chunks(), "no space until the first allocation")
	assert.Equal(t, ErrRecordSetLeaked, errors.Cause(f.rt.Registry.CheckEmpty()))

	require.NoError(t, urs.PrepareToMarkClosed())
	require.NoError(t, urs.MarkClosed(nil, 0))
	urs.Release()
	assert.NoError(t, f.rt.Registry.CheckEmpty())
}

// 单块记录集：头部、数据、关闭后的 size
func TestSingleChunkLifecycle(t *testing.T) {
	f := newUndoFixture(t, 64)
	urs, err := Create(f.rt, TypeTransaction, common.PersistencePermanent, WithTypeHeader([]byte("xid-42")))
	require.NoError(t, err)

	data := payload(100, 1)
	ptr, _ := f.appendLogged(t, urs, data)
	chunkStart := MakeRecPtr(ptr.LogNo, common.BlockHeaderSize)
	assert.Equal(t, chunkStart.PlusUsableBytes(ChunkHeaderSize+TransactionHeaderSize), ptr)
	assert.Equal(t, data, f.read(t, ptr, len(data)))
	assert.Equal(t, 0, urs.NumBuffers())

	h := f.chunkHeader(t, chunkStart)
	assert.Equal(t, uint64(0), h.Size, "size stays zero until close")
	assert.False(t, h.Previous.IsValid())
	assert.Equal(t, TypeTransaction, h.Type)

	typeHeader := f.read(t, chunkStart.PlusUsableBytes(ChunkHeaderSize), TransactionHeaderSize)
	assert.Equal(t, []byte("xid-42"), typeHeader[:6])
	assert.Equal(t, make([]byte, TransactionHeaderSize-6), typeHeader[6:])

	// 第二次写入不再带头部
	more := payload(50, 2)
	ptr2, _ := f.appendLogged(t, urs, more)
	assert.Equal(t, ptr.PlusUsableBytes(len(data)), ptr2)

	f.closeLogged(t, urs)
	assert.True(t, urs.IsClosed())
	h = f.chunkHeader(t, chunkStart)
	assert.Equal(t, uint64(ChunkHeaderSize+TransactionHeaderSize+100+50), h.Size)
	assert.Equal(t, 0, f.rt.Registry.Len())

	slot, ok := f.logs.Slot(ptr.LogNo)
	require.True(t, ok)
	assert.False(t, f.logs.InUse(slot), "log returned on release")
	assert.Equal(t, ptr2.Offset+50, slot.Insert())

	_, err = urs.Allocate(10)
	assert.Equal(t, ErrRecordSetReleased, errors.Cause(err))
}

func TestAllocateSpansPages(t *testing.T) {
	f := newUndoFixture(t, 64)
	urs, err := Create(f.rt, TypeGeneric, common.PersistenceUnlogged)
	require.NoError(t, err)

	data := payload(3*common.BlockSize, 5)
	ptr, err := urs.Allocate(len(data))
	require.NoError(t, err)
	assert.Equal(t, 4, urs.NumBuffers())

	_, err = urs.Allocate(1)
	assert.Equal(t, ErrBuffersHeld, errors.Cause(err))

	wal := newRecordingWAL()
	require.NoError(t, urs.Insert(wal, 2, data))
	require.Len(t, wal.regs, 4)
	for i, reg := range wal.regs {
		assert.Equal(t, common.BlockID(2+i), reg.id)
		assert.Equal(t, common.BlockNumber(i), f.pool.Tag(reg.buf).Block)
		assert.Equal(t, common.RegWillInit, reg.flags, "every page is written from its data start")
	}
	assert.Equal(t, AppendInsertOp(AppendInsertOp(nil, ChunkHeader{Type: TypeGeneric}.Encode()), make([]byte, GenericHeaderSize)), wal.data[2])
	urs.Release()

	assert.Equal(t, data, f.read(t, ptr, len(data)))
	page := f.pageImage(t, ptr.LogNo, 2)
	assert.Equal(t, uint16(common.BlockHeaderSize), common.GetPageLower(page))
	assert.Equal(t, common.FIL_PAGE_UNDO_LOG, common.GetPageType(page))

	require.NoError(t, urs.PrepareToMarkClosed())
	require.NoError(t, urs.MarkClosed(nil, 0))
	urs.Release()
}

// 日志写满后换到新日志，新块记录前一个块的位置
func TestChunkSwitchOnFullLog(t *testing.T) {
	f := newUndoFixture(t, 4)
	urs, err := Create(f.rt, TypeTransaction, common.PersistencePermanent)
	require.NoError(t, err)

	var ptrs []RecPtr
	for i := 0; i < 10 && len(urs.Chunks()) < 2; i++ {
		ptr, _ := f.appendLogged(t, urs, payload(6000, byte(i)))
		ptrs = append(ptrs, ptr)
	}
	chunks := urs.Chunks()
	require.Len(t, chunks, 2)
	assert.NotEqual(t, chunks[0].LogNo, chunks[1].LogNo)

	last := ptrs[len(ptrs)-1]
	assert.Equal(t, chunks[1].Start().PlusUsableBytes(ChunkHeaderSize), last, "only the first chunk carries the type header")
	for i, ptr := range ptrs {
		assert.Equal(t, payload(6000, byte(i)), f.read(t, ptr, 6000))
	}

	first, ok := f.logs.Slot(chunks[0].LogNo)
	require.True(t, ok)
	assert.True(t, first.IsFull())
	second, ok := f.logs.Slot(chunks[1].LogNo)
	require.True(t, ok)
	assert.Equal(t, second.Insert(), urs.insert, "cached insert position follows the active log")

	f.closeLogged(t, urs)
	h0 := f.chunkHeader(t, chunks[0].Start())
	h1 := f.chunkHeader(t, chunks[1].Start())
	assert.False(t, h0.Previous.IsValid())
	assert.Equal(t, chunks[0].Start(), h1.Previous)
	assert.Equal(t, uint64(chunks[0].Insert-chunks[0].HeaderOffset), h0.Size)
	assert.Equal(t, uint64(last.Offset+6000-chunks[1].HeaderOffset), h1.Size)
	assert.Equal(t, TypeTransaction, h1.Type)
}

func TestAllocateTooLarge(t *testing.T) {
	f := newUndoFixture(t, 4)
	urs, err := Create(f.rt, TypeGeneric, common.PersistencePermanent)
	require.NoError(t, err)

	_, err = urs.Allocate(4 * common.UsableBytesPerPage)
	assert.Equal(t, ErrRequestTooLarge, errors.Cause(err))
	assert.Empty(t, urs.Chunks())
	assert.Equal(t, 0, urs.NumBuffers())

	require.NoError(t, urs.MarkClosed(nil, 0))
	urs.Release()
}

// 只有不带块头才放得下的请求，换到新日志也放不下，直接拒绝而不是不断开新日志
func TestAllocateFitsOnlyWithoutChunkHeader(t *testing.T) {
	f := newUndoFixture(t, 1)
	urs, err := Create(f.rt, TypeGeneric, common.PersistencePermanent)
	require.NoError(t, err)
	ptr, _ := f.appendLogged(t, urs, payload(10, 1))

	size := common.UsableBytesPerPage - 8
	require.Less(t, size, common.UsableBytesPerPage)
	require.Greater(t, size+ChunkHeaderSize, common.UsableBytesPerPage)
	_, err = urs.Allocate(size)
	assert.Equal(t, ErrRequestTooLarge, errors.Cause(err))
	assert.Equal(t, 0, urs.NumBuffers())
	require.Len(t, urs.Chunks(), 1)
	_, ok := f.logs.Slot(ptr.LogNo + 1)
	assert.False(t, ok, "no new log created")

	slot, ok := f.logs.Slot(ptr.LogNo)
	require.True(t, ok)
	assert.False(t, slot.IsFull())

	next, _ := f.appendLogged(t, urs, payload(10, 2))
	assert.Equal(t, ptr.PlusUsableBytes(10), next)
	assert.Equal(t, slot.Insert(), urs.insert)
	f.closeLogged(t, urs)
}

// 关闭之后、释放之前不能再分配
func TestAllocateAfterMarkClosed(t *testing.T) {
	f := newUndoFixture(t, 64)
	urs, err := Create(f.rt, TypeGeneric, common.PersistencePermanent)
	require.NoError(t, err)
	f.appendLogged(t, urs, payload(10, 1))

	require.NoError(t, urs.PrepareToMarkClosed())
	require.NoError(t, urs.MarkClosed(nil, 0))
	held := urs.NumBuffers()
	_, err = urs.Allocate(5)
	assert.Equal(t, ErrRecordSetClosed, errors.Cause(err))
	assert.Equal(t, held, urs.NumBuffers())
	urs.Release()
	assert.NoError(t, f.rt.Registry.CheckEmpty())
}

// 块头跨页时，size 字段拆到两页，第二页从块头之后写起，注册号按持有下标计算
func TestMarkClosedStraddlingHeader(t *testing.T) {
	f := newUndoFixture(t, 64)

	filler, err := Create(f.rt, TypeTransaction, common.PersistencePermanent)
	require.NoError(t, err)
	// 日志 1 的插入位置停在第 0 页末尾前 3 字节
	fill := common.BlockSize - 3 - common.BlockHeaderSize - ChunkHeaderSize - TransactionHeaderSize
	f.appendLogged(t, filler, payload(fill, 3))
	f.closeLogged(t, filler)

	urs, err := Create(f.rt, TypeGeneric, common.PersistencePermanent)
	require.NoError(t, err)
	data := payload(50, 4)
	ptr, err := urs.Allocate(len(data))
	require.NoError(t, err)
	require.NoError(t, urs.Insert(newRecordingWAL(), 0, data))
	urs.Release()

	chunks := urs.Chunks()
	require.Len(t, chunks, 1)
	assert.Equal(t, common.LogOffset(common.BlockSize-3), chunks[0].HeaderOffset)
	assert.Equal(t, MakeRecPtr(chunks[0].LogNo, common.BlockSize+common.BlockHeaderSize+22), ptr)
	assert.Equal(t, data, f.read(t, ptr, len(data)))

	require.NoError(t, urs.PrepareToMarkClosed())
	assert.Equal(t, 2, urs.NumBuffers())
	wal := newRecordingWAL()
	require.NoError(t, urs.MarkClosed(wal, 3))

	require.Len(t, wal.regs, 2)
	assert.Equal(t, common.BlockID(3), wal.regs[0].id)
	assert.Equal(t, common.BlockNumber(0), f.pool.Tag(wal.regs[0].buf).Block)
	assert.Equal(t, common.BlockID(4), wal.regs[1].id)
	assert.Equal(t, common.BlockNumber(1), f.pool.Tag(wal.regs[1].buf).Block)

	size := uint64(ptr.Offset + 50 - chunks[0].HeaderOffset)
	sizeBytes := encodeChunkSize(size)
	op0, err := AppendUpdateOp(nil, common.BlockSize-3, sizeBytes[:3])
	require.NoError(t, err)
	op1, err := AppendUpdateOp(nil, common.BlockHeaderSize, sizeBytes[3:])
	require.NoError(t, err)
	assert.Equal(t, op0, wal.data[3])
	assert.Equal(t, op1, wal.data[4])
	urs.Release()

	h := f.chunkHeader(t, chunks[0].Start())
	assert.Equal(t, size, h.Size)
	assert.Equal(t, TypeGeneric, h.Type)
	assert.False(t, h.Previous.IsValid())
	assert.Equal(t, 0, f.rt.Registry.Len())
}

func TestMarkClosedRequiresPrepare(t *testing.T) {
	f := newUndoFixture(t, 64)
	urs, err := Create(f.rt, TypeGeneric, common.PersistencePermanent)
	require.NoError(t, err)
	f.appendLogged(t, urs, payload(10, 0))

	assert.Equal(t, ErrNotPrepared, errors.Cause(urs.MarkClosed(nil, 0)))
	assert.False(t, urs.IsClosed())
	f.closeLogged(t, urs)
}

// 未关闭就释放只放掉缓冲区，日志仍被占用
func TestReleaseWithoutCloseKeepsLog(t *testing.T) {
	f := newUndoFixture(t, 64)
	urs, err := Create(f.rt, TypeGeneric, common.PersistencePermanent)
	require.NoError(t, err)
	ptr, _ := f.appendLogged(t, urs, payload(20, 1))
	urs.Release()

	slot, ok := f.logs.Slot(ptr.LogNo)
	require.True(t, ok)
	assert.True(t, f.logs.InUse(slot))
	assert.Equal(t, 1, f.rt.Registry.Len())
	assert.Equal(t, ErrRecordSetLeaked, errors.Cause(f.rt.Registry.CheckEmpty()))

	f.closeLogged(t, urs)
	assert.False(t, f.logs.InUse(slot))
	assert.NoError(t, f.rt.Registry.CheckEmpty())
}
