package undo

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xundo/server/common"
	"github.com/zhukovaskychina/xundo/server/innodb/manager"
)

// 崩溃后从头重放，页面与崩溃前逐字节相同，插入位置与正常路径一致
func TestReplayRebuildsPages(t *testing.T) {
	f := newUndoFixture(t, 64)
	urs, err := Create(f.rt, TypeTransaction, common.PersistencePermanent, WithTypeHeader([]byte{7, 7}))
	require.NoError(t, err)

	sizes := []int{100, 9000, 30, common.UsableBytesPerPage}
	var ptrs []RecPtr
	for i, n := range sizes {
		ptr, _ := f.appendLogged(t, urs, payload(n, byte(i)))
		ptrs = append(ptrs, ptr)
	}
	f.closeLogged(t, urs)
	logno := ptrs[0].LogNo

	slot, ok := f.logs.Slot(logno)
	require.True(t, ok)
	insert := slot.Insert()
	lastBlock := MakeRecPtr(logno, insert).Block()
	var before [][]byte
	for b := common.BlockNumber(0); b <= lastBlock; b++ {
		before = append(before, f.pageImage(t, logno, b))
	}

	f.restart(t, 64)
	replayed := f.replay(t, f.redo.Records(1))
	assert.Equal(t, ptrs, replayed)

	for b := common.BlockNumber(0); b <= lastBlock; b++ {
		assert.Equal(t, before[b], f.pageImage(t, logno, b), "block %d", b)
	}
	recovered, ok := f.logs.Slot(logno)
	require.True(t, ok)
	assert.Equal(t, insert, recovered.Insert())

	h := f.chunkHeader(t, MakeRecPtr(logno, common.BlockHeaderSize))
	assert.Equal(t, uint64(insert-common.BlockHeaderSize), h.Size)
}

// 第一个块带整页镜像时，插入位置由镜像中的 pd_lower 重新同步
func TestReplayInsertResyncsFromImage(t *testing.T) {
	f := newUndoFixture(t, 64)
	urs, err := Create(f.rt, TypeGeneric, common.PersistencePermanent)
	require.NoError(t, err)

	f.appendLogged(t, urs, payload(200, 1))
	require.NoError(t, f.pool.FlushAll())
	ckpt, err := f.redo.Checkpoint(manager.EncodeUndoCheckpoint(f.logs.Checkpoint()))
	require.NoError(t, err)

	data := payload(300, 2)
	ptr, lsn := f.appendLogged(t, urs, data)
	recs := f.redo.Records(ckpt + 1)
	require.Len(t, recs, 1)
	require.Equal(t, lsn, recs[0].LSN)
	require.NotEmpty(t, recs[0].Blocks[0].Image)

	// 分配器不知道日志 1 的位置，只能靠镜像
	f.restart(t, 64)
	replayed := f.replay(t, recs)
	require.Len(t, replayed, 1)
	assert.Equal(t, ptr, replayed[0])
	assert.Equal(t, data, f.read(t, ptr, len(data)))

	slot, ok := f.logs.Slot(ptr.LogNo)
	require.True(t, ok)
	assert.Equal(t, ptr.Offset+300, slot.Insert())
}

func TestReplayInsertPointerMismatch(t *testing.T) {
	f := newUndoFixture(t, 64)
	urs, err := Create(f.rt, TypeGeneric, common.PersistencePermanent)
	require.NoError(t, err)
	f.appendLogged(t, urs, payload(9000, 1))
	_, lsn := f.appendLogged(t, urs, payload(10, 2))
	f.closeLogged(t, urs)

	// 只重放第二条：它从第 1 块开始，而新分配器停在第 0 块
	f.restart(t, 64)
	rec := f.redo.Records(lsn)[0]
	require.Empty(t, rec.Blocks[0].Image)
	_, err = ReplayInsert(f.rt, manager.NewRedoRecord(rec, f.pool), rec.MainData)
	assert.Equal(t, ErrInsertPointerMismatch, errors.Cause(err))
	assert.NoError(t, f.pool.DropAll(), "buffers released on error")
}

// 块已被丢弃时跳过写入，但插入位置照常前进
func TestReplayInsertSkipsDiscardedBlocks(t *testing.T) {
	f := newUndoFixture(t, 64)
	urs, err := Create(f.rt, TypeGeneric, common.PersistencePermanent)
	require.NoError(t, err)
	ptr, lsn := f.appendLogged(t, urs, payload(100, 1))
	f.closeLogged(t, urs)
	require.NoError(t, f.pool.FlushAll())
	require.NoError(t, f.logs.AdjustPhysicalRange(ptr.LogNo, common.BlockSize, 0))

	f.restart(t, 64)
	rec := f.redo.Records(lsn)[0]
	got, err := ReplayInsert(f.rt, manager.NewRedoRecord(rec, f.pool), rec.MainData)
	require.NoError(t, err)
	assert.Equal(t, ptr, got)
	slot, ok := f.logs.Slot(ptr.LogNo)
	require.True(t, ok)
	assert.Equal(t, ptr.Offset+100, slot.Insert())

	_, err = f.pool.ReadBuffer(common.UndoTag(ptr.LogNo, 0), common.ReadNormal)
	assert.Error(t, err, "discarded block stays unreadable")

	closeRec := f.redo.Records(lsn + 1)[0]
	assert.NoError(t, ReplayUpdate(f.rt, manager.NewRedoRecord(closeRec, f.pool)))
}

func TestReplayCorruption(t *testing.T) {
	f := newUndoFixture(t, 64)
	urs, err := Create(f.rt, TypeGeneric, common.PersistencePermanent)
	require.NoError(t, err)
	_, insertLSN := f.appendLogged(t, urs, payload(20, 1))
	closeLSN := f.closeLogged(t, urs)

	t.Run("插入数据损坏", func(t *testing.T) {
		f.restart(t, 64)
		rec := *f.redo.Records(insertLSN)[0]
		rec.Blocks = append([]manager.BlockRecord(nil), rec.Blocks...)
		rec.Blocks[0].Data = rec.Blocks[0].Data[:5]
		_, err := ReplayInsert(f.rt, manager.NewRedoRecord(&rec, f.pool), rec.MainData)
		assert.Equal(t, ErrCorruptedInsertData, errors.Cause(err))
	})

	t.Run("更新指令损坏", func(t *testing.T) {
		f.restart(t, 64)
		f.replay(t, f.redo.Records(insertLSN)[:1])
		rec := *f.redo.Records(closeLSN)[0]
		rec.Blocks = append([]manager.BlockRecord(nil), rec.Blocks...)
		rec.Blocks[0].Data = rec.Blocks[0].Data[:6]
		err := ReplayUpdate(f.rt, manager.NewRedoRecord(&rec, f.pool))
		assert.Equal(t, ErrCorruptedOpStream, errors.Cause(err))
	})

	t.Run("页面已是最新", func(t *testing.T) {
		f.restart(t, 64)
		f.replay(t, f.redo.Records(insertLSN))
		page := f.pageImage(t, 1, 0)
		rec := f.redo.Records(closeLSN)[0]
		require.NoError(t, ReplayUpdate(f.rt, manager.NewRedoRecord(rec, f.pool)))
		assert.Equal(t, page, f.pageImage(t, 1, 0))
	})
}

// 页面 LSN 已覆盖记录时，再次重放关闭记录不改变页面
func TestReplayUpdateIdempotent(t *testing.T) {
	f := newUndoFixture(t, 64)
	urs, err := Create(f.rt, TypeGeneric, common.PersistencePermanent)
	require.NoError(t, err)
	ptr, _ := f.appendLogged(t, urs, payload(100, 3))
	closeLSN := f.closeLogged(t, urs)

	f.restart(t, 64)
	f.replay(t, f.redo.Records(1))
	once := f.pageImage(t, ptr.LogNo, 0)

	closeRec := f.redo.Records(closeLSN)[0]
	require.NoError(t, ReplayUpdate(f.rt, manager.NewRedoRecord(closeRec, f.pool)))
	assert.Equal(t, once, f.pageImage(t, ptr.LogNo, 0))

	h := f.chunkHeader(t, MakeRecPtr(ptr.LogNo, common.BlockHeaderSize))
	assert.Equal(t, uint64(ChunkHeaderSize+GenericHeaderSize+100), h.Size)
}
