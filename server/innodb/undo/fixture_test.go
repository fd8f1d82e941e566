package undo

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xundo/server/common"
	"github.com/zhukovaskychina/xundo/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xundo/server/innodb/manager"
	"github.com/zhukovaskychina/xundo/server/innodb/storage/store/blocks"
)

// WAL 记录类型
const (
	testInfoInsert uint8 = 0x10
	testInfoClose  uint8 = 0x20
)

type undoFixture struct {
	store *blocks.FileStore
	pool  *buffer_pool.BufferPool
	logs  *manager.UndoLogManager
	redo  *manager.RedoLogManager
	rt    *Runtime
}

func newUndoFixture(t *testing.T, maxBlocks int) *undoFixture {
	dir := t.TempDir()
	store, err := blocks.NewFileStore(filepath.Join(dir, "undo"), 0)
	require.NoError(t, err)
	pool, err := buffer_pool.NewBufferPool(&buffer_pool.BufferPoolConfig{TotalPages: 64, FlushWorkers: 2, Store: store})
	require.NoError(t, err)
	redo, err := manager.NewRedoLogManager(manager.RedoLogConfig{LogDir: dir, FullPageWrites: true, Compression: manager.FPICompressSnappy, Pages: pool})
	require.NoError(t, err)
	logs := manager.NewUndoLogManager(store, common.LogOffset(maxBlocks)*common.BlockSize, common.BlockSize)
	f := &undoFixture{store: store, pool: pool, logs: logs, redo: redo, rt: NewRuntime(pool, logs)}
	t.Cleanup(func() {
		f.redo.Close()
		f.pool.Close()
		f.store.Close()
	})
	return f
}

// restart 模拟崩溃：丢掉缓冲池内容，换一个空的分配器
func (f *undoFixture) restart(t *testing.T, maxBlocks int) {
	require.NoError(t, f.pool.DropAll())
	f.logs = manager.NewUndoLogManager(f.store, common.LogOffset(maxBlocks)*common.BlockSize, common.BlockSize)
	f.rt = NewRuntime(f.pool, f.logs)
}

// appendLogged 按正常路径写入一条插入记录
func (f *undoFixture) appendLogged(t *testing.T, urs *UndoRecordSet, data []byte) (RecPtr, common.LSN) {
	ptr, err := urs.Allocate(len(data))
	require.NoError(t, err)
	b := f.redo.BeginInsert()
	require.NoError(t, urs.Insert(b, 0, data))
	b.RegisterData(data)
	lsn, err := b.Insert(manager.RM_UNDO_ID, testInfoInsert)
	require.NoError(t, err)
	urs.PageSetLSN(lsn)
	require.NoError(t, f.redo.Flush(lsn))
	urs.Release()
	return ptr, lsn
}

func (f *undoFixture) closeLogged(t *testing.T, urs *UndoRecordSet) common.LSN {
	require.NoError(t, urs.PrepareToMarkClosed())
	b := f.redo.BeginInsert()
	require.NoError(t, urs.MarkClosed(b, 0))
	lsn, err := b.Insert(manager.RM_UNDO_ID, testInfoClose)
	require.NoError(t, err)
	urs.PageSetLSN(lsn)
	require.NoError(t, f.redo.Flush(lsn))
	urs.Release()
	return lsn
}

// replay 按记录类型分发，返回每条插入记录重放出的位置
func (f *undoFixture) replay(t *testing.T, recs []*manager.RedoRecord) []RecPtr {
	var ptrs []RecPtr
	for _, rec := range recs {
		if rec.Rmgr != manager.RM_UNDO_ID {
			continue
		}
		rr := manager.NewRedoRecord(rec, f.pool)
		switch rec.Info {
		case testInfoInsert:
			ptr, err := ReplayInsert(f.rt, rr, rec.MainData)
			require.NoError(t, err)
			ptrs = append(ptrs, ptr)
		case testInfoClose:
			require.NoError(t, ReplayUpdate(f.rt, rr))
		}
	}
	return ptrs
}

// read 从 ptr 开始读 n 个可用字节
func (f *undoFixture) read(t *testing.T, ptr RecPtr, n int) []byte {
	out := make([]byte, 0, n)
	at := ptr
	for len(out) < n {
		buf, err := f.pool.ReadBuffer(common.UndoTag(at.LogNo, at.Block()), common.ReadNormal)
		require.NoError(t, err)
		off := at.PageOffset()
		k := min(common.BlockSize-off, n-len(out))
		out = append(out, f.pool.Page(buf)[off:off+k]...)
		f.pool.ReleaseBuffer(buf)
		at = at.PlusUsableBytes(k)
	}
	return out
}

func (f *undoFixture) chunkHeader(t *testing.T, at RecPtr) ChunkHeader {
	h, err := DecodeChunkHeader(f.read(t, at, ChunkHeaderSize))
	require.NoError(t, err)
	return h
}

// pageImage 复制一个常驻页面
func (f *undoFixture) pageImage(t *testing.T, logno common.LogNumber, block common.BlockNumber) []byte {
	buf, err := f.pool.ReadBuffer(common.UndoTag(logno, block), common.ReadNormal)
	require.NoError(t, err)
	defer f.pool.ReleaseBuffer(buf)
	return append([]byte(nil), f.pool.Page(buf)...)
}

func payload(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i*7)
	}
	return out
}

type walRegistration struct {
	id    common.BlockID
	buf   common.BufferID
	flags common.RegisterFlags
}

// recordingWAL 只记录注册过程
type recordingWAL struct {
	regs []walRegistration
	data map[common.BlockID][]byte
}

func newRecordingWAL() *recordingWAL {
	return &recordingWAL{data: make(map[common.BlockID][]byte)}
}

func (w *recordingWAL) RegisterBuffer(id common.BlockID, buf common.BufferID, flags common.RegisterFlags) error {
	w.regs = append(w.regs, walRegistration{id: id, buf: buf, flags: flags})
	return nil
}

func (w *recordingWAL) RegisterBufData(id common.BlockID, data []byte) error {
	w.data[id] = append(w.data[id], data...)
	return nil
}
