package engine

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xundo/logger"
	"github.com/zhukovaskychina/xundo/server/common"
	"github.com/zhukovaskychina/xundo/server/conf"
	"github.com/zhukovaskychina/xundo/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xundo/server/innodb/manager"
	"github.com/zhukovaskychina/xundo/server/innodb/storage/store/blocks"
	"github.com/zhukovaskychina/xundo/server/innodb/undo"
	"github.com/zhukovaskychina/xundo/util"
)

// RM_UNDO_ID 下的记录类型
const (
	XLOG_UNDO_INSERT uint8 = 0x10
	XLOG_UNDO_CLOSE  uint8 = 0x20
)

// BlockDirName 撤销日志块文件所在的子目录
const BlockDirName = "base"

// MaxAppendSize 单次写入的上限：涉及的页面数不能超过一条 WAL 记录可注册的块数
const MaxAppendSize = int(common.MaxBlockID)*common.UsableBytesPerPage - undo.ChunkHeaderSize - undo.TransactionHeaderSize

var (
	ErrEngineClosed      = errors.New("undo engine closed")
	ErrUnknownUndoRecord = errors.New("unknown undo wal record")
)

// RecoveryStats 一次恢复的统计
type RecoveryStats struct {
	CheckpointLSN common.LSN
	Records       int
	Inserts       int
	Closes        int
}

// EngineStats 运行状态
type EngineStats struct {
	FlushedLSN     common.LSN
	RedoPtr        common.LSN
	OpenRecordSets int
	Pool           buffer_pool.BufferPoolStats
}

// UndoEngine 把块文件、缓冲池、撤销日志分配器和 WAL 组装在一起，
// 每次写入和关闭各记一条 WAL 记录。
type UndoEngine struct {
	mu     sync.Mutex
	cfg    *conf.Cfg
	store  *blocks.FileStore
	pool   *buffer_pool.BufferPool
	logs   *manager.UndoLogManager
	redo   *manager.RedoLogManager
	rt     *undo.Runtime
	closed bool
}

// NewUndoEngine 按配置打开数据目录
func NewUndoEngine(cfg *conf.Cfg) (*UndoEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	compression, err := manager.ParseFPICompression(strings.ToLower(cfg.FPICompression))
	if err != nil {
		return nil, err
	}
	store, err := blocks.NewFileStore(filepath.Join(cfg.UndoDataDir, BlockDirName), cfg.PageCacheBytes)
	if err != nil {
		return nil, errors.Annotate(err, "open undo file store")
	}
	pool, err := buffer_pool.NewBufferPool(&buffer_pool.BufferPoolConfig{
		TotalPages:   cfg.BufferPoolPages,
		FlushWorkers: cfg.FlushWorkers,
		Store:        store,
	})
	if err != nil {
		store.Close()
		return nil, errors.Annotate(err, "create buffer pool")
	}
	redo, err := manager.NewRedoLogManager(manager.RedoLogConfig{
		LogDir:         cfg.UndoDataDir,
		FullPageWrites: cfg.FullPageWrites,
		Compression:    compression,
		Pages:          pool,
	})
	if err != nil {
		pool.Close()
		store.Close()
		return nil, err
	}

	e := &UndoEngine{cfg: cfg, store: store, pool: pool, redo: redo}
	e.resetAllocator()
	logger.Infof("undo engine opened at %s (pool %d pages, fpi %s)", cfg.UndoDataDir, cfg.BufferPoolPages, compression)
	return e, nil
}

func (e *UndoEngine) resetAllocator() {
	e.logs = manager.NewUndoLogManager(e.store, common.LogOffset(e.cfg.MaxLogSize), common.LogOffset(e.cfg.SegmentSize))
	e.rt = undo.NewRuntime(e.pool, e.logs)
}

// Create 新建一个撤销记录集
func (e *UndoEngine) Create(typ undo.RecordSetType, persistence common.Persistence, opts ...undo.Option) (*undo.UndoRecordSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.Trace(ErrEngineClosed)
	}
	return undo.Create(e.rt, typ, persistence, opts...)
}

// Append 写入一段撤销数据，返回它在日志中的位置。
// 永久记录集写一条 WAL 记录，WAL 落盘之后才放开页面。
func (e *UndoEngine) Append(urs *undo.UndoRecordSet, data []byte) (undo.RecPtr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return undo.InvalidRecPtr, errors.Trace(ErrEngineClosed)
	}
	if len(data) > MaxAppendSize {
		return undo.InvalidRecPtr, errors.Annotatef(undo.ErrRequestTooLarge, "%d bytes, append limit %d", len(data), MaxAppendSize)
	}

	ptr, err := urs.Allocate(len(data))
	if err != nil {
		return undo.InvalidRecPtr, err
	}
	defer urs.Release()

	if urs.Persistence() != common.PersistencePermanent {
		return ptr, urs.Insert(nil, 0, data)
	}
	b := e.redo.BeginInsert()
	if err := urs.Insert(b, 0, data); err != nil {
		return undo.InvalidRecPtr, err
	}
	b.RegisterData(data)
	lsn, err := b.Insert(manager.RM_UNDO_ID, XLOG_UNDO_INSERT)
	if err != nil {
		return undo.InvalidRecPtr, err
	}
	urs.PageSetLSN(lsn)
	if err := e.redo.Flush(lsn); err != nil {
		return undo.InvalidRecPtr, err
	}
	return ptr, nil
}

// Close 回填所有块的大小并归还日志
func (e *UndoEngine) Close(urs *undo.UndoRecordSet) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.Trace(ErrEngineClosed)
	}
	defer urs.Release()

	if err := urs.PrepareToMarkClosed(); err != nil {
		return err
	}
	if urs.Persistence() != common.PersistencePermanent || len(urs.Chunks()) == 0 {
		return urs.MarkClosed(nil, 0)
	}
	b := e.redo.BeginInsert()
	if err := urs.MarkClosed(b, 0); err != nil {
		return err
	}
	lsn, err := b.Insert(manager.RM_UNDO_ID, XLOG_UNDO_CLOSE)
	if err != nil {
		return err
	}
	urs.PageSetLSN(lsn)
	return e.redo.Flush(lsn)
}

// Read 读取 ptr 开始的 n 个可用字节
func (e *UndoEngine) Read(ptr undo.RecPtr, n int) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return undo.ReadUsable(poolPages{e.pool}, ptr, n)
}

// poolPages 通过缓冲池读取页面副本，未刷出的修改也可见
type poolPages struct {
	pool *buffer_pool.BufferPool
}

func (p poolPages) ReadPage(tag common.BufferTag) ([]byte, error) {
	buf, err := p.pool.ReadBuffer(tag, common.ReadNormal)
	if err != nil {
		return nil, err
	}
	defer p.pool.ReleaseBuffer(buf)
	p.pool.LockBuffer(buf, common.LockShared)
	defer p.pool.UnlockBuffer(buf)
	return util.CloneBytes(p.pool.Page(buf)), nil
}

// Checkpoint 刷出所有脏页，记录分配器状态并推进重做指针
func (e *UndoEngine) Checkpoint() (common.LSN, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkpointLocked()
}

func (e *UndoEngine) checkpointLocked() (common.LSN, error) {
	if err := e.pool.FlushAll(); err != nil {
		return 0, errors.Annotate(err, "checkpoint flush")
	}
	if err := e.store.Sync(); err != nil {
		return 0, errors.Annotate(err, "checkpoint sync")
	}
	ckpt := e.logs.Checkpoint()
	lsn, err := e.redo.Checkpoint(manager.EncodeUndoCheckpoint(ckpt))
	if err != nil {
		return 0, err
	}
	logger.Infof("undo checkpoint at lsn %d with %d logs", lsn, len(ckpt.Logs))
	return lsn, nil
}

// Recover 从最近的检查点开始重放 WAL
func (e *UndoEngine) Recover() (RecoveryStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var stats RecoveryStats
	from := common.LSN(1)
	ckptRec, err := e.redo.LastCheckpoint()
	switch {
	case err == nil:
		ckpt, err := manager.DecodeUndoCheckpoint(ckptRec.MainData)
		if err != nil {
			return stats, err
		}
		e.logs.Restore(ckpt)
		stats.CheckpointLSN = ckptRec.LSN
		from = ckptRec.LSN + 1
	case errors.Cause(err) != manager.ErrNoCheckpoint:
		return stats, err
	}

	for _, rec := range e.redo.Records(from) {
		if rec.Rmgr != manager.RM_UNDO_ID {
			continue
		}
		stats.Records++
		rr := manager.NewRedoRecord(rec, e.pool)
		switch rec.Info {
		case XLOG_UNDO_INSERT:
			if _, err := undo.ReplayInsert(e.rt, rr, rec.MainData); err != nil {
				return stats, errors.Annotatef(err, "replay insert at lsn %d", rec.LSN)
			}
			stats.Inserts++
		case XLOG_UNDO_CLOSE:
			if err := undo.ReplayUpdate(e.rt, rr); err != nil {
				return stats, errors.Annotatef(err, "replay close at lsn %d", rec.LSN)
			}
			stats.Closes++
		default:
			return stats, errors.Annotatef(ErrUnknownUndoRecord, "info %#x at lsn %d", rec.Info, rec.LSN)
		}
	}
	logger.Infof("undo recovery from lsn %d replayed %d records (%d inserts, %d closes)", from, stats.Records, stats.Inserts, stats.Closes)
	return stats, nil
}

// SimulateCrash 丢掉所有内存状态：缓冲池内容、分配器、未关闭的记录集
func (e *UndoEngine) SimulateCrash() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.pool.DropAll(); err != nil {
		return err
	}
	e.resetAllocator()
	logger.Warnf("undo engine state dropped")
	return nil
}

func (e *UndoEngine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EngineStats{
		FlushedLSN:     e.redo.FlushedLSN(),
		RedoPtr:        e.redo.RedoPtr(),
		OpenRecordSets: e.rt.Registry.Len(),
		Pool:           e.pool.Stats(),
	}
}

// Shutdown 检查所有记录集都已关闭，做最后一次检查点并关闭文件。
// 存在未关闭的记录集是致命错误。
func (e *UndoEngine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	if err := e.rt.Registry.CheckEmpty(); err != nil {
		logger.Errorf("undo engine shutdown: %v", err)
		panic(err)
	}
	if _, err := e.checkpointLocked(); err != nil {
		return err
	}
	e.closed = true
	err := e.redo.Close()
	e.pool.Close()
	if serr := e.store.Close(); err == nil {
		err = serr
	}
	logger.Infof("undo engine closed")
	return err
}
