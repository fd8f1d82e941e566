package manager

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	gxbytes "github.com/dubbogo/gost/bytes"
	"github.com/golang/snappy"
	"github.com/juju/errors"
	"github.com/pierrec/lz4/v4"

	"github.com/zhukovaskychina/xundo/logger"
	"github.com/zhukovaskychina/xundo/server/common"
	"github.com/zhukovaskychina/xundo/util"
)

const redoLogFileName = "redo.log"

// PageSource 生成整页镜像时读取缓冲区
type PageSource interface {
	Tag(id common.BufferID) common.BufferTag
	Page(id common.BufferID) []byte
	PageLSN(id common.BufferID) common.LSN
}

// RedoLogConfig 重做日志配置
type RedoLogConfig struct {
	LogDir         string
	FullPageWrites bool
	Compression    FPICompression
	Pages          PageSource
}

// RedoLogManager 重做日志管理器。记录按 LSN 顺序追加到 redo.log，
// 检查点之前的记录在检查点时被截掉。
type RedoLogManager struct {
	mu      sync.RWMutex
	config  RedoLogConfig
	logFile *os.File
	writer  *bufio.Writer

	nextLSN    common.LSN
	flushedLSN common.LSN
	writtenLSN common.LSN
	// 最近一次检查点记录的 LSN，页面 LSN 不超过它时首次修改要带整页镜像
	redoPtr common.LSN

	records []*RedoRecord

	checkpointTime time.Time
	closed         bool
}

// NewRedoLogManager 打开重做日志，读出已有记录；尾部不完整的记录被截掉
func NewRedoLogManager(config RedoLogConfig) (*RedoLogManager, error) {
	if err := os.MkdirAll(config.LogDir, 0755); err != nil {
		return nil, errors.Annotatef(err, "create redo dir %s", config.LogDir)
	}
	path := filepath.Join(config.LogDir, redoLogFileName)
	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Annotatef(err, "open %s", path)
	}

	r := &RedoLogManager{
		config:  config,
		logFile: logFile,
		nextLSN: 1,
	}
	if err := r.load(); err != nil {
		logFile.Close()
		return nil, err
	}
	r.writer = bufio.NewWriter(logFile)
	return r, nil
}

// load 读取整个日志文件
func (r *RedoLogManager) load() error {
	data, err := io.ReadAll(r.logFile)
	if err != nil {
		return errors.Annotate(err, "read redo log")
	}
	off := 0
	for off < len(data) {
		rec, n, err := DecodeRecord(data[off:])
		if err != nil {
			cause := errors.Cause(err)
			if cause == ErrRecordTruncated || cause == ErrRecordChecksum {
				logger.Warnf("redo log torn at offset %d, dropping %d bytes", off, len(data)-off)
				break
			}
			return err
		}
		r.records = append(r.records, rec)
		if rec.Rmgr == RM_XLOG_ID && rec.Info == XLOG_CHECKPOINT {
			r.redoPtr = rec.LSN
		}
		r.nextLSN = rec.LSN + 1
		off += n
	}
	if err := r.logFile.Truncate(int64(off)); err != nil {
		return errors.Annotate(err, "truncate redo log")
	}
	if _, err := r.logFile.Seek(int64(off), io.SeekStart); err != nil {
		return errors.Annotate(err, "seek redo log")
	}
	r.flushedLSN = r.nextLSN - 1
	r.writtenLSN = r.flushedLSN
	if len(r.records) > 0 {
		logger.Infof("redo log loaded %d records, next lsn %d, redo pointer %d", len(r.records), r.nextLSN, r.redoPtr)
	}
	return nil
}

// append 追加一条记录，调用方持有 r.mu
func (r *RedoLogManager) append(rec *RedoRecord) error {
	if r.closed {
		return errors.Trace(ErrRedoManagerClosed)
	}
	rec.LSN = r.nextLSN
	if _, err := r.writer.Write(rec.Encode()); err != nil {
		return errors.Annotate(err, "append redo record")
	}
	r.records = append(r.records, rec)
	r.writtenLSN = rec.LSN
	r.nextLSN++
	return nil
}

// Flush 把 upTo 及之前的记录写入并同步到磁盘
func (r *RedoLogManager) Flush(upTo common.LSN) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked(upTo)
}

func (r *RedoLogManager) flushLocked(upTo common.LSN) error {
	if upTo <= r.flushedLSN || r.closed {
		return nil
	}
	if err := r.writer.Flush(); err != nil {
		return errors.Annotate(err, "flush redo log")
	}
	if err := r.logFile.Sync(); err != nil {
		return errors.Annotate(err, "sync redo log")
	}
	r.flushedLSN = r.writtenLSN
	return nil
}

// FlushedLSN 已持久化的最大 LSN
func (r *RedoLogManager) FlushedLSN() common.LSN {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.flushedLSN
}

// RedoPtr 最近一次检查点的 LSN
func (r *RedoLogManager) RedoPtr() common.LSN {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.redoPtr
}

// Records 返回 LSN 不小于 from 的记录
func (r *RedoLogManager) Records(from common.LSN) []*RedoRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RedoRecord, 0, len(r.records))
	for _, rec := range r.records {
		if rec.LSN >= from {
			out = append(out, rec)
		}
	}
	return out
}

// LastCheckpoint 最近的检查点记录
func (r *RedoLogManager) LastCheckpoint() (*RedoRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.records) - 1; i >= 0; i-- {
		rec := r.records[i]
		if rec.Rmgr == RM_XLOG_ID && rec.Info == XLOG_CHECKPOINT {
			return rec, nil
		}
	}
	return nil, errors.Trace(ErrNoCheckpoint)
}

// Checkpoint 写入检查点记录并把它作为新的重做起点，之前的记录从文件中截掉。
// 调用方必须已经把所有脏页写回。
func (r *RedoLogManager) Checkpoint(mainData []byte) (common.LSN, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := &RedoRecord{Rmgr: RM_XLOG_ID, Info: XLOG_CHECKPOINT, MainData: util.CloneBytes(mainData)}
	if err := r.append(rec); err != nil {
		return 0, err
	}
	if err := r.flushLocked(rec.LSN); err != nil {
		return 0, err
	}
	r.redoPtr = rec.LSN
	r.checkpointTime = time.Now()

	if err := r.compactLocked(); err != nil {
		return 0, err
	}
	logger.Infof("checkpoint at lsn %d", rec.LSN)
	return rec.LSN, nil
}

// compactLocked 只保留检查点及其之后的记录，通过临时文件改名替换
func (r *RedoLogManager) compactLocked() error {
	keep := r.records[:0]
	for _, rec := range r.records {
		if rec.LSN >= r.redoPtr {
			keep = append(keep, rec)
		}
	}
	r.records = keep

	path := filepath.Join(r.config.LogDir, redoLogFileName)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
	if err != nil {
		return errors.Annotatef(err, "create %s", tmp)
	}
	w := bufio.NewWriter(f)
	for _, rec := range r.records {
		if _, err := w.Write(rec.Encode()); err != nil {
			f.Close()
			return errors.Annotate(err, "rewrite redo log")
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Annotate(err, "rewrite redo log")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Annotate(err, "sync rewritten redo log")
	}
	if err := os.Rename(tmp, path); err != nil {
		f.Close()
		return errors.Annotate(err, "replace redo log")
	}
	r.logFile.Close()
	r.logFile = f
	r.writer = bufio.NewWriter(f)
	return nil
}

// BeginInsert 开始组装一条记录
func (r *RedoLogManager) BeginInsert() *RecordBuilder {
	return &RecordBuilder{mgr: r}
}

// needsImage 调用方持有 r.mu
func (r *RedoLogManager) needsImage(flags common.RegisterFlags, pageLSN common.LSN) bool {
	if flags&common.RegWillInit != 0 {
		return false
	}
	if flags&common.RegForceImage != 0 {
		return true
	}
	return r.config.FullPageWrites && pageLSN <= r.redoPtr
}

// compressImage 压缩整页镜像，不可压缩时原样保存
func (r *RedoLogManager) compressImage(page []byte) ([]byte, FPICompression) {
	switch r.config.Compression {
	case FPICompressSnappy:
		bufp := gxbytes.GetBytes(snappy.MaxEncodedLen(len(page)))
		defer gxbytes.PutBytes(bufp)
		scratch := (*bufp)[:cap(*bufp)]
		return util.CloneBytes(snappy.Encode(scratch, page)), FPICompressSnappy
	case FPICompressLZ4:
		bufp := gxbytes.GetBytes(lz4.CompressBlockBound(len(page)))
		defer gxbytes.PutBytes(bufp)
		scratch := (*bufp)[:cap(*bufp)]
		n, err := lz4.CompressBlock(page, scratch, nil)
		if err == nil && n > 0 {
			return util.CloneBytes(scratch[:n]), FPICompressLZ4
		}
	}
	return util.CloneBytes(page), FPICompressNone
}

// decompressImage 还原整页镜像
func decompressImage(b *BlockRecord) ([]byte, error) {
	switch b.Compression {
	case FPICompressNone:
		if len(b.Image) != common.BlockSize {
			return nil, errors.Annotatef(ErrImageCorrupted, "%s raw image size %d", b.Tag, len(b.Image))
		}
		return util.CloneBytes(b.Image), nil
	case FPICompressSnappy:
		page, err := snappy.Decode(nil, b.Image)
		if err != nil || len(page) != common.BlockSize {
			return nil, errors.Annotatef(ErrImageCorrupted, "%s snappy: %v", b.Tag, err)
		}
		return page, nil
	case FPICompressLZ4:
		page := make([]byte, common.BlockSize)
		n, err := lz4.UncompressBlock(b.Image, page)
		if err != nil || n != common.BlockSize {
			return nil, errors.Annotatef(ErrImageCorrupted, "%s lz4: %v", b.Tag, err)
		}
		return page, nil
	}
	return nil, errors.Annotatef(ErrUnknownCompression, "%s compression %d", b.Tag, b.Compression)
}

// Close 关闭日志管理器
func (r *RedoLogManager) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if err := r.flushLocked(r.writtenLSN); err != nil {
		return err
	}
	r.closed = true
	return r.logFile.Close()
}

// registeredBlock 组装中的注册块
type registeredBlock struct {
	buffer common.BufferID
	flags  common.RegisterFlags
	data   []byte
}

// RecordBuilder 组装一条记录：注册缓冲区、附加块数据与主数据，最后 Insert
type RecordBuilder struct {
	mgr      *RedoLogManager
	blocks   [common.MaxBlockID + 1]*registeredBlock
	mainData []byte
}

// RegisterBuffer 把缓冲区注册为块 id。同一个块可以重复注册同一个缓冲区，标志取第一次的。
func (b *RecordBuilder) RegisterBuffer(id common.BlockID, buffer common.BufferID, flags common.RegisterFlags) error {
	if id > common.MaxBlockID {
		return errors.Annotatef(ErrBlockIDOutOfRange, "block id %d", id)
	}
	if reg := b.blocks[id]; reg != nil {
		if reg.buffer != buffer {
			return errors.Annotatef(ErrBlockAlreadyInUse, "block id %d: buffer %d vs %d", id, reg.buffer, buffer)
		}
		return nil
	}
	b.blocks[id] = &registeredBlock{buffer: buffer, flags: flags}
	return nil
}

// RegisterBufData 给已注册的块附加数据，数据被复制
func (b *RecordBuilder) RegisterBufData(id common.BlockID, data []byte) error {
	if id > common.MaxBlockID {
		return errors.Annotatef(ErrBlockIDOutOfRange, "block id %d", id)
	}
	reg := b.blocks[id]
	if reg == nil {
		return errors.Annotatef(ErrBlockNotRegistered, "block id %d", id)
	}
	reg.data = append(reg.data, data...)
	return nil
}

// RegisterData 附加主数据
func (b *RecordBuilder) RegisterData(data []byte) {
	b.mainData = append(b.mainData, data...)
}

// Insert 写入记录并返回其 LSN。调用方仍持有所有注册缓冲区的排它内容锁。
func (b *RecordBuilder) Insert(rmgr RmgrID, info uint8) (common.LSN, error) {
	r := b.mgr
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := &RedoRecord{Rmgr: rmgr, Info: info, MainData: b.mainData}
	for id, reg := range b.blocks {
		if reg == nil {
			continue
		}
		br := BlockRecord{
			ID:    common.BlockID(id),
			Tag:   r.config.Pages.Tag(reg.buffer),
			Flags: reg.flags,
			Data:  reg.data,
		}
		if r.needsImage(reg.flags, r.config.Pages.PageLSN(reg.buffer)) {
			br.Image, br.Compression = r.compressImage(r.config.Pages.Page(reg.buffer))
		}
		rec.Blocks = append(rec.Blocks, br)
	}
	if err := r.append(rec); err != nil {
		return 0, err
	}
	return rec.LSN, nil
}
