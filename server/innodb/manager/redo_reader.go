package manager

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/xundo/server/common"
	"github.com/zhukovaskychina/xundo/server/innodb/buffer_pool"
)

// RedoBuffers 重放时使用的缓冲池操作
type RedoBuffers interface {
	ReadBuffer(tag common.BufferTag, mode common.ReadMode) (common.BufferID, error)
	LockBuffer(id common.BufferID, mode common.LockMode)
	ReleaseBuffer(id common.BufferID)
	MarkBufferDirty(id common.BufferID)
	Page(id common.BufferID) []byte
	PageLSN(id common.BufferID) common.LSN
	SetPageLSN(id common.BufferID, lsn common.LSN)
}

// RedoRecordReader 重放一条记录时的解码视图
type RedoRecordReader struct {
	rec     *RedoRecord
	buffers RedoBuffers
	blocks  [common.MaxBlockID + 1]*BlockRecord
	maxID   int
}

// NewRedoRecord 包装一条记录供重放使用
func NewRedoRecord(rec *RedoRecord, buffers RedoBuffers) *RedoRecordReader {
	rr := &RedoRecordReader{rec: rec, buffers: buffers, maxID: -1}
	for i := range rec.Blocks {
		b := &rec.Blocks[i]
		if b.ID > common.MaxBlockID {
			continue
		}
		rr.blocks[b.ID] = b
		if int(b.ID) > rr.maxID {
			rr.maxID = int(b.ID)
		}
	}
	return rr
}

func (rr *RedoRecordReader) Record() *RedoRecord {
	return rr.rec
}

// ReadRecPtr 记录的 LSN
func (rr *RedoRecordReader) ReadRecPtr() common.LSN {
	return rr.rec.LSN
}

// MaxBlockID 最大注册块编号，没有注册块时为 -1
func (rr *RedoRecordReader) MaxBlockID() int {
	return rr.maxID
}

func (rr *RedoRecordReader) BlockRef(id common.BlockID) (common.RedoBlockRef, bool) {
	if id > common.MaxBlockID || rr.blocks[id] == nil {
		return common.RedoBlockRef{}, false
	}
	b := rr.blocks[id]
	return common.RedoBlockRef{Tag: b.Tag, Flags: b.Flags, HasImage: len(b.Image) > 0}, true
}

// BlockData 块上附加的数据
func (rr *RedoRecordReader) BlockData(id common.BlockID) []byte {
	if id > common.MaxBlockID || rr.blocks[id] == nil {
		return nil
	}
	return rr.blocks[id].Data
}

func (rr *RedoRecordReader) MainData() []byte {
	return rr.rec.MainData
}

func (rr *RedoRecordReader) Verify() error {
	return rr.rec.Verify()
}

// ReadBufferForRedo 为重放读取并排它锁住一个块。
// 带整页镜像的块总是用镜像覆盖（BlockRestored）；块已被丢弃时返回 BlockNotFound 和无效句柄；
// 普通读取时页面 LSN 不小于记录 LSN 返回 BlockDone；其余情况返回 BlockNeedsRedo。
func (rr *RedoRecordReader) ReadBufferForRedo(id common.BlockID, mode common.ReadMode) (common.RedoAction, common.BufferID, error) {
	if id > common.MaxBlockID || rr.blocks[id] == nil {
		return common.BlockNotFound, common.InvalidBuffer, errors.Annotatef(ErrBlockNotRegistered, "block id %d at lsn %d", id, rr.rec.LSN)
	}
	b := rr.blocks[id]

	if len(b.Image) > 0 {
		img, err := decompressImage(b)
		if err != nil {
			return common.BlockNotFound, common.InvalidBuffer, err
		}
		buf, err := rr.buffers.ReadBuffer(b.Tag, common.ReadZeroAndLock)
		if err != nil {
			if buffer_pool.IsNotFound(err) {
				return common.BlockNotFound, common.InvalidBuffer, nil
			}
			return common.BlockNotFound, common.InvalidBuffer, errors.Trace(err)
		}
		copy(rr.buffers.Page(buf), img)
		rr.buffers.SetPageLSN(buf, rr.rec.LSN)
		rr.buffers.MarkBufferDirty(buf)
		return common.BlockRestored, buf, nil
	}

	buf, err := rr.buffers.ReadBuffer(b.Tag, mode)
	if err != nil {
		if buffer_pool.IsNotFound(err) {
			return common.BlockNotFound, common.InvalidBuffer, nil
		}
		return common.BlockNotFound, common.InvalidBuffer, errors.Trace(err)
	}
	if mode != common.ReadZeroAndLock {
		rr.buffers.LockBuffer(buf, common.LockExclusive)
	}
	if mode == common.ReadNormal && rr.buffers.PageLSN(buf) >= rr.rec.LSN {
		return common.BlockDone, buf, nil
	}
	return common.BlockNeedsRedo, buf, nil
}
