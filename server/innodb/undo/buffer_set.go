package undo

import (
	"slices"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xundo/server/common"
)

// pinnedBuffer 已钉住但未加锁
type pinnedBuffer struct {
	id   common.BufferID
	tag  common.BufferTag
	zero bool
}

// lockedBuffer 已钉住并持有排它锁，只能由 pinnedBuffer.lock 或重放读取得到
type lockedBuffer struct {
	id  common.BufferID
	tag common.BufferTag
}

func pinBuffer(bm BufferManager, tag common.BufferTag, mode common.ReadMode) (pinnedBuffer, error) {
	id, err := bm.ReadBuffer(tag, mode)
	if err != nil {
		return pinnedBuffer{}, errors.Annotatef(err, "pin %s", tag)
	}
	return pinnedBuffer{id: id, tag: tag, zero: mode != common.ReadNormal}, nil
}

// lock 加排它锁；零页面在加锁之后才初始化
func (p pinnedBuffer) lock(bm BufferManager) lockedBuffer {
	bm.LockBuffer(p.id, common.LockExclusive)
	if p.zero {
		common.PageInit(bm.Page(p.id))
	}
	return lockedBuffer{id: p.id, tag: p.tag}
}

func (p pinnedBuffer) unpin(bm BufferManager) {
	bm.ReleaseBuffer(p.id)
}

func (l lockedBuffer) release(bm BufferManager) {
	bm.UnlockBuffer(l.id)
	bm.ReleaseBuffer(l.id)
}

// bufferSet 一次操作持有的缓冲区，按获取顺序编号
type bufferSet struct {
	bufs []lockedBuffer
}

func (s *bufferSet) len() int {
	return len(s.bufs)
}

func (s *bufferSet) at(i int) lockedBuffer {
	return s.bufs[i]
}

func (s *bufferSet) add(l lockedBuffer) int {
	s.bufs = append(s.bufs, l)
	return len(s.bufs) - 1
}

func (s *bufferSet) grow(n int) {
	s.bufs = slices.Grow(s.bufs, n)
}

// findOrAcquire 返回持有 (logno, block) 的下标，没有时读取并加锁
func (s *bufferSet) findOrAcquire(bm BufferManager, logno common.LogNumber, block common.BlockNumber) (int, error) {
	tag := common.UndoTag(logno, block)
	for i := range s.bufs {
		if s.bufs[i].tag == tag {
			return i, nil
		}
	}
	p, err := pinBuffer(bm, tag, common.ReadNormal)
	if err != nil {
		return -1, err
	}
	return s.add(p.lock(bm)), nil
}

func (s *bufferSet) setPageLSN(bm BufferManager, lsn common.LSN) {
	for _, l := range s.bufs {
		bm.SetPageLSN(l.id, lsn)
	}
}

func (s *bufferSet) releaseAll(bm BufferManager) {
	for _, l := range s.bufs {
		l.release(bm)
	}
	s.bufs = s.bufs[:0]
}
