package buffer_pool

import (
	"container/list"
	"sync/atomic"

	"github.com/zhukovaskychina/xundo/server/common"
)

// statistics
type stats struct {
	hitCount  uint64
	missCount uint64
}

// increment hit count
func (st *stats) IncrHitCount() uint64 {
	return atomic.AddUint64(&st.hitCount, 1)
}

// increment miss count
func (st *stats) IncrMissCount() uint64 {
	return atomic.AddUint64(&st.missCount, 1)
}

// HitCount returns hit count
func (st *stats) HitCount() uint64 {
	return atomic.LoadUint64(&st.hitCount)
}

// MissCount returns miss count
func (st *stats) MissCount() uint64 {
	return atomic.LoadUint64(&st.missCount)
}

// HitRate returns rate for cache hitting
func (st *stats) HitRate() float64 {
	hc, mc := st.HitCount(), st.MissCount()
	total := hc + mc
	if total == 0 {
		return 0.0
	}
	return float64(hc) / float64(total)
}

// lruList 只保存未被钉住的缓冲区，钉住时移出，释放最后一个钉时放回队头。
// 调用方持有缓冲池的大锁。
type lruList struct {
	evictList *list.List
	items     map[common.BufferID]*list.Element
}

func newLRUList() *lruList {
	return &lruList{
		evictList: list.New(),
		items:     make(map[common.BufferID]*list.Element),
	}
}

// Touch 放到队头（最近使用）
func (l *lruList) Touch(id common.BufferID) {
	if e, ok := l.items[id]; ok {
		l.evictList.MoveToFront(e)
		return
	}
	l.items[id] = l.evictList.PushFront(id)
}

func (l *lruList) Remove(id common.BufferID) bool {
	if e, ok := l.items[id]; ok {
		l.evictList.Remove(e)
		delete(l.items, id)
		return true
	}
	return false
}

// Victim 取出最久未使用的缓冲区
func (l *lruList) Victim() (common.BufferID, bool) {
	e := l.evictList.Back()
	if e == nil {
		return common.InvalidBuffer, false
	}
	id := e.Value.(common.BufferID)
	l.evictList.Remove(e)
	delete(l.items, id)
	return id, true
}

func (l *lruList) Len() int {
	return l.evictList.Len()
}

// Purge removes all entries.
func (l *lruList) Purge() {
	l.evictList.Init()
	l.items = make(map[common.BufferID]*list.Element)
}
