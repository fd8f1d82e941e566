package buffer_pool

import (
	"fmt"
	"sync"

	gxsync "github.com/dubbogo/gost/sync"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xundo/logger"
	"github.com/zhukovaskychina/xundo/server/common"
	"github.com/zhukovaskychina/xundo/server/innodb/storage/store/blocks"
	"github.com/zhukovaskychina/xundo/util"
)

// PageStore 缓冲池背后的块存储
type PageStore interface {
	ReadPage(tag common.BufferTag) ([]byte, error)
	WritePage(tag common.BufferTag, page []byte) error
	IsDiscarded(tag common.BufferTag) bool
}

// BufferPoolConfig contains configuration for buffer pool
type BufferPoolConfig struct {
	TotalPages   int
	FlushWorkers int
	Store        PageStore
}

// BufferPool 撤销日志块的缓冲池。
// 钉住（pin）保证页面常驻，内容锁保证页面内容的独占修改，两者相互独立。
type BufferPool struct {
	mu sync.Mutex

	config *BufferPoolConfig
	store  PageStore

	// 描述符在创建时一次分配，BufferID = 下标 + 1
	pages     []*BufferPage
	pageTable map[common.BufferTag]common.BufferID
	freePages []common.BufferID
	lruCache  *lruList

	*stats
	poolStats *BufferPoolStats

	taskPool gxsync.GenericTaskPool
}

// NewBufferPool creates a new buffer pool
func NewBufferPool(config *BufferPoolConfig) (*BufferPool, error) {
	if config == nil || config.TotalPages <= 0 || config.Store == nil {
		return nil, ErrInvalidConfig
	}
	workers := config.FlushWorkers
	if workers <= 0 {
		workers = 1
	}
	bp := &BufferPool{
		config:    config,
		store:     config.Store,
		pages:     make([]*BufferPage, config.TotalPages),
		pageTable: make(map[common.BufferTag]common.BufferID, config.TotalPages),
		freePages: make([]common.BufferID, 0, config.TotalPages),
		lruCache:  newLRUList(),
		stats:     &stats{},
		poolStats: NewBufferPoolStats(),
		taskPool:  gxsync.NewTaskPoolSimple(workers),
	}
	// 倒序压栈，先分配小编号
	for i := config.TotalPages - 1; i >= 0; i-- {
		id := common.BufferID(i + 1)
		bp.pages[i] = NewBufferPage(id)
		bp.freePages = append(bp.freePages, id)
	}
	return bp, nil
}

func (bp *BufferPool) desc(id common.BufferID) *BufferPage {
	if id <= common.InvalidBuffer || int(id) > len(bp.pages) {
		panic(fmt.Sprintf("buffer pool: %v %d", ErrInvalidBuffer, id))
	}
	return bp.pages[id-1]
}

// ReadBuffer 钉住一个块并返回缓冲区句柄。
// ReadNormal 未命中时从存储读取；ReadZero/ReadZeroAndLock 未命中时给出全零页面。
// 已丢弃的块在任何模式下都返回 ErrPageNotFound。
func (bp *BufferPool) ReadBuffer(tag common.BufferTag, mode common.ReadMode) (common.BufferID, error) {
	if bp.store.IsDiscarded(tag) {
		return common.InvalidBuffer, errors.Wrapf(ErrPageNotFound, "%s discarded", tag)
	}

	bp.mu.Lock()
	if id, ok := bp.pageTable[tag]; ok {
		page := bp.desc(id)
		if page.pinCount == 0 {
			bp.lruCache.Remove(id)
		}
		page.pin()
		bp.mu.Unlock()
		bp.IncrHitCount()
		bp.poolStats.RecordPageRequest(true)
		if mode == common.ReadZeroAndLock {
			page.contentLatch.Acquire(common.LockExclusive)
		}
		return id, nil
	}
	bp.IncrMissCount()
	bp.poolStats.RecordPageRequest(false)

	var content []byte
	if mode == common.ReadNormal {
		var err error
		content, err = bp.store.ReadPage(tag)
		if err != nil {
			bp.mu.Unlock()
			if errors.Cause(err) == blocks.ErrPageNotFound {
				return common.InvalidBuffer, errors.Wrapf(ErrPageNotFound, "%s", tag)
			}
			return common.InvalidBuffer, NewError("read buffer", err)
		}
		bp.poolStats.RecordPageIO(true)
	}

	id, err := bp.getFreePage()
	if err != nil {
		bp.mu.Unlock()
		return common.InvalidBuffer, err
	}
	page := bp.desc(id)
	page.Init(tag, content)
	page.pin()
	bp.pageTable[tag] = id
	bp.mu.Unlock()

	if mode == common.ReadZeroAndLock {
		page.contentLatch.Acquire(common.LockExclusive)
	}
	return id, nil
}

// getFreePage 取一个空闲描述符，没有时淘汰 LRU 尾部，调用方持有 bp.mu
func (bp *BufferPool) getFreePage() (common.BufferID, error) {
	if n := len(bp.freePages); n > 0 {
		id := bp.freePages[n-1]
		bp.freePages = bp.freePages[:n-1]
		return id, nil
	}
	return bp.evictPage()
}

// evictPage evicts a page from LRU cache
func (bp *BufferPool) evictPage() (common.BufferID, error) {
	victim, ok := bp.lruCache.Victim()
	if !ok {
		return common.InvalidBuffer, ErrBufferPoolFull
	}
	page := bp.desc(victim)
	if page.IsDirty() {
		if err := bp.writeToDisk(page.tag, page.content); err != nil {
			bp.lruCache.Touch(victim)
			return common.InvalidBuffer, err
		}
	}
	logger.Debugf("buffer pool evicting %s", page.tag)
	delete(bp.pageTable, page.tag)
	page.Reset()
	bp.poolStats.RecordEviction()
	return victim, nil
}

// writeToDisk writes a page back to disk
func (bp *BufferPool) writeToDisk(tag common.BufferTag, content []byte) error {
	if err := bp.store.WritePage(tag, content); err != nil {
		bp.poolStats.RecordFlush(false)
		return NewError("write "+tag.String(), errors.Wrap(ErrFlushFailed, err.Error()))
	}
	bp.poolStats.RecordPageIO(false)
	bp.poolStats.RecordFlush(true)
	return nil
}

// LockBuffer 获取内容锁，缓冲区必须已被钉住
func (bp *BufferPool) LockBuffer(id common.BufferID, mode common.LockMode) {
	bp.desc(id).contentLatch.Acquire(mode)
}

func (bp *BufferPool) UnlockBuffer(id common.BufferID) {
	bp.desc(id).contentLatch.Release()
}

// ReleaseBuffer 放掉一个钉，最后一个钉放掉后进入 LRU
func (bp *BufferPool) ReleaseBuffer(id common.BufferID) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	page := bp.desc(id)
	if page.pinCount <= 0 {
		panic(fmt.Sprintf("buffer pool: %v %d", ErrNotPinned, id))
	}
	if page.unpin() == 0 {
		bp.lruCache.Touch(id)
	}
}

// MarkBufferDirty 标记为脏页，调用方持有排它内容锁
func (bp *BufferPool) MarkBufferDirty(id common.BufferID) {
	bp.mu.Lock()
	bp.desc(id).dirty = true
	bp.mu.Unlock()
}

// Page 页面字节，调用方持有内容锁
func (bp *BufferPool) Page(id common.BufferID) []byte {
	return bp.desc(id).content
}

func (bp *BufferPool) Tag(id common.BufferID) common.BufferTag {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.desc(id).tag
}

func (bp *BufferPool) PageLSN(id common.BufferID) common.LSN {
	return common.GetPageLSN(bp.desc(id).content)
}

func (bp *BufferPool) SetPageLSN(id common.BufferID, lsn common.LSN) {
	common.SetPageLSN(bp.desc(id).content, lsn)
}

// IsDirty 缓冲区是否有未写回的修改
func (bp *BufferPool) IsDirty(id common.BufferID) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.desc(id).dirty
}

// FlushAll 把所有脏页写回存储，写入在任务池中并行执行
func (bp *BufferPool) FlushAll() error {
	bp.mu.Lock()
	dirty := make([]common.BufferID, 0)
	for _, page := range bp.pages {
		if page.IsFree() || !page.dirty {
			continue
		}
		if page.pinCount == 0 {
			bp.lruCache.Remove(page.id)
		}
		page.pin()
		dirty = append(dirty, page.id)
	}
	bp.mu.Unlock()

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	for _, id := range dirty {
		id := id
		wg.Add(1)
		bp.taskPool.AddTaskAlways(func() {
			defer wg.Done()
			if err := bp.flushBuffer(id); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		})
	}
	wg.Wait()

	for _, id := range dirty {
		bp.ReleaseBuffer(id)
	}
	logger.Debugf("buffer pool flushed %d dirty pages", len(dirty))
	return firstErr
}

// flushBuffer 在共享内容锁下复制页面后写回，写回失败时恢复脏标记
func (bp *BufferPool) flushBuffer(id common.BufferID) error {
	page := bp.desc(id)
	page.contentLatch.RLock()
	bp.mu.Lock()
	page.dirty = false
	tag := page.tag
	bp.mu.Unlock()
	img := util.CloneBytes(page.content)
	page.contentLatch.RUnlock()

	if err := bp.writeToDisk(tag, img); err != nil {
		bp.MarkBufferDirty(id)
		return err
	}
	return nil
}

// DropAll 丢弃所有常驻页面而不写回，用来模拟崩溃
func (bp *BufferPool) DropAll() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for _, page := range bp.pages {
		if page.pinCount > 0 {
			return errors.Errorf("drop buffers: %s still pinned", page.tag)
		}
	}
	bp.freePages = bp.freePages[:0]
	for i := len(bp.pages) - 1; i >= 0; i-- {
		bp.pages[i].Reset()
		bp.freePages = append(bp.freePages, bp.pages[i].id)
	}
	bp.pageTable = make(map[common.BufferTag]common.BufferID, len(bp.pages))
	bp.lruCache.Purge()
	return nil
}

// Stats 统计快照
func (bp *BufferPool) Stats() BufferPoolStats {
	bp.mu.Lock()
	var dirty int64
	for _, page := range bp.pages {
		if !page.IsFree() && page.dirty {
			dirty++
		}
	}
	bp.poolStats.UpdatePageCounts(int64(len(bp.pages)), int64(len(bp.freePages)), dirty)
	bp.mu.Unlock()
	return bp.poolStats.Snapshot()
}

func (bp *BufferPool) Close() {
	bp.taskPool.Close()
}
