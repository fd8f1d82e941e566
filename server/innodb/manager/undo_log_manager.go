package manager

import (
	"container/list"
	"sort"
	"sync"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xundo/logger"
	"github.com/zhukovaskychina/xundo/server/common"
	"github.com/zhukovaskychina/xundo/server/innodb/latch"
)

// UndoLogStore 撤销日志的物理存储
type UndoLogStore interface {
	Extend(logno common.LogNumber, end common.LogOffset) error
	Discard(logno common.LogNumber, offset common.LogOffset)
}

// UndoLogSlot 一个撤销日志的共享元数据。
// insert/end/discard/full 由 metaLatch 保护，只在读写指针时短暂持有，不跨 IO。
type UndoLogSlot struct {
	logno       common.LogNumber
	persistence common.Persistence

	metaLatch *latch.Latch
	insert    common.LogOffset
	end       common.LogOffset
	discard   common.LogOffset
	full      bool

	// 由 UndoLogManager.mu 保护
	inUse bool
}

func newUndoLogSlot(logno common.LogNumber, persistence common.Persistence) *UndoLogSlot {
	return &UndoLogSlot{
		logno:       logno,
		persistence: persistence,
		metaLatch:   latch.NewLatch("undo log meta"),
		insert:      common.BlockHeaderSize,
	}
}

func (s *UndoLogSlot) LogNo() common.LogNumber {
	return s.logno
}

func (s *UndoLogSlot) Persistence() common.Persistence {
	return s.persistence
}

// Insert 当前插入位置
func (s *UndoLogSlot) Insert() common.LogOffset {
	s.metaLatch.RLock()
	defer s.metaLatch.RUnlock()
	return s.insert
}

// SetInsert 推进插入位置
func (s *UndoLogSlot) SetInsert(insert common.LogOffset) {
	s.metaLatch.Lock()
	s.insert = insert
	s.metaLatch.Unlock()
}

// End 已分配物理空间的末尾
func (s *UndoLogSlot) End() common.LogOffset {
	s.metaLatch.RLock()
	defer s.metaLatch.RUnlock()
	return s.end
}

func (s *UndoLogSlot) DiscardOffset() common.LogOffset {
	s.metaLatch.RLock()
	defer s.metaLatch.RUnlock()
	return s.discard
}

func (s *UndoLogSlot) IsFull() bool {
	s.metaLatch.RLock()
	defer s.metaLatch.RUnlock()
	return s.full
}

// UndoLogMeta 检查点中保存的单个日志元数据
type UndoLogMeta struct {
	LogNo       common.LogNumber
	Persistence common.Persistence
	Insert      common.LogOffset
	End         common.LogOffset
	Discard     common.LogOffset
	Full        bool
}

// UndoCheckpoint 检查点时刻的分配器状态
type UndoCheckpoint struct {
	NextLogNo common.LogNumber
	Logs      []UndoLogMeta
}

// UndoLogManager 撤销日志分配器：按持久化级别维护空闲列表，负责扩展物理空间与标记满日志
type UndoLogManager struct {
	mu    sync.Mutex
	store UndoLogStore

	maxSize     common.LogOffset
	segmentSize common.LogOffset

	slots     map[common.LogNumber]*UndoLogSlot
	freeLists map[common.Persistence]*list.List
	fullList  *list.List
	nextLogNo common.LogNumber
}

// NewUndoLogManager 创建新的撤销日志管理器
func NewUndoLogManager(store UndoLogStore, maxSize, segmentSize common.LogOffset) *UndoLogManager {
	if segmentSize < common.BlockSize {
		segmentSize = common.BlockSize
	}
	if maxSize > common.MaxLogOffset {
		maxSize = common.MaxLogOffset
	}
	return &UndoLogManager{
		store:       store,
		maxSize:     maxSize,
		segmentSize: segmentSize,
		slots:       make(map[common.LogNumber]*UndoLogSlot),
		freeLists:   make(map[common.Persistence]*list.List),
		fullList:    list.New(),
		nextLogNo:   1,
	}
}

// MaxSize 单个日志允许的最大字节数
func (u *UndoLogManager) MaxSize() common.LogOffset {
	return u.maxSize
}

func (u *UndoLogManager) freeList(p common.Persistence) *list.List {
	l, ok := u.freeLists[p]
	if !ok {
		l = list.New()
		u.freeLists[p] = l
	}
	return l
}

// GetForPersistence 取一个可写入的日志：优先复用空闲列表，否则新建
func (u *UndoLogManager) GetForPersistence(p common.Persistence) (*UndoLogSlot, error) {
	switch p {
	case common.PersistencePermanent, common.PersistenceUnlogged, common.PersistenceTemp:
	default:
		return nil, errors.Annotatef(ErrBadPersistence, "persistence %d", byte(p))
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	free := u.freeList(p)
	for e := free.Front(); e != nil; e = free.Front() {
		slot := free.Remove(e).(*UndoLogSlot)
		if slot.IsFull() {
			u.fullList.PushBack(slot)
			continue
		}
		slot.inUse = true
		return slot, nil
	}

	if u.nextLogNo > common.MaxLogNumber {
		return nil, errors.Trace(ErrLogNumberOverrun)
	}
	slot := newUndoLogSlot(u.nextLogNo, p)
	slot.inUse = true
	u.slots[slot.logno] = slot
	u.nextLogNo++
	logger.Debugf("created undo log %d (%s)", slot.logno, p)
	return slot, nil
}

// Slot 按编号查找
func (u *UndoLogManager) Slot(logno common.LogNumber) (*UndoLogSlot, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	slot, ok := u.slots[logno]
	return slot, ok
}

// SlotForRecovery 恢复期间按编号取日志，不存在时按初始状态创建
func (u *UndoLogManager) SlotForRecovery(logno common.LogNumber) *UndoLogSlot {
	u.mu.Lock()
	defer u.mu.Unlock()
	slot, ok := u.slots[logno]
	if !ok {
		slot = newUndoLogSlot(logno, common.PersistencePermanent)
		u.slots[logno] = slot
		u.freeList(slot.persistence).PushBack(slot)
		if logno >= u.nextLogNo {
			u.nextLogNo = logno + 1
		}
	}
	return slot
}

// AdjustPhysicalRange 推进丢弃边界与物理末尾，两者都只增不减。
// 末尾按段大小向上取整且不超过最大值；并发推进过的末尾不会被回退。
func (u *UndoLogManager) AdjustPhysicalRange(logno common.LogNumber, newDiscard, newEnd common.LogOffset) error {
	slot, ok := u.Slot(logno)
	if !ok {
		return errors.Annotatef(ErrLogNotFound, "log %d", logno)
	}
	if newEnd > u.maxSize {
		return errors.Annotatef(ErrLogTooLarge, "log %d end %d max %d", logno, newEnd, u.maxSize)
	}

	if newEnd > slot.End() {
		target := (newEnd + u.segmentSize - 1) / u.segmentSize * u.segmentSize
		if target > u.maxSize {
			target = u.maxSize
		}
		if err := u.store.Extend(logno, target); err != nil {
			return errors.Annotatef(err, "extend undo log %d", logno)
		}
		slot.metaLatch.Lock()
		if target > slot.end {
			slot.end = target
		}
		slot.metaLatch.Unlock()
		logger.Debugf("undo log %d extended to %d", logno, target)
	}

	if newDiscard > 0 {
		slot.metaLatch.Lock()
		advanced := newDiscard > slot.discard
		if advanced {
			slot.discard = newDiscard
		}
		slot.metaLatch.Unlock()
		if advanced {
			u.store.Discard(logno, newDiscard)
		}
	}
	return nil
}

// MarkFull 不再从该日志分配新空间
func (u *UndoLogManager) MarkFull(slot *UndoLogSlot) {
	slot.metaLatch.Lock()
	slot.full = true
	slot.metaLatch.Unlock()
	logger.Debugf("undo log %d marked full at %d", slot.logno, slot.Insert())
}

// Put 归还日志：未满的回到空闲列表，满的等待检查点回收
func (u *UndoLogManager) Put(slot *UndoLogSlot) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !slot.inUse {
		return
	}
	slot.inUse = false
	if slot.IsFull() {
		u.fullList.PushBack(slot)
		return
	}
	u.freeList(slot.persistence).PushBack(slot)
}

// InUse 是否被某个记录集占用
func (u *UndoLogManager) InUse(slot *UndoLogSlot) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slot.inUse
}

// Checkpoint 忘掉已归还的满日志，返回剩余日志的元数据
func (u *UndoLogManager) Checkpoint() UndoCheckpoint {
	u.mu.Lock()
	defer u.mu.Unlock()

	for e := u.fullList.Front(); e != nil; {
		next := e.Next()
		slot := e.Value.(*UndoLogSlot)
		if !slot.inUse {
			delete(u.slots, slot.logno)
			u.fullList.Remove(e)
			logger.Debugf("undo log %d forgotten at checkpoint", slot.logno)
		}
		e = next
	}
	return u.snapshotLocked()
}

func (u *UndoLogManager) Snapshot() UndoCheckpoint {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.snapshotLocked()
}

func (u *UndoLogManager) snapshotLocked() UndoCheckpoint {
	ckpt := UndoCheckpoint{NextLogNo: u.nextLogNo, Logs: make([]UndoLogMeta, 0, len(u.slots))}
	for _, slot := range u.slots {
		slot.metaLatch.RLock()
		ckpt.Logs = append(ckpt.Logs, UndoLogMeta{
			LogNo:       slot.logno,
			Persistence: slot.persistence,
			Insert:      slot.insert,
			End:         slot.end,
			Discard:     slot.discard,
			Full:        slot.full,
		})
		slot.metaLatch.RUnlock()
	}
	sort.Slice(ckpt.Logs, func(i, j int) bool { return ckpt.Logs[i].LogNo < ckpt.Logs[j].LogNo })
	return ckpt
}

// Restore 用检查点元数据重建分配器，所有日志都回到空闲状态
func (u *UndoLogManager) Restore(ckpt UndoCheckpoint) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.slots = make(map[common.LogNumber]*UndoLogSlot, len(ckpt.Logs))
	u.freeLists = make(map[common.Persistence]*list.List)
	u.fullList = list.New()
	u.nextLogNo = ckpt.NextLogNo
	if u.nextLogNo == 0 {
		u.nextLogNo = 1
	}
	for _, m := range ckpt.Logs {
		slot := newUndoLogSlot(m.LogNo, m.Persistence)
		slot.insert = m.Insert
		slot.end = m.End
		slot.discard = m.Discard
		slot.full = m.Full
		u.slots[m.LogNo] = slot
		if m.Full {
			u.fullList.PushBack(slot)
		} else {
			u.freeList(m.Persistence).PushBack(slot)
		}
		if m.Discard > 0 {
			u.store.Discard(m.LogNo, m.Discard)
		}
		if m.LogNo >= u.nextLogNo {
			u.nextLogNo = m.LogNo + 1
		}
	}
	logger.Infof("undo log manager restored %d logs, next log %d", len(ckpt.Logs), u.nextLogNo)
}
