package manager

import (
	"sync"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xundo/server/common"
)

// memLogStore 记录扩展与丢弃请求
type memLogStore struct {
	mu       sync.Mutex
	extended map[common.LogNumber]common.LogOffset
	discard  map[common.LogNumber]common.LogOffset
}

func newMemLogStore() *memLogStore {
	return &memLogStore{
		extended: make(map[common.LogNumber]common.LogOffset),
		discard:  make(map[common.LogNumber]common.LogOffset),
	}
}

func (m *memLogStore) Extend(logno common.LogNumber, end common.LogOffset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if end > m.extended[logno] {
		m.extended[logno] = end
	}
	return nil
}

func (m *memLogStore) Discard(logno common.LogNumber, offset common.LogOffset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discard[logno] = offset
}

func TestUndoLogManager(t *testing.T) {
	store := newMemLogStore()
	mgr := NewUndoLogManager(store, 64*common.BlockSize, 4*common.BlockSize)

	t.Run("新建与复用", func(t *testing.T) {
		slot, err := mgr.GetForPersistence(common.PersistencePermanent)
		require.NoError(t, err)
		assert.Equal(t, common.LogNumber(1), slot.LogNo())
		assert.Equal(t, common.LogOffset(common.BlockHeaderSize), slot.Insert())
		assert.Equal(t, common.LogOffset(0), slot.End())
		assert.True(t, mgr.InUse(slot))

		// 占用中的日志不会被再次分配
		other, err := mgr.GetForPersistence(common.PersistencePermanent)
		require.NoError(t, err)
		assert.Equal(t, common.LogNumber(2), other.LogNo())

		mgr.Put(slot)
		assert.False(t, mgr.InUse(slot))
		again, err := mgr.GetForPersistence(common.PersistencePermanent)
		require.NoError(t, err)
		assert.Same(t, slot, again)

		// 不同持久化级别不共享空闲列表
		mgr.Put(other)
		temp, err := mgr.GetForPersistence(common.PersistenceTemp)
		require.NoError(t, err)
		assert.Equal(t, common.LogNumber(3), temp.LogNo())
		mgr.Put(again)
		mgr.Put(temp)
	})

	t.Run("未知持久化级别", func(t *testing.T) {
		_, err := mgr.GetForPersistence(common.Persistence('x'))
		assert.Equal(t, ErrBadPersistence, errors.Cause(err))
	})

	t.Run("扩展物理空间", func(t *testing.T) {
		slot, err := mgr.GetForPersistence(common.PersistencePermanent)
		require.NoError(t, err)
		defer mgr.Put(slot)

		require.NoError(t, mgr.AdjustPhysicalRange(slot.LogNo(), 0, common.BlockSize+1))
		assert.Equal(t, common.LogOffset(4*common.BlockSize), slot.End(), "rounded to segment")
		assert.Equal(t, common.LogOffset(4*common.BlockSize), store.extended[slot.LogNo()])

		// 更小的末尾不会回退
		require.NoError(t, mgr.AdjustPhysicalRange(slot.LogNo(), 0, common.BlockSize))
		assert.Equal(t, common.LogOffset(4*common.BlockSize), slot.End())

		// 取整后超过最大值时截断到最大值
		require.NoError(t, mgr.AdjustPhysicalRange(slot.LogNo(), 0, 63*common.BlockSize+1))
		assert.Equal(t, mgr.MaxSize(), slot.End())

		err = mgr.AdjustPhysicalRange(slot.LogNo(), 0, mgr.MaxSize()+1)
		assert.Equal(t, ErrLogTooLarge, errors.Cause(err))

		require.NoError(t, mgr.AdjustPhysicalRange(slot.LogNo(), 2*common.BlockSize, 0))
		assert.Equal(t, common.LogOffset(2*common.BlockSize), slot.DiscardOffset())
		assert.Equal(t, common.LogOffset(2*common.BlockSize), store.discard[slot.LogNo()])

		err = mgr.AdjustPhysicalRange(999, 0, common.BlockSize)
		assert.Equal(t, ErrLogNotFound, errors.Cause(err))
	})
}

func TestUndoLogManagerFullLogsAndCheckpoint(t *testing.T) {
	mgr := NewUndoLogManager(newMemLogStore(), 16*common.BlockSize, common.BlockSize)

	full, err := mgr.GetForPersistence(common.PersistencePermanent)
	require.NoError(t, err)
	full.SetInsert(5000)
	mgr.MarkFull(full)
	assert.True(t, full.IsFull())
	mgr.Put(full)

	live, err := mgr.GetForPersistence(common.PersistencePermanent)
	require.NoError(t, err)
	assert.NotEqual(t, full.LogNo(), live.LogNo(), "full logs are never handed out again")
	live.SetInsert(300)

	ckpt := mgr.Checkpoint()
	_, ok := mgr.Slot(full.LogNo())
	assert.False(t, ok, "returned full log forgotten")
	require.Len(t, ckpt.Logs, 1)
	assert.Equal(t, live.LogNo(), ckpt.Logs[0].LogNo)
	assert.Equal(t, common.LogOffset(300), ckpt.Logs[0].Insert)
	assert.Equal(t, common.LogNumber(3), ckpt.NextLogNo)

	decoded, err := DecodeUndoCheckpoint(EncodeUndoCheckpoint(ckpt))
	require.NoError(t, err)
	assert.Equal(t, ckpt, decoded)

	restored := NewUndoLogManager(newMemLogStore(), 16*common.BlockSize, common.BlockSize)
	restored.Restore(decoded)
	slot, ok := restored.Slot(live.LogNo())
	require.True(t, ok)
	assert.Equal(t, common.LogOffset(300), slot.Insert())
	assert.False(t, restored.InUse(slot))

	// 新日志不会复用被忘掉的编号
	fresh, err := restored.GetForPersistence(common.PersistenceUnlogged)
	require.NoError(t, err)
	assert.Equal(t, common.LogNumber(3), fresh.LogNo())

	rec := restored.SlotForRecovery(7)
	assert.Equal(t, common.LogOffset(common.BlockHeaderSize), rec.Insert())
	assert.Same(t, rec, restored.SlotForRecovery(7))
	next, err := restored.GetForPersistence(common.PersistenceUnlogged)
	require.NoError(t, err)
	assert.Equal(t, common.LogNumber(8), next.LogNo())
}

func TestDecodeUndoCheckpointTruncated(t *testing.T) {
	data := EncodeUndoCheckpoint(UndoCheckpoint{NextLogNo: 2, Logs: []UndoLogMeta{{LogNo: 1, Persistence: common.PersistencePermanent}}})
	_, err := DecodeUndoCheckpoint(data[:len(data)-3])
	assert.Equal(t, ErrRecordTruncated, errors.Cause(err))
}
