package latch

import (
	"sync"
	"sync/atomic"

	"github.com/zhukovaskychina/xundo/server/common"
)

// Latch 读写闩锁。记录当前是否被排它持有，解锁时无需调用方记住模式。
type Latch struct {
	mu        sync.RWMutex
	name      string
	exclusive atomic.Bool
}

// NewLatch 创建一个带名字的闩锁，名字只用于诊断
func NewLatch(name string) *Latch {
	return &Latch{name: name}
}

func (l *Latch) Name() string {
	return l.name
}

// Acquire 按模式加锁
func (l *Latch) Acquire(mode common.LockMode) {
	if mode == common.LockExclusive {
		l.mu.Lock()
		l.exclusive.Store(true)
		return
	}
	l.mu.RLock()
}

// Release 释放当前持有的锁
func (l *Latch) Release() {
	if l.exclusive.CompareAndSwap(true, false) {
		l.mu.Unlock()
		return
	}
	l.mu.RUnlock()
}

// Lock 获取写锁
func (l *Latch) Lock() {
	l.Acquire(common.LockExclusive)
}

// Unlock 释放写锁
func (l *Latch) Unlock() {
	l.exclusive.Store(false)
	l.mu.Unlock()
}

// RLock 获取读锁
func (l *Latch) RLock() {
	l.mu.RLock()
}

// RUnlock 释放读锁
func (l *Latch) RUnlock() {
	l.mu.RUnlock()
}

// TryLock 尝试获取写锁
func (l *Latch) TryLock() bool {
	if l.mu.TryLock() {
		l.exclusive.Store(true)
		return true
	}
	return false
}

// HeldExclusive 是否被排它持有
func (l *Latch) HeldExclusive() bool {
	return l.exclusive.Load()
}
