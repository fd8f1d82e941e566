package undo

import (
	"container/list"
	"sync"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xundo/logger"
)

// Registry 记录所有未关闭的撤销记录集，退出前必须为空
type Registry struct {
	mu   sync.Mutex
	sets *list.List
}

func NewRegistry() *Registry {
	return &Registry{sets: list.New()}
}

func (r *Registry) register(urs *UndoRecordSet) *list.Element {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sets.PushBack(urs)
}

func (r *Registry) deregister(e *list.Element) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets.Remove(e)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sets.Len()
}

// CheckEmpty 存在未关闭的记录集时返回 ErrRecordSetLeaked
func (r *Registry) CheckEmpty() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sets.Len() == 0 {
		return nil
	}
	for e := r.sets.Front(); e != nil; e = e.Next() {
		urs := e.Value.(*UndoRecordSet)
		logger.Errorf("undo record set %s with %d chunks not closed", urs.typ, len(urs.chunks))
	}
	return errors.Annotatef(ErrRecordSetLeaked, "%d open", r.sets.Len())
}
