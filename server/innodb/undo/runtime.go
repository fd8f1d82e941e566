package undo

// Runtime 撤销记录集依赖的共享服务
type Runtime struct {
	Buffers  BufferManager
	Logs     LogAllocator
	Registry *Registry
}

func NewRuntime(buffers BufferManager, logs LogAllocator) *Runtime {
	return &Runtime{Buffers: buffers, Logs: logs, Registry: NewRegistry()}
}
