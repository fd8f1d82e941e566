package buffer_pool

import (
	"github.com/pkg/errors"
)

var (
	// 页面错误
	ErrPageNotFound  = errors.New("page not found in buffer pool")
	ErrInvalidBuffer = errors.New("invalid buffer id")
	ErrNotPinned     = errors.New("buffer is not pinned")

	// 缓冲池错误
	ErrBufferPoolFull = errors.New("buffer pool is full")
	ErrInvalidConfig  = errors.New("invalid buffer pool configuration")

	// 刷新错误
	ErrFlushFailed = errors.New("failed to flush dirty page")
)

// BufferPoolError 缓冲池错误结构
type BufferPoolError struct {
	Op  string // 操作名称
	Err error  // 原始错误
}

func (e *BufferPoolError) Error() string {
	if e.Err == nil {
		return "<nil>"
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *BufferPoolError) Unwrap() error {
	return e.Err
}

// Cause 供 errors.Cause 逐层展开
func (e *BufferPoolError) Cause() error {
	return e.Err
}

// NewError 创建新的缓冲池错误
func NewError(op string, err error) error {
	return &BufferPoolError{
		Op:  op,
		Err: err,
	}
}

// IsNotFound 检查是否为页面未找到错误
func IsNotFound(err error) bool {
	return errors.Cause(err) == ErrPageNotFound
}

// IsBufferPoolFull 检查是否为缓冲池已满错误
func IsBufferPoolFull(err error) bool {
	return errors.Cause(err) == ErrBufferPoolFull
}
