package buffer_pool

import (
	"time"

	"github.com/zhukovaskychina/xundo/server/common"
	"github.com/zhukovaskychina/xundo/server/innodb/latch"
)

/**
缓冲区描述符。tag/pinCount/dirty/pageState 由缓冲池的大锁保护；
content 的读写由 contentLatch 保护，只有钉住缓冲区的一方才能加内容锁。
**/
type BufferPage struct {
	id        common.BufferID
	tag       common.BufferTag
	pageState BufferPageState
	pinCount  int32

	accessTime uint64

	// 页面内容
	content      []byte
	contentLatch *latch.Latch

	dirty bool
}

// NewBufferPage creates a new buffer descriptor
func NewBufferPage(id common.BufferID) *BufferPage {
	return &BufferPage{
		id:           id,
		pageState:    BUF_BLOCK_NOT_USED,
		content:      make([]byte, common.BlockSize),
		contentLatch: latch.NewLatch("buffer content"),
	}
}

// Init 绑定到一个块，content 为 nil 时清零
func (bp *BufferPage) Init(tag common.BufferTag, content []byte) {
	bp.tag = tag
	bp.pageState = BUF_BLOCK_FILE_PAGE
	bp.accessTime = uint64(time.Now().UnixNano())
	bp.dirty = false
	if content != nil {
		copy(bp.content, content)
		return
	}
	for i := range bp.content {
		bp.content[i] = 0
	}
}

// Reset resets the buffer page to initial state
func (bp *BufferPage) Reset() {
	bp.tag = common.BufferTag{}
	bp.pageState = BUF_BLOCK_NOT_USED
	bp.pinCount = 0
	bp.accessTime = 0
	bp.dirty = false
}

// GetContent 获取页面内容，调用方需持有内容锁
func (bp *BufferPage) GetContent() []byte {
	return bp.content
}

func (bp *BufferPage) GetTag() common.BufferTag {
	return bp.tag
}

// IsDirty 检查是否为脏页
func (bp *BufferPage) IsDirty() bool {
	return bp.dirty
}

// IsFree returns true if the page is free
func (bp *BufferPage) IsFree() bool {
	return bp.pageState == BUF_BLOCK_NOT_USED
}

func (bp *BufferPage) pin() {
	bp.pinCount++
	bp.accessTime = uint64(time.Now().UnixNano())
}

// unpin 返回剩余的钉数
func (bp *BufferPage) unpin() int32 {
	bp.pinCount--
	return bp.pinCount
}
