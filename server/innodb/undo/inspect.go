package undo

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/xundo/server/common"
	"github.com/zhukovaskychina/xundo/util"
)

// PageReader 按块读取页面副本
type PageReader interface {
	ReadPage(tag common.BufferTag) ([]byte, error)
}

// ReadUsable 从 at 开始读 n 个可用字节，跳过每页的页头
func ReadUsable(pages PageReader, at RecPtr, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		page, err := pages.ReadPage(common.UndoTag(at.LogNo, at.Block()))
		if err != nil {
			return nil, errors.Annotatef(err, "read %s", at)
		}
		off := at.PageOffset()
		k := util.MinInt(common.BlockSize-off, n-len(out))
		out = append(out, page[off:off+k]...)
		at = at.PlusUsableBytes(k)
	}
	return out, nil
}

// ChunkEntry 扫描得到的一个块
type ChunkEntry struct {
	Start  RecPtr
	Header ChunkHeader
}

// Open 未关闭的块 size 仍为 0
func (c ChunkEntry) Open() bool {
	return c.Header.Size == 0
}

// ScanChunks 从日志第一个数据位置开始，顺着块头里的 size 向后遍历。
// 遇到未关闭的块、空白区域或 limit 时停止。
func ScanChunks(pages PageReader, logno common.LogNumber, limit common.LogOffset) ([]ChunkEntry, error) {
	var out []ChunkEntry
	at := MakeRecPtr(logno, common.BlockHeaderSize)
	for OffsetPlusUsableBytes(at.Offset, ChunkHeaderSize) <= limit {
		raw, err := ReadUsable(pages, at, ChunkHeaderSize)
		if err != nil {
			return out, err
		}
		h, err := DecodeChunkHeader(raw)
		if err != nil {
			return out, err
		}
		if _, err := TypeHeaderSize(h.Type); err != nil {
			break
		}
		out = append(out, ChunkEntry{Start: at, Header: h})
		if h.Size == 0 {
			break
		}
		at = MakeRecPtr(logno, at.Offset+common.LogOffset(h.Size))
	}
	return out, nil
}
