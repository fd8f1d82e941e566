package undo

import (
	"fmt"

	"github.com/zhukovaskychina/xundo/server/common"
)

// RecPtr 撤销日志中的逻辑指针：日志编号加日志内偏移（偏移包含块头）
type RecPtr struct {
	LogNo  common.LogNumber
	Offset common.LogOffset
}

// InvalidRecPtr 日志编号从 1 开始，零值表示无效
var InvalidRecPtr = RecPtr{}

func MakeRecPtr(logno common.LogNumber, offset common.LogOffset) RecPtr {
	return RecPtr{LogNo: logno, Offset: offset}
}

// UnpackRecPtr 从 64 位编码还原
func UnpackRecPtr(v uint64) RecPtr {
	return RecPtr{
		LogNo:  common.LogNumber(v >> common.LogOffsetBits),
		Offset: common.LogOffset(v & common.MaxLogOffset),
	}
}

// Pack 高 24 位日志编号，低 40 位偏移
func (p RecPtr) Pack() uint64 {
	return uint64(p.LogNo)<<common.LogOffsetBits | uint64(p.Offset)&common.MaxLogOffset
}

func (p RecPtr) IsValid() bool {
	return p.LogNo != 0
}

// Block 所在块号
func (p RecPtr) Block() common.BlockNumber {
	return common.BlockNumber(p.Offset / common.BlockSize)
}

// PageOffset 块内偏移
func (p RecPtr) PageOffset() int {
	return int(p.Offset % common.BlockSize)
}

// PlusUsableBytes 前进 n 个可用字节，跨页时跳过下一页的块头
func (p RecPtr) PlusUsableBytes(n int) RecPtr {
	return RecPtr{LogNo: p.LogNo, Offset: OffsetPlusUsableBytes(p.Offset, n)}
}

func (p RecPtr) String() string {
	return fmt.Sprintf("%06d.%010x", p.LogNo, uint64(p.Offset))
}

// OffsetPlusUsableBytes 偏移必须位于某页的数据区内。恰好写满一页时结果落在下一页的数据区起点。
func OffsetPlusUsableBytes(offset common.LogOffset, n int) common.LogOffset {
	pageOff := offset % common.BlockSize
	base := offset - pageOff
	if pageOff < common.BlockHeaderSize {
		pageOff = common.BlockHeaderSize
	}
	total := common.LogOffset(n) + pageOff - common.BlockHeaderSize
	return base +
		total/common.UsableBytesPerPage*common.BlockSize +
		common.BlockHeaderSize +
		total%common.UsableBytesPerPage
}
