package common

// 撤销日志块的物理尺寸。页内偏移必须能放进 15 位（更新指令的高位是标志位），
// 所以块大小不能超过 32KB。
const (
	BlockSize          = 8192
	BlockHeaderSize    = 24
	UsableBytesPerPage = BlockSize - BlockHeaderSize
)

// 块头字段偏移
const (
	PageLSNOffset      = 0
	PageChecksumOffset = 8
	PageFlagsOffset    = 12
	PageLowerOffset    = 14
	PageUpperOffset    = 16
	PageSpecialOffset  = 18
	PageTypeOffset     = 20
)

// FIL_PAGE_UNDO_LOG 撤销日志页类型，写在块头的类型字段
const FIL_PAGE_UNDO_LOG PageType = 0x0002

// 撤销日志指针的位划分: 高 24 位是日志编号，低 40 位是日志内偏移
const (
	LogNumberBits = 24
	LogOffsetBits = 40
	MaxLogNumber  = (1 << LogNumberBits) - 1
	MaxLogOffset  = (1 << LogOffsetBits) - 1
)
