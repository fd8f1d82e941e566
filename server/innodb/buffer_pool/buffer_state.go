package buffer_pool

type BufferPageState uint8

//当链表处于Free List中，状态就为此状态。是一个能长期存在的状态。
const BUF_BLOCK_NOT_USED BufferPageState = 2

/*从空闲列表取出、尚未装入页面内容时的状态，
是一个比较短暂的状态。处于这个状态的数据页不处于任何逻辑链表中。
*/
const BUF_BLOCK_READY_FOR_USE BufferPageState = 3

//正常被使用的数据页都是这种状态。LRU List中的数据页都是这种状态。
const BUF_BLOCK_FILE_PAGE BufferPageState = 4

func (s BufferPageState) String() string {
	switch s {
	case BUF_BLOCK_NOT_USED:
		return "not-used"
	case BUF_BLOCK_READY_FOR_USE:
		return "ready-for-use"
	case BUF_BLOCK_FILE_PAGE:
		return "file-page"
	}
	return "unknown"
}
