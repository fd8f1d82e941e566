package util

// PutUB2BE 按大端写入 2 字节，用于撤销指令流的偏移与长度字段
func PutUB2BE(buf []byte, v uint16) {
	buf[0] = byte(v >> 8)
	buf[1] = byte(v)
}

// ReadUB2BE 按大端读取 2 字节
func ReadUB2BE(buf []byte) uint16 {
	return uint16(buf[0])<<8 | uint16(buf[1])
}

// MinInt 返回较小值
func MinInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// CloneBytes 复制一份字节切片，nil 保持 nil
func CloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
