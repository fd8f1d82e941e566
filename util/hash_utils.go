package util

import (
	"github.com/OneOfOne/xxhash"
)

// HashCode 将一个键进行Hash
func HashCode(key []byte) uint64 {
	h := xxhash.New64()
	h.Write(key)
	return h.Sum64()
}

// PageChecksum 计算页面校验和，跳过 [skipFrom, skipTo) 区间（校验和字段本身）
func PageChecksum(page []byte, skipFrom, skipTo int) uint32 {
	h := xxhash.New32()
	h.Write(page[:skipFrom])
	h.Write(page[skipTo:])
	sum := h.Sum32()
	// 0 保留给"从未写过"的页面
	if sum == 0 {
		sum = 1
	}
	return sum
}

// Checksum64 计算多段数据的 64 位校验和
func Checksum64(parts ...[]byte) uint64 {
	h := xxhash.New64()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum64()
}
