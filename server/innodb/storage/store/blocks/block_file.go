package blocks

import (
	"os"
	"path"
	"sync"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xundo/server/common"
)

// BlockFile 一个撤销日志对应的块文件，按块读写
type BlockFile struct {
	mu       sync.RWMutex
	file     *os.File
	filePath string
	size     int64
}

// NewBlockFile creates a new block file
func NewBlockFile(dirPath string, fileName string) *BlockFile {
	return &BlockFile{
		filePath: path.Join(dirPath, fileName),
	}
}

// Open opens the block file, creating it when absent
func (bf *BlockFile) Open() error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return bf.openLocked()
}

func (bf *BlockFile) openLocked() error {
	if bf.file != nil {
		return nil
	}
	file, err := os.OpenFile(bf.filePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return errors.Wrapf(err, "open block file %s", bf.filePath)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return errors.Wrapf(err, "stat block file %s", bf.filePath)
	}
	bf.file = file
	bf.size = stat.Size()
	return nil
}

// Close closes the block file
func (bf *BlockFile) Close() error {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	if bf.file != nil {
		err := bf.file.Close()
		bf.file = nil
		return err
	}
	return nil
}

// Size 文件当前字节数
func (bf *BlockFile) Size() int64 {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.size
}

// ReadPage reads one block; blocks past the end of the file do not exist
func (bf *BlockFile) ReadPage(block common.BlockNumber) ([]byte, error) {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	if err := bf.openLocked(); err != nil {
		return nil, err
	}
	offset := int64(block) * common.BlockSize
	if offset+common.BlockSize > bf.size {
		return nil, errors.Wrapf(ErrPageNotFound, "%s block %d beyond size %d", bf.filePath, block, bf.size)
	}
	buf := make([]byte, common.BlockSize)
	if _, err := bf.file.ReadAt(buf, offset); err != nil {
		return nil, errors.Wrapf(err, "read %s block %d", bf.filePath, block)
	}
	return buf, nil
}

// WritePage writes one block, growing the file when needed
func (bf *BlockFile) WritePage(block common.BlockNumber, content []byte) error {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	if err := bf.openLocked(); err != nil {
		return err
	}
	offset := int64(block) * common.BlockSize
	if _, err := bf.file.WriteAt(content[:common.BlockSize], offset); err != nil {
		return errors.Wrapf(err, "write %s block %d", bf.filePath, block)
	}
	if offset+common.BlockSize > bf.size {
		bf.size = offset + common.BlockSize
	}
	return nil
}

// Extend 把文件扩展到至少 size 字节，新增部分为零
func (bf *BlockFile) Extend(size int64) error {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	if err := bf.openLocked(); err != nil {
		return err
	}
	if size <= bf.size {
		return nil
	}
	if err := bf.file.Truncate(size); err != nil {
		return errors.Wrapf(err, "extend %s to %d", bf.filePath, size)
	}
	bf.size = size
	return nil
}

// Sync syncs the file to disk
func (bf *BlockFile) Sync() error {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	if bf.file != nil {
		return bf.file.Sync()
	}
	return nil
}
