package blocks

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xundo/logger"
	"github.com/zhukovaskychina/xundo/server/common"
	"github.com/zhukovaskychina/xundo/util"
)

var (
	ErrPageNotFound     = errors.New("block not found")
	ErrChecksumMismatch = errors.New("block checksum mismatch")
	ErrUnsupportedArea  = errors.New("unsupported storage area")
)

const undoFilePrefix = "undo_"

// UndoFileName 撤销日志文件名
func UndoFileName(logno common.LogNumber) string {
	return fmt.Sprintf("%s%06d", undoFilePrefix, logno)
}

// FileStore 撤销区所有日志文件的集合。读路径上有一层页面镜像缓存。
type FileStore struct {
	mu      sync.RWMutex
	dir     string
	files   map[common.LogNumber]*BlockFile
	discard map[common.LogNumber]common.LogOffset

	cache *ristretto.Cache[uint64, []byte]
}

// NewFileStore 打开（或创建）目录下的全部撤销日志文件。cacheBytes<=0 时不启用缓存。
func NewFileStore(dir string, cacheBytes int64) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create undo dir %s", dir)
	}
	s := &FileStore{
		dir:     dir,
		files:   make(map[common.LogNumber]*BlockFile),
		discard: make(map[common.LogNumber]common.LogOffset),
	}
	if cacheBytes > 0 {
		counters := cacheBytes / common.BlockSize * 10
		if counters < 100 {
			counters = 100
		}
		cache, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
			NumCounters: counters,
			MaxCost:     cacheBytes,
			BufferItems: 64,
		})
		if err != nil {
			return nil, errors.Wrap(err, "create page cache")
		}
		s.cache = cache
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "scan undo dir %s", dir)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), undoFilePrefix) {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimPrefix(e.Name(), undoFilePrefix), 10, 32)
		if err != nil {
			continue
		}
		bf := NewBlockFile(dir, e.Name())
		if err := bf.Open(); err != nil {
			return nil, err
		}
		s.files[common.LogNumber(n)] = bf
	}
	logger.Debugf("undo file store %s opened with %d logs", dir, len(s.files))
	return s, nil
}

func (s *FileStore) Dir() string {
	return s.dir
}

func cacheKey(tag common.BufferTag) uint64 {
	return uint64(tag.LogNo)<<32 | uint64(tag.Block)
}

func (s *FileStore) file(logno common.LogNumber, create bool) (*BlockFile, error) {
	s.mu.RLock()
	bf, ok := s.files[logno]
	s.mu.RUnlock()
	if ok || !create {
		return bf, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if bf, ok = s.files[logno]; ok {
		return bf, nil
	}
	bf = NewBlockFile(s.dir, UndoFileName(logno))
	if err := bf.Open(); err != nil {
		return nil, err
	}
	s.files[logno] = bf
	return bf, nil
}

// IsDiscarded 块是否已经落在丢弃边界之前
func (s *FileStore) IsDiscarded(tag common.BufferTag) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	boundary := s.discard[tag.LogNo]
	return common.LogOffset(tag.Block+1)*common.BlockSize <= boundary
}

// ReadPage 读取一个块的副本，未写过的块原样返回全零页面
func (s *FileStore) ReadPage(tag common.BufferTag) ([]byte, error) {
	if tag.Area != common.AreaUndo {
		return nil, errors.Wrapf(ErrUnsupportedArea, "read %s", tag)
	}
	if s.IsDiscarded(tag) {
		return nil, errors.Wrapf(ErrPageNotFound, "%s is discarded", tag)
	}
	if s.cache != nil {
		if img, ok := s.cache.Get(cacheKey(tag)); ok {
			return util.CloneBytes(img), nil
		}
	}

	bf, err := s.file(tag.LogNo, false)
	if err != nil {
		return nil, err
	}
	if bf == nil {
		return nil, errors.Wrapf(ErrPageNotFound, "%s has no file", tag)
	}
	page, err := bf.ReadPage(tag.Block)
	if err != nil {
		return nil, err
	}
	if !common.IsZeroPage(page) {
		want := common.GetPageChecksum(page)
		got := util.PageChecksum(page, common.PageChecksumOffset, common.PageChecksumOffset+4)
		if want != got {
			return nil, errors.Wrapf(ErrChecksumMismatch, "%s: stored %08x computed %08x", tag, want, got)
		}
	}
	s.remember(tag, page)
	return page, nil
}

// WritePage 写入一个块。校验和写在副本上，调用方的页面不被修改。
func (s *FileStore) WritePage(tag common.BufferTag, page []byte) error {
	if tag.Area != common.AreaUndo {
		return errors.Wrapf(ErrUnsupportedArea, "write %s", tag)
	}
	if len(page) != common.BlockSize {
		return errors.Errorf("write %s: page size %d", tag, len(page))
	}
	bf, err := s.file(tag.LogNo, true)
	if err != nil {
		return err
	}
	img := util.CloneBytes(page)
	common.SetPageChecksum(img, util.PageChecksum(img, common.PageChecksumOffset, common.PageChecksumOffset+4))
	if err := bf.WritePage(tag.Block, img); err != nil {
		return err
	}
	s.remember(tag, img)
	return nil
}

func (s *FileStore) remember(tag common.BufferTag, img []byte) {
	if s.cache == nil {
		return
	}
	s.cache.Set(cacheKey(tag), util.CloneBytes(img), int64(len(img)))
	// 写入是异步缓冲的，等待生效以免后续失效操作被旧镜像覆盖
	s.cache.Wait()
}

// Extend 保证日志文件至少有 end 字节
func (s *FileStore) Extend(logno common.LogNumber, end common.LogOffset) error {
	bf, err := s.file(logno, true)
	if err != nil {
		return err
	}
	return bf.Extend(int64(end))
}

// Discard 推进丢弃边界，边界之前的块不再可读
func (s *FileStore) Discard(logno common.LogNumber, offset common.LogOffset) {
	s.mu.Lock()
	old := s.discard[logno]
	if offset > old {
		s.discard[logno] = offset
	}
	s.mu.Unlock()

	if s.cache != nil && offset > old {
		for b := common.BlockNumber(old / common.BlockSize); common.LogOffset(b+1)*common.BlockSize <= offset; b++ {
			s.cache.Del(cacheKey(common.UndoTag(logno, b)))
		}
	}
}

// Size 日志文件的字节数，不存在的日志返回 0
func (s *FileStore) Size(logno common.LogNumber) common.LogOffset {
	bf, _ := s.file(logno, false)
	if bf == nil {
		return 0
	}
	return common.LogOffset(bf.Size())
}

// Logs 按编号返回所有日志
func (s *FileStore) Logs() []common.LogNumber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.LogNumber, 0, len(s.files))
	for n := range s.files {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *FileStore) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for n, bf := range s.files {
		if err := bf.Sync(); err != nil {
			return errors.Wrapf(err, "sync undo log %d", n)
		}
	}
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, bf := range s.files {
		if err := bf.Close(); err != nil && first == nil {
			first = err
		}
	}
	if s.cache != nil {
		s.cache.Close()
	}
	return first
}
