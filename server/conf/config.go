package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml"
	"gopkg.in/ini.v1"

	"github.com/zhukovaskychina/xundo/logger"
	"github.com/zhukovaskychina/xundo/server/common"
)

type CommandLineArgs struct {
	ConfigPath string
}

/*
[undo]
data_dir          = data/undo
max_log_size      = 1073741824
segment_size      = 1048576
buffer_pool_pages = 1024
full_page_writes  = true
fpi_compression   = snappy
page_cache_bytes  = 8388608
flush_workers     = 4

[logs]
log_error = /var/log/xundo/error.log
log_infos = /var/log/xundo/xundo.log
log_level = info
*/
type Cfg struct {
	Raw *ini.File

	// undo
	UndoDataDir     string `default:"data/undo" yaml:"data_dir" json:"data_dir,omitempty"`
	MaxLogSize      int64  `default:"1073741824" yaml:"max_log_size" json:"max_log_size,omitempty"`
	SegmentSize     int64  `default:"1048576" yaml:"segment_size" json:"segment_size,omitempty"`
	BufferPoolPages int    `default:"1024" yaml:"buffer_pool_pages" json:"buffer_pool_pages,omitempty"`
	FullPageWrites  bool   `default:"true" yaml:"full_page_writes" json:"full_page_writes,omitempty"`
	FPICompression  string `default:"snappy" yaml:"fpi_compression" json:"fpi_compression,omitempty"`
	PageCacheBytes  int64  `default:"8388608" yaml:"page_cache_bytes" json:"page_cache_bytes,omitempty"`
	FlushWorkers    int    `default:"4" yaml:"flush_workers" json:"flush_workers,omitempty"`

	// logs
	LogError string `default:"" yaml:"log_error" json:"log_error,omitempty"`
	LogInfos string `default:"" yaml:"log_infos" json:"log_infos,omitempty"`
	LogLevel string `default:"info" yaml:"log_level" json:"log_level,omitempty"`
}

func NewCfg() *Cfg {
	return &Cfg{
		Raw:             ini.Empty(),
		UndoDataDir:     "data/undo",
		MaxLogSize:      1 << 30,
		SegmentSize:     1 << 20,
		BufferPoolPages: 1024,
		FullPageWrites:  true,
		FPICompression:  "snappy",
		PageCacheBytes:  8 << 20,
		FlushWorkers:    4,
		LogLevel:        "info",
	}
}

// Load 读取配置文件；文件不存在时保留默认值
func (cfg *Cfg) Load(args *CommandLineArgs) (*Cfg, error) {
	raw, err := loadConfiguration(args.ConfigPath)
	if err != nil {
		return nil, err
	}
	cfg.Raw = raw
	cfg.parseUndoCfg(raw.Section("undo"))
	cfg.parseLogsCfg(raw.Section("logs"))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查尺寸与压缩方式
func (cfg *Cfg) Validate() error {
	if cfg.MaxLogSize <= common.BlockSize || cfg.MaxLogSize%common.BlockSize != 0 {
		return fmt.Errorf("max_log_size %d must be a multiple of the block size %d", cfg.MaxLogSize, common.BlockSize)
	}
	if cfg.SegmentSize <= 0 || cfg.SegmentSize%common.BlockSize != 0 {
		return fmt.Errorf("segment_size %d must be a multiple of the block size %d", cfg.SegmentSize, common.BlockSize)
	}
	if cfg.BufferPoolPages < 4 {
		return fmt.Errorf("buffer_pool_pages %d is too small", cfg.BufferPoolPages)
	}
	switch strings.ToLower(cfg.FPICompression) {
	case "none", "snappy", "lz4":
	default:
		return fmt.Errorf("unknown fpi_compression %q", cfg.FPICompression)
	}
	if cfg.FlushWorkers <= 0 {
		cfg.FlushWorkers = 1
	}
	return nil
}

func (cfg *Cfg) parseUndoCfg(section *ini.Section) {
	cfg.UndoDataDir = section.Key("data_dir").MustString(cfg.UndoDataDir)
	cfg.MaxLogSize = section.Key("max_log_size").MustInt64(cfg.MaxLogSize)
	cfg.SegmentSize = section.Key("segment_size").MustInt64(cfg.SegmentSize)
	cfg.BufferPoolPages = section.Key("buffer_pool_pages").MustInt(cfg.BufferPoolPages)
	cfg.FullPageWrites = section.Key("full_page_writes").MustBool(cfg.FullPageWrites)
	cfg.FPICompression = strings.ToLower(section.Key("fpi_compression").MustString(cfg.FPICompression))
	cfg.PageCacheBytes = section.Key("page_cache_bytes").MustInt64(cfg.PageCacheBytes)
	cfg.FlushWorkers = section.Key("flush_workers").MustInt(cfg.FlushWorkers)
}

func (cfg *Cfg) parseLogsCfg(section *ini.Section) {
	cfg.LogError = section.Key("log_error").MustString(cfg.LogError)
	cfg.LogInfos = section.Key("log_infos").MustString(cfg.LogInfos)
	cfg.LogLevel = section.Key("log_level").MustString(cfg.LogLevel)
}

func loadConfiguration(configFile string) (*ini.File, error) {
	if configFile == "" {
		configFile = filepath.Join("conf", "xundo.ini")
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		logger.Debugf("配置文件不存在: %s，使用默认配置", configFile)
		return ini.Empty(), nil
	}

	if strings.HasSuffix(configFile, ".toml") {
		return loadToml(configFile)
	}

	parsed, err := ini.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %v", configFile, err)
	}
	logger.Debugf("成功加载配置文件: %s", configFile)
	return parsed, nil
}

// loadToml 把 TOML 的一级表转换为同名 ini 段，两种格式共用同一套解析
func loadToml(configFile string) (*ini.File, error) {
	tree, err := toml.LoadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %v", configFile, err)
	}
	raw := ini.Empty()
	for _, name := range tree.Keys() {
		sub, ok := tree.Get(name).(*toml.Tree)
		if !ok {
			continue
		}
		section := raw.Section(name)
		for _, key := range sub.Keys() {
			if _, err := section.NewKey(key, fmt.Sprint(sub.Get(key))); err != nil {
				return nil, fmt.Errorf("配置项 %s.%s 无效: %v", name, key, err)
			}
		}
	}
	logger.Debugf("成功加载配置文件: %s", configFile)
	return raw, nil
}
