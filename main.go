package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zhukovaskychina/xundo/logger"
	"github.com/zhukovaskychina/xundo/server/conf"
	"github.com/zhukovaskychina/xundo/server/innodb/engine"
)

const help = `
******************************************************************************
* xundo: undo record set storage with write-ahead logging
*帮助:
*1. -- help
*2. -- configPath   指定 undo.ini / undo.toml 配置文件
*3. -- checkpoint   启动恢复后立即做一次检查点
******************************************************************************
`

func main() {
	var (
		configPath string
		checkpoint bool
	)
	flag.Usage = func() { fmt.Fprint(os.Stderr, help) }
	flag.StringVar(&configPath, "configPath", "", "配置文件路径")
	flag.BoolVar(&checkpoint, "checkpoint", false, "恢复后立即做检查点")
	flag.Parse()

	config, err := conf.NewCfg().Load(&conf.CommandLineArgs{ConfigPath: configPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.InitLogger(logger.LogConfig{
		ErrorLogPath: config.LogError,
		InfoLogPath:  config.LogInfos,
		LogLevel:     config.LogLevel,
	}); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	logger.Infof("config loaded: data_dir=%s max_log_size=%d fpi=%s", config.UndoDataDir, config.MaxLogSize, config.FPICompression)

	undoEngine, err := engine.NewUndoEngine(config)
	if err != nil {
		logger.Fatalf("open undo engine: %v", err)
	}
	stats, err := undoEngine.Recover()
	if err != nil {
		logger.Fatalf("undo recovery failed: %v", err)
	}
	logger.Infof("recovered from checkpoint %d, replayed %d records", stats.CheckpointLSN, stats.Records)

	if checkpoint {
		if _, err := undoEngine.Checkpoint(); err != nil {
			logger.Fatalf("checkpoint: %v", err)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	logger.Infof("xundo ready")
	<-sig

	s := undoEngine.Stats()
	logger.Infof("shutting down: flushed lsn %d, buffer hit ratio %.2f", s.FlushedLSN, s.Pool.GetHitRatio())
	if err := undoEngine.Shutdown(); err != nil {
		logger.Fatalf("shutdown: %v", err)
	}
}
