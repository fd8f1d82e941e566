package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/zhukovaskychina/xundo/server/common"
	"github.com/zhukovaskychina/xundo/server/innodb/engine"
	"github.com/zhukovaskychina/xundo/server/innodb/storage/store/blocks"
	"github.com/zhukovaskychina/xundo/server/innodb/undo"
)

var (
	dataDir string
	logNo   uint32
)

var rootCmd = &cobra.Command{
	Use:   "undoinspect",
	Short: "Inspect undo logs in an xundo data directory",
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "List undo log files and their sizes",
	RunE:  runLogs,
}

var chunksCmd = &cobra.Command{
	Use:   "chunks",
	Short: "Walk the chunk headers of one undo log",
	RunE:  runChunks,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dataDir, "dir", "d", "data/undo", "undo data directory")
	chunksCmd.Flags().Uint32VarP(&logNo, "log", "l", 1, "undo log number")
	rootCmd.AddCommand(logsCmd, chunksCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openStore() (*blocks.FileStore, error) {
	return blocks.NewFileStore(filepath.Join(dataDir, engine.BlockDirName), 0)
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	return t
}

func runLogs(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	t := newTable()
	t.AppendHeader(table.Row{"log", "file", "bytes", "blocks"})
	for _, n := range store.Logs() {
		size := store.Size(n)
		t.AppendRow(table.Row{n, blocks.UndoFileName(n), size, size / common.BlockSize})
	}
	t.Render()
	return nil
}

func runChunks(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	logno := common.LogNumber(logNo)
	limit := store.Size(logno)
	if limit == 0 {
		return fmt.Errorf("undo log %d not found in %s", logno, store.Dir())
	}
	chunks, err := undo.ScanChunks(store, logno, limit)

	t := newTable()
	t.AppendHeader(table.Row{"#", "start", "size", "previous", "type", "state"})
	for i, c := range chunks {
		state, size, prev := "closed", fmt.Sprint(c.Header.Size), "-"
		if c.Open() {
			state, size = "open", "-"
		}
		if c.Header.Previous.IsValid() {
			prev = c.Header.Previous.String()
		}
		t.AppendRow(table.Row{i + 1, c.Start.String(), size, prev, c.Header.Type.String(), state})
	}
	if note := openChunkNote(chunks, limit); note != "" {
		t.AppendFooter(table.Row{"", note})
	}
	t.Render()
	return err
}

// openChunkNote 扫描停在未关闭的块上时，它之后的块无法顺着 size 找到
func openChunkNote(chunks []undo.ChunkEntry, limit common.LogOffset) string {
	if len(chunks) == 0 {
		return ""
	}
	last := chunks[len(chunks)-1]
	if !last.Open() || last.Start.Offset >= limit {
		return ""
	}
	return fmt.Sprintf("scan stopped at open chunk %s; chunks after it (up to offset %d) are not listed", last.Start, limit)
}
