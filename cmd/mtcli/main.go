// mtcli is a REPL and scripted-scenario runner for exercising pkg/mtable.
// It is not part of the tested core; it is the library's demonstrated
// consumer, used to drive the saturation/persistence/reopen-stress
// scenarios a unit test can't easily express end to end.
//
// Usage:
//
//	mtcli --path <file> --npage-mappings 64 --block-size 64 --cache-capacity 8 --create
//	mtcli --mem --npage-mappings 64 --block-size 64 --cache-capacity 8
//	mtcli --scenario testdata/s5_persistence.hujson
//
// Commands (in REPL):
//
//	update <logical> <physical>   Set a mapping
//	lookup <logical>               Read a mapping
//	close                           Flush and close the table
//	reopen                          Close (if open) then reopen
//	scenario <file>                 Replay a .hujson scenario file
//	shadow verify                   Diff the table against the shadow mirror
//	stats                           Print log-structured store occupancy
//	dump                            Print resident cache entries
//	help                            Show this help
//	exit / quit / q                 Exit
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/hesham-youssef/flashmt/internal/shadow"
	"github.com/hesham-youssef/flashmt/pkg/blockdev"
	"github.com/hesham-youssef/flashmt/pkg/mtable"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("mtcli", flag.ContinueOnError)

	path := fs.String("path", "", "device file path (omit with --mem)")
	mem := fs.Bool("mem", false, "use an in-memory device instead of a file")
	create := fs.Bool("create", false, "format a fresh table instead of recovering one")
	npageMappings := fs.Uint32("npage-mappings", 64, "number of addressable logical pages")
	blockSize := fs.Uint32("block-size", 64, "device write granularity / page size in bytes")
	cacheCapacity := fs.Uint32("cache-capacity", 8, "total page cache entries (writer + LSS reader)")
	segmentSize := fs.Uint64("segment-size", 0, "device erase-segment size in bytes (file device only)")
	totalSize := fs.Uint64("total-size", 0, "device total size in bytes (file device only)")
	scenarioPath := fs.String("scenario", "", "replay this self-contained .hujson scenario file (geometry + ops) and exit")
	shadowDB := fs.String("shadow-db", "", "sqlite shadow-mirror path (enables 'shadow verify')")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *scenarioPath != "" {
		s, err := loadScenario(*scenarioPath)
		if err != nil {
			return err
		}

		app, err := newApp(appConfig{
			mem:           true,
			create:        true,
			npageMappings: s.NPageMappings,
			blockSize:     s.BlockSize,
			cacheCapacity: s.CacheCapacity,
			segmentSize:   s.SegmentSize,
			totalSize:     s.TotalSize,
			shadowDB:      *shadowDB,
		})
		if err != nil {
			return fmt.Errorf("open table for scenario %s: %w", *scenarioPath, err)
		}

		defer app.closeQuietly()

		return app.runScenario(s)
	}

	if !*mem && *path == "" {
		return errors.New("one of --mem, --path, or --scenario is required")
	}

	app, err := newApp(appConfig{
		path:          *path,
		mem:           *mem,
		create:        *create,
		npageMappings: *npageMappings,
		blockSize:     *blockSize,
		cacheCapacity: *cacheCapacity,
		segmentSize:   *segmentSize,
		totalSize:     *totalSize,
		shadowDB:      *shadowDB,
	})
	if err != nil {
		return err
	}

	defer app.closeQuietly()

	return app.repl()
}

// appConfig holds the geometry and device selection mtcli was invoked
// with, reused every time the REPL's reopen command recreates the table.
type appConfig struct {
	path          string
	mem           bool
	create        bool
	npageMappings uint32
	blockSize     uint32
	cacheCapacity uint32
	segmentSize   uint64
	totalSize     uint64
	shadowDB      string
}

func (c appConfig) tableConfig(memDevice blockdev.Device) mtable.Config {
	return mtable.Config{
		Device:        memDevice,
		Path:          c.path,
		SegmentSize:   c.segmentSize,
		TotalSize:     c.totalSize,
		NPageMappings: c.npageMappings,
		BlockSize:     c.blockSize,
		CacheCapacity: c.cacheCapacity,
		Create:        c.create,
	}
}

// app wires a live *mtable.Table to an optional durable shadow mirror and
// the REPL/scenario runner that drives both.
type app struct {
	cfg       appConfig
	memDevice blockdev.Device // non-nil only in --mem mode, kept across reopens
	table     *mtable.Table
	tableOpen bool // false once an explicit "close" has run, until the next reopen
	shadow    *shadow.Shadow
	liner     *liner.State
}

func newApp(cfg appConfig) (*app, error) {
	a := &app{cfg: cfg}

	if cfg.mem {
		if cfg.segmentSize == 0 {
			cfg.segmentSize = 4 * uint64(cfg.blockSize)
		}

		if cfg.totalSize == 0 {
			cfg.totalSize = 64 * cfg.segmentSize
		}

		a.cfg = cfg

		dev, err := blockdev.NewMemDevice(cfg.totalSize, cfg.segmentSize, uint64(cfg.blockSize))
		if err != nil {
			return nil, fmt.Errorf("create in-memory device: %w", err)
		}

		a.memDevice = dev
	}

	if !cfg.mem && cfg.create && (cfg.segmentSize == 0 || cfg.totalSize == 0) {
		return nil, errors.New("--create with --path requires --segment-size and --total-size")
	}

	table, err := mtable.Open(a.cfg.tableConfig(a.memDevice))
	if err != nil {
		return nil, fmt.Errorf("open table: %w", err)
	}

	a.table = table
	a.tableOpen = true
	// Only the first Open in a session is allowed to format a fresh table;
	// every reopen after that recovers the checkpoint just written.
	a.cfg.create = false

	if cfg.shadowDB != "" {
		s, err := shadow.Open(context.Background(), cfg.shadowDB)
		if err != nil {
			_ = table.Close()
			return nil, err
		}

		a.shadow = s
	}

	return a, nil
}

func (a *app) closeQuietly() {
	if a.table != nil && a.tableOpen {
		_ = a.table.Close()
	}

	if a.shadow != nil {
		_ = a.shadow.Close()
	}
}

// closeTable closes the live table if it isn't already closed. Idempotent,
// so a scenario's explicit "close" op followed later by "reopen" never
// double-closes.
func (a *app) closeTable() error {
	if !a.tableOpen {
		return nil
	}

	if err := a.table.Close(); err != nil {
		return err
	}

	a.tableOpen = false

	return nil
}

func (a *app) reopen() error {
	if err := a.closeTable(); err != nil {
		return fmt.Errorf("close before reopen: %w", err)
	}

	table, err := mtable.Open(a.cfg.tableConfig(a.memDevice))
	if err != nil {
		return fmt.Errorf("reopen table: %w", err)
	}

	a.table = table
	a.tableOpen = true

	return nil
}

// verifyShadow sweeps every addressable logical address through the live
// table and diffs the result against the durable shadow mirror.
func (a *app) verifyShadow() (map[uint64][2]uint64, error) {
	if a.shadow == nil {
		return nil, errors.New("no shadow db configured (pass --shadow-db)")
	}

	ctx := context.Background()
	want := make(map[uint64]uint64)

	for logical := uint64(0); logical < uint64(a.cfg.npageMappings); logical++ {
		physical, ok, err := a.table.Lookup(logical)
		if err != nil {
			return nil, fmt.Errorf("lookup %d: %w", logical, err)
		}

		if ok {
			want[logical] = physical
		}
	}

	return a.shadow.Diff(ctx, want)
}

func (a *app) runScenario(s scenario) error {
	for i, op := range s.Ops {
		if err := a.applyScenarioOp(i, op); err != nil {
			return err
		}
	}

	return nil
}

func (a *app) applyScenarioOp(index int, op scenarioOp) error {
	switch op.Op {
	case "update":
		err := a.table.Update(op.Logical, op.Physical)
		if !matchesWantErr(err, op.WantErr) {
			return fmt.Errorf("op %d update(%d,%d): got err %v, want %q", index, op.Logical, op.Physical, err, op.WantErr)
		}

		if err == nil && a.shadow != nil {
			if err := a.shadow.Update(context.Background(), op.Logical, op.Physical); err != nil {
				return fmt.Errorf("op %d: shadow mirror update: %w", index, err)
			}
		}

		return nil

	case "lookup":
		physical, ok, err := a.table.Lookup(op.Logical)
		if !matchesWantErr(err, op.WantErr) {
			return fmt.Errorf("op %d lookup(%d): got err %v, want %q", index, op.Logical, err, op.WantErr)
		}

		if err != nil {
			return nil
		}

		if op.Want == nil {
			if ok {
				return fmt.Errorf("op %d lookup(%d): want absent, got %d", index, op.Logical, physical)
			}

			return nil
		}

		if !ok || physical != *op.Want {
			return fmt.Errorf("op %d lookup(%d): want %d, got ok=%v value=%d", index, op.Logical, *op.Want, ok, physical)
		}

		return nil

	case "close":
		return a.closeTable()

	case "reopen":
		return a.reopen()

	case "shadow_verify":
		mismatches, err := a.verifyShadow()
		if err != nil {
			return fmt.Errorf("op %d: %w", index, err)
		}

		if len(mismatches) > 0 {
			return fmt.Errorf("op %d: shadow mismatch: %v", index, mismatches)
		}

		return nil

	default:
		return fmt.Errorf("op %d: unknown op %q", index, op.Op)
	}
}

func matchesWantErr(err error, want string) bool {
	if want == "" {
		return err == nil
	}

	return err != nil && strings.Contains(err.Error(), want)
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".mtcli_history")
}

func (a *app) repl() error {
	a.liner = liner.NewLiner()
	defer a.liner.Close()

	a.liner.SetCtrlCAborts(true)
	a.liner.SetCompleter(a.completer)

	if f, err := os.Open(historyFile()); err == nil {
		a.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("mtcli - mapping table CLI (npage_mappings=%d, block_size=%d, cache_capacity=%d)\n",
		a.cfg.npageMappings, a.cfg.blockSize, a.cfg.cacheCapacity)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := a.liner.Prompt("mtcli> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		a.liner.AppendHistory(line)

		if !a.dispatch(line) {
			break
		}
	}

	a.saveHistory()

	return nil
}

func (a *app) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			a.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (a *app) completer(line string) []string {
	commands := []string{
		"update", "lookup", "close", "reopen", "scenario",
		"shadow", "stats", "dump", "help", "exit", "quit", "q",
	}

	lower := strings.ToLower(line)
	var completions []string

	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

// dispatch runs one REPL command and returns false when the REPL should
// stop.
func (a *app) dispatch(line string) bool {
	parts := strings.Fields(line)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "exit", "quit", "q":
		fmt.Println("Bye!")

		return false

	case "help", "?":
		printHelp()

	case "update":
		a.cmdUpdate(args)

	case "lookup":
		a.cmdLookup(args)

	case "close":
		if err := a.closeTable(); err != nil {
			fmt.Printf("Error: %v\n", err)
		} else {
			fmt.Println("OK: closed")
		}

	case "reopen":
		if err := a.reopen(); err != nil {
			fmt.Printf("Error: %v\n", err)
		} else {
			fmt.Println("OK: reopened")
		}

	case "scenario":
		a.cmdScenario(args)

	case "shadow":
		a.cmdShadow(args)

	case "stats":
		a.cmdStats()

	case "dump":
		fmt.Print(a.table.WriterCache().DebugDump())

	default:
		fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
	}

	return true
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  update <logical> <physical>   Set a mapping")
	fmt.Println("  lookup <logical>               Read a mapping")
	fmt.Println("  close                           Flush and close the table")
	fmt.Println("  reopen                          Close (if open) then reopen")
	fmt.Println("  scenario <file>                 Replay a .hujson scenario file")
	fmt.Println("  shadow verify                   Diff the table against the shadow mirror")
	fmt.Println("  stats                           Print log-structured store occupancy")
	fmt.Println("  dump                            Print resident cache entries")
	fmt.Println("  help                            Show this help")
	fmt.Println("  exit / quit / q                 Exit")
}

func (a *app) cmdUpdate(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: update <logical> <physical>")

		return
	}

	logical, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Printf("Error parsing logical: %v\n", err)

		return
	}

	physical, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fmt.Printf("Error parsing physical: %v\n", err)

		return
	}

	if err := a.table.Update(logical, physical); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if a.shadow != nil {
		if err := a.shadow.Update(context.Background(), logical, physical); err != nil {
			fmt.Printf("Warning: shadow mirror update failed: %v\n", err)
		}
	}

	fmt.Printf("OK: update(%d, %d)\n", logical, physical)
}

func (a *app) cmdLookup(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: lookup <logical>")

		return
	}

	logical, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Printf("Error parsing logical: %v\n", err)

		return
	}

	physical, ok, err := a.table.Lookup(logical)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if !ok {
		fmt.Println("(absent)")

		return
	}

	fmt.Printf("%d -> %d\n", logical, physical)
}

func (a *app) cmdScenario(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: scenario <file>")

		return
	}

	s, err := loadScenario(args[0])
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if err := a.runScenario(s); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: replayed %d ops from %s\n", len(s.Ops), args[0])
}

func (a *app) cmdShadow(args []string) {
	if len(args) < 1 || args[0] != "verify" {
		fmt.Println("Usage: shadow verify")

		return
	}

	mismatches, err := a.verifyShadow()
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if len(mismatches) == 0 {
		fmt.Println("OK: table and shadow mirror agree")

		return
	}

	fmt.Printf("MISMATCH: %d logical addresses disagree\n", len(mismatches))

	for logical, pair := range mismatches {
		fmt.Printf("  %d: table=%d shadow=%d\n", logical, pair[0], pair[1])
	}
}

func (a *app) cmdStats() {
	stats, err := a.table.Store().DebugStats()
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("Flash size:     %d bytes\n", stats.FlashSize)
	fmt.Printf("Block size:     %d bytes\n", stats.BlockSize)
	fmt.Printf("Total blocks:   %d\n", stats.TotalBlocks)
	fmt.Printf("Head / Tail:    %d / %d\n", stats.Head, stats.Tail)
	fmt.Printf("Used space:     %d bytes\n", stats.UsedSpace)
	fmt.Printf("Alive blocks:   %d\n", stats.AliveBlocks)
	fmt.Printf("Dead blocks:    %d\n", stats.DeadBlocks)
	fmt.Printf("Invalid blocks: %d\n", stats.InvalidBlocks)

	for level := uint8(0); level < 8; level++ {
		if count := stats.LevelHistogram[level]; count > 0 {
			fmt.Printf("  level %d: %d\n", level, count)
		}
	}
}
