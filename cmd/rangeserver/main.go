// Command rangeserver wires the core engine packages into a single
// process and drives it from a line-oriented command script, standing in
// for the RPC dispatcher spec.md §1 puts out of scope ("Network RPC
// framing, connection management, master election").
//
// Usage:
//
//	rangeserver -data-dir=<path> [-script=<file>]
//
// Commands (one per line, '#' starts a comment, blank lines ignored):
//
//	table <name>
//	cf <table> <code> <name> <access-group>
//	load <table> <start-row|-> <end-row|ROOT>
//	add <table> <end-row> <row> <cf> <qualifier|-> <flag> <ts> <value>
//	scan <table> <end-row>
//	compact <table> <end-row> [major]
//	split <table> [<end-row>]
//	unload <table> <end-row>
//	crash <table> <end-row>
//	tick
//	quit
//
// Grounded on the teacher's small flag-driven cmd/ mains (cmd/ldb,
// cmd/smoketest) rather than any single file — those wire a db.DB the
// same way this wires a harness.Server.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/elq/hypertable/internal/cellkey"
	"github.com/elq/hypertable/internal/commitlog"
	"github.com/elq/hypertable/internal/harness"
	"github.com/elq/hypertable/internal/logging"
	"github.com/elq/hypertable/internal/mergescan"
	"github.com/elq/hypertable/internal/rangeengine"
	"github.com/elq/hypertable/internal/schema"
)

var (
	dataDir             = flag.String("data-dir", "", "directory backing this server's range state (required)")
	location            = flag.String("location", "rangeserver-1", "this server's identity for the Location metadata column")
	maintenanceInterval = flag.Duration("maintenance-interval", 5*time.Second, "MaintenanceScheduler tick interval")
	scriptPath          = flag.String("script", "", "command script to run instead of reading stdin")
	logLevel            = flag.String("log-level", "info", "error|warn|info|debug")
)

func main() {
	flag.Parse()
	if *dataDir == "" {
		fmt.Fprintln(os.Stderr, "rangeserver: -data-dir is required")
		os.Exit(1)
	}

	logger := logging.NewDefaultLogger(parseLevel(*logLevel))
	srv, err := harness.New(harness.Config{
		DataDir:             *dataDir,
		Location:            *location,
		MaintenanceInterval: *maintenanceInterval,
		Logger:              logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "rangeserver: %v\n", err)
		os.Exit(1)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Scheduler().Run(ctx)

	in := os.Stdin
	if *scriptPath != "" {
		f, err := os.Open(*scriptPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rangeserver: open script: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	repl := &repl{srv: srv, out: os.Stdout}
	if err := repl.run(in); err != nil {
		fmt.Fprintf(os.Stderr, "rangeserver: %v\n", err)
		os.Exit(1)
	}
}

func parseLevel(s string) logging.Level {
	switch strings.ToLower(s) {
	case "error":
		return logging.LevelError
	case "warn":
		return logging.LevelWarn
	case "debug":
		return logging.LevelDebug
	default:
		return logging.LevelInfo
	}
}

type repl struct {
	srv *harness.Server
	out io.Writer
}

func (r *repl) run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		cmd := fields[0]
		args := fields[1:]
		if cmd == "quit" || cmd == "exit" {
			return nil
		}
		if err := r.dispatch(cmd, args); err != nil {
			fmt.Fprintf(r.out, "ERROR: %s: %v\n", cmd, err)
		}
	}
	return scanner.Err()
}

func (r *repl) dispatch(cmd string, args []string) error {
	switch cmd {
	case "table":
		return r.cmdTable(args)
	case "cf":
		return r.cmdColumnFamily(args)
	case "load":
		return r.cmdLoad(args)
	case "add":
		return r.cmdAdd(args)
	case "scan":
		return r.cmdScan(args)
	case "compact":
		return r.cmdCompact(args)
	case "split":
		return r.cmdSplit(args)
	case "unload":
		return r.cmdUnload(args)
	case "crash":
		return r.cmdCrash(args)
	case "tick":
		r.srv.Scheduler().NeedScheduling()
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (r *repl) cmdTable(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: table <name>")
	}
	id, err := r.srv.CreateTable(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "OK table %s id=%s\n", id.Name, id.ID)
	return nil
}

func (r *repl) cmdColumnFamily(args []string) error {
	if len(args) != 4 {
		return fmt.Errorf("usage: cf <table> <code> <name> <access-group>")
	}
	id, err := r.srv.TableID(args[0])
	if err != nil {
		return err
	}
	code, err := strconv.ParseUint(args[1], 10, 8)
	if err != nil {
		return fmt.Errorf("bad column family code %q: %w", args[1], err)
	}
	if err := r.srv.AddColumnFamily(id.ID, uint8(code), args[2], args[3]); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "OK cf %s:%d -> %s\n", args[2], code, args[3])
	return nil
}

func parseEndRow(s string) []byte {
	if s == "ROOT" {
		return schema.RootEndRow
	}
	return []byte(s)
}

func parseStartRow(s string) []byte {
	if s == "-" {
		return nil
	}
	return []byte(s)
}

func (r *repl) cmdLoad(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: load <table> <start-row|-> <end-row|ROOT>")
	}
	id, err := r.srv.TableID(args[0])
	if err != nil {
		return err
	}
	spec := schema.RangeSpec{StartRow: parseStartRow(args[1]), EndRow: parseEndRow(args[2])}
	rng, err := r.srv.LoadRange(id, spec)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "OK load %s %s\n", id.Name, rng.Spec())
	return nil
}

func parseFlag(s string) (cellkey.Flag, error) {
	switch s {
	case "insert":
		return cellkey.FlagInsert, nil
	case "delete_row":
		return cellkey.FlagDeleteRow, nil
	case "delete_cf":
		return cellkey.FlagDeleteColumnFamily, nil
	case "delete_cell":
		return cellkey.FlagDeleteCell, nil
	default:
		return 0, fmt.Errorf("unknown flag %q", s)
	}
}

func (r *repl) cmdAdd(args []string) error {
	if len(args) != 8 {
		return fmt.Errorf("usage: add <table> <end-row> <row> <cf> <qualifier|-> <flag> <ts> <value>")
	}
	id, err := r.srv.TableID(args[0])
	if err != nil {
		return err
	}
	rng, ok := r.srv.Range(id.ID, parseEndRow(args[1]))
	if !ok {
		return fmt.Errorf("no range loaded for %s:%s", args[0], args[1])
	}
	cf, err := strconv.ParseUint(args[3], 10, 8)
	if err != nil {
		return fmt.Errorf("bad column family %q: %w", args[3], err)
	}
	qual := args[4]
	if qual == "-" {
		qual = ""
	}
	flag, err := parseFlag(args[5])
	if err != nil {
		return err
	}
	ts, err := strconv.ParseInt(args[6], 10, 64)
	if err != nil {
		return fmt.Errorf("bad timestamp %q: %w", args[6], err)
	}
	key := &cellkey.Key{
		Row:             []byte(args[2]),
		ColumnFamily:    uint8(cf),
		ColumnQualifier: []byte(qual),
		Flag:            flag,
		Timestamp:       ts,
	}
	if err := rng.AddCells([]commitlog.Cell{{Key: key, Value: []byte(args[7])}}); err != nil {
		return err
	}
	r.srv.Scheduler().NeedScheduling()
	fmt.Fprintf(r.out, "OK add %s\n", args[2])
	return nil
}

func (r *repl) cmdScan(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: scan <table> <end-row>")
	}
	id, err := r.srv.TableID(args[0])
	if err != nil {
		return err
	}
	rng, ok := r.srv.Range(id.ID, parseEndRow(args[1]))
	if !ok {
		return fmt.Errorf("no range loaded for %s:%s", args[0], args[1])
	}
	scanner, err := rng.CreateScanner(mergescan.ScanContext{Now: time.Now().UnixMicro()})
	if err != nil {
		return err
	}
	n := 0
	for scanner.Next() {
		k := scanner.Key()
		fmt.Fprintf(r.out, "  %s cf=%d q=%q flag=%s ts=%d rev=%d value=%q\n",
			k.Row, k.ColumnFamily, k.ColumnQualifier, k.Flag, k.Timestamp, k.Revision, scanner.Value())
		n++
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "OK scan %d cells\n", n)
	return nil
}

func (r *repl) cmdCompact(args []string) error {
	if len(args) != 2 && len(args) != 3 {
		return fmt.Errorf("usage: compact <table> <end-row> [major]")
	}
	id, err := r.srv.TableID(args[0])
	if err != nil {
		return err
	}
	rng, ok := r.srv.Range(id.ID, parseEndRow(args[1]))
	if !ok {
		return fmt.Errorf("no range loaded for %s:%s", args[0], args[1])
	}
	major := len(args) == 3 && args[2] == "major"
	if err := rng.Compact(major, time.Now().UnixMicro()); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "OK compact major=%v\n", major)
	return nil
}

func (r *repl) cmdSplit(args []string) error {
	if len(args) != 1 && len(args) != 2 {
		return fmt.Errorf("usage: split <table> [<end-row>]")
	}
	id, err := r.srv.TableID(args[0])
	if err != nil {
		return err
	}
	endRow := schema.RootEndRow
	if len(args) == 2 {
		endRow = parseEndRow(args[1])
	}
	rng, ok := r.srv.Range(id.ID, endRow)
	if !ok {
		return fmt.Errorf("no range loaded for %s", args[0])
	}
	preSplit := rng.Spec()
	if err := rng.Split(context.Background(), time.Now().UnixMicro(), rangeengine.SplitOffHigh); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "OK split %s -> %s (reports=%d)\n", preSplit, rng.Spec(), len(r.srv.Master().Reports()))
	return nil
}

func (r *repl) cmdUnload(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: unload <table> <end-row>")
	}
	id, err := r.srv.TableID(args[0])
	if err != nil {
		return err
	}
	if err := r.srv.UnloadRange(id.ID, parseEndRow(args[1])); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "OK unload %s\n", args[0])
	return nil
}

func (r *repl) cmdCrash(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: crash <table> <end-row>")
	}
	id, err := r.srv.TableID(args[0])
	if err != nil {
		return err
	}
	endRow := parseEndRow(args[1])
	rng, err := r.srv.CrashReload(id.ID, endRow)
	if err != nil {
		return err
	}
	if err := r.srv.ResumePendingSplit(rng, time.Now().UnixMicro()); err != nil {
		return err
	}
	if err := r.srv.RewritePendingFiles(rng); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "OK crash-reload %s\n", rng.Spec())
	return nil
}
