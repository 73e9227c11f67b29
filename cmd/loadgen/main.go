// Command loadgen drives synthetic update or query load against an
// in-process range server, mirroring the CLI surface spec.md §6 documents
// for the load-generator collaborator (informative, grounded on
// original_source/src/cc/Tools/load_generator/ht_load_generator.cc):
//
//	loadgen (query|update) <config> [--table NAME] [--flush]
//	        [--sample-file PATH] [--seed N] [--max-bytes N]
//
// <config> is a small key=value generator spec (see parseGenConfig) rather
// than ht_load_generator's Lua/XML spreadsheet format: original_source/
// carries no DataGenerator.h/.cc to ground a faithful config-file format
// against, so this is authored fresh in the spirit of the original's
// row/qualifier/value size knobs.
//
// Exit code 0 on success, 1 on error, matching spec.md §6.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/elq/hypertable/internal/cellkey"
	"github.com/elq/hypertable/internal/commitlog"
	"github.com/elq/hypertable/internal/harness"
	"github.com/elq/hypertable/internal/mergescan"
	"github.com/elq/hypertable/internal/schema"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "loadgen: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	if len(argv) < 2 {
		return fmt.Errorf("usage: loadgen (query|update) <config> [flags]")
	}
	mode := argv[0]
	if mode != "query" && mode != "update" {
		return fmt.Errorf("unknown mode %q: want query or update", mode)
	}
	configPath := argv[1]

	fs := flag.NewFlagSet("loadgen", flag.ContinueOnError)
	table := fs.String("table", "loadgen", "table name to drive load against")
	flush := fs.Bool("flush", false, "force a minor compaction after the run")
	sampleFile := fs.String("sample-file", "", "write per-request latency samples (CSV: index,micros) here")
	seed := fs.Int64("seed", 1, "PRNG seed for row/value generation")
	maxBytes := fs.Int64("max-bytes", 10<<20, "stop generating once this many value bytes have been written")
	if err := fs.Parse(argv[2:]); err != nil {
		return err
	}

	cfg, err := parseGenConfig(configPath)
	if err != nil {
		return fmt.Errorf("parse generator config %s: %w", configPath, err)
	}

	dataDir, err := os.MkdirTemp("", "loadgen-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dataDir)

	srv, err := harness.New(harness.Config{
		DataDir:             dataDir,
		Location:             "loadgen-1",
		MaintenanceInterval: time.Minute,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	id, err := srv.CreateTable(*table)
	if err != nil {
		return err
	}
	if err := srv.AddColumnFamily(id.ID, 1, cfg.ColumnFamily, "default"); err != nil {
		return err
	}
	// unboundedEndRow sorts after any row this generator produces; it is
	// an ordinary (non-root) range spanning the whole table, not the
	// METADATA table's reserved root range.
	unboundedEndRow := []byte("\xff\xff\xff\xff\xff\xff\xff\xff")
	spec := schema.RangeSpec{StartRow: nil, EndRow: unboundedEndRow}
	rng, err := srv.LoadRange(id, spec)
	if err != nil {
		return err
	}

	rnd := rand.New(rand.NewSource(*seed))
	samples := make([]int64, 0, 4096)
	written := int64(0)

	switch mode {
	case "update":
		for i := 0; written < *maxBytes; i++ {
			row := cfg.row(rnd, i)
			value := cfg.value(rnd)
			key := &cellkey.Key{
				Row:          row,
				ColumnFamily: 1,
				Flag:         cellkey.FlagInsert,
				Timestamp:    time.Now().UnixMicro(),
			}
			start := time.Now()
			if err := rng.AddCells([]commitlog.Cell{{Key: key, Value: value}}); err != nil {
				return fmt.Errorf("add cell %d: %w", i, err)
			}
			samples = append(samples, time.Since(start).Microseconds())
			written += int64(len(value))
		}
	case "query":
		for i := 0; written < *maxBytes; i++ {
			scanner, err := rng.CreateScanner(mergescan.ScanContext{MaxVersions: 1, Now: time.Now().UnixMicro()})
			if err != nil {
				return fmt.Errorf("create scanner: %w", err)
			}
			start := time.Now()
			n := 0
			for scanner.Next() {
				written += int64(len(scanner.Value()))
				n++
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("scan %d: %w", i, err)
			}
			samples = append(samples, time.Since(start).Microseconds())
			if n == 0 {
				break
			}
		}
	}

	if *flush {
		if err := rng.Compact(false, time.Now().UnixMicro()); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}

	if *sampleFile != "" {
		if err := writeSamples(*sampleFile, samples); err != nil {
			return fmt.Errorf("write sample file: %w", err)
		}
	}

	fmt.Printf("%s: %d requests, %d bytes\n", mode, len(samples), written)
	return nil
}

// genConfig is a minimal row/value-size generator spec, key=value per
// line, e.g.:
//
//	column-family=data
//	row-prefix=user
//	row-width=12
//	value-min=20
//	value-max=400
type genConfig struct {
	ColumnFamily string
	RowPrefix    string
	RowWidth     int
	ValueMin     int
	ValueMax     int
}

func parseGenConfig(path string) (genConfig, error) {
	cfg := genConfig{ColumnFamily: "data", RowPrefix: "row", RowWidth: 10, ValueMin: 10, ValueMax: 100}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return cfg, fmt.Errorf("bad line %q: want key=value", line)
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		switch k {
		case "column-family":
			cfg.ColumnFamily = v
		case "row-prefix":
			cfg.RowPrefix = v
		case "row-width":
			n, err := strconv.Atoi(v)
			if err != nil {
				return cfg, fmt.Errorf("row-width: %w", err)
			}
			cfg.RowWidth = n
		case "value-min":
			n, err := strconv.Atoi(v)
			if err != nil {
				return cfg, fmt.Errorf("value-min: %w", err)
			}
			cfg.ValueMin = n
		case "value-max":
			n, err := strconv.Atoi(v)
			if err != nil {
				return cfg, fmt.Errorf("value-max: %w", err)
			}
			cfg.ValueMax = n
		default:
			return cfg, fmt.Errorf("unknown key %q", k)
		}
	}
	return cfg, nil
}

func (c genConfig) row(rnd *rand.Rand, i int) []byte {
	s := fmt.Sprintf("%s-%0*d", c.RowPrefix, c.RowWidth, i)
	return []byte(s)
}

func (c genConfig) value(rnd *rand.Rand) []byte {
	span := c.ValueMax - c.ValueMin
	n := c.ValueMin
	if span > 0 {
		n += rnd.Intn(span)
	}
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte('a' + rnd.Intn(26))
	}
	return buf
}

func writeSamples(path string, samples []int64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	defer w.Flush()
	for i, s := range samples {
		if err := w.Write([]string{strconv.Itoa(i), strconv.FormatInt(s, 10)}); err != nil {
			return err
		}
	}
	return w.Error()
}
