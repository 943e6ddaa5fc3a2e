// Command lsmkv is a line-oriented REPL over the storage engine in
// package lsm: a thin front end for interactive use and scripted demos,
// not itself part of the engine's contract.
package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/riverrun/lsmkv/lsm"
)

// DB is the minimal surface any engine handle must expose to this front
// end; *lsm.Tree satisfies it, modulo its richer result types.
type DB interface {
	Put(key, value []byte) (lsm.PutResult, error)
	Get(key []byte) lsm.GetResult
	Delete(key []byte) (lsm.PutResult, error)
}

func main() {
	logger := log.New(os.Stderr, "lsmkv: ", 0)
	tree := lsm.New(lsm.NewConfig())

	if len(os.Args) > 1 {
		runScript(tree, strings.Join(os.Args[1:], " "), logger)
		return
	}

	runREPL(tree, os.Stdin, os.Stdout, logger)
}

func runScript(db DB, line string, logger *log.Logger) {
	if code := dispatch(db, line, os.Stdout, logger); code != 0 {
		os.Exit(code)
	}
}

func runREPL(db DB, in *os.File, out *os.File, logger *log.Logger) {
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(out, "lsmkv — type HELP for the command summary")

	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		dispatch(db, line, out, logger)
	}
}

// dispatch parses and executes one command line, returning a process
// exit code: 0 on success, non-zero on a UsageError (spec.md §6/§7).
func dispatch(db DB, line string, out *os.File, logger *log.Logger) int {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return 0
	}

	verb := strings.ToUpper(fields[0])
	args := fields[1:]

	switch verb {
	case "PUT":
		return cmdPut(db, args, out)
	case "GET":
		return cmdGet(db, args, out)
	case "DELETE":
		return cmdDelete(db, args, out)
	case "COMPACT":
		return cmdCompact(db, args, out)
	case "STATS":
		return cmdStats(db, args, out)
	case "CLEAR":
		return cmdClear(db, args, out)
	case "HELP":
		printHelp(out)
		return 0
	default:
		fmt.Fprintf(out, "usage error: unknown command %q\n", fields[0])
		logger.Printf("unknown command: %s", fields[0])
		return 1
	}
}

func cmdPut(db DB, args []string, out *os.File) int {
	if len(args) < 2 {
		fmt.Fprintln(out, "usage error: PUT key value...")
		return 1
	}

	key := args[0]
	value := parseLiteral(strings.Join(args[1:], " "))

	result, err := db.Put([]byte(key), []byte(value))
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "%s %q (flushed=%v compacted=%v, %.3fms)\n",
		result.Outcome, key, result.Flushed, result.Compacted, result.DurationMS)
	return 0
}

func cmdGet(db DB, args []string, out *os.File) int {
	if len(args) != 1 {
		fmt.Fprintln(out, "usage error: GET key")
		return 1
	}

	result := db.Get([]byte(args[0]))
	if result.Found {
		fmt.Fprintf(out, "FOUND %q\n", result.Value)
	} else if result.Tombstoned {
		fmt.Fprintln(out, "NOT FOUND (tombstoned)")
	} else {
		fmt.Fprintln(out, "NOT FOUND")
	}

	for _, step := range result.Path {
		if step.Source == "memtable" {
			fmt.Fprintf(out, "  memtable: hit=%v\n", step.Hit)
			continue
		}
		fmt.Fprintf(out, "  L%d table#%d: hit=%v bloom_saved=%v\n", step.Level, step.TableID, step.Hit, step.BloomSaved)
	}
	return 0
}

func cmdDelete(db DB, args []string, out *os.File) int {
	if len(args) != 1 {
		fmt.Fprintln(out, "usage error: DELETE key")
		return 1
	}

	result, err := db.Delete([]byte(args[0]))
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "DELETE %q (flushed=%v compacted=%v)\n", args[0], result.Flushed, result.Compacted)
	return 0
}

func cmdCompact(db DB, args []string, out *os.File) int {
	if len(args) != 1 {
		fmt.Fprintln(out, "usage error: COMPACT level")
		return 1
	}

	level, err := strconv.Atoi(args[0])
	if err != nil || level < 0 {
		fmt.Fprintf(out, "usage error: COMPACT expects a non-negative integer level, got %q\n", args[0])
		return 1
	}

	tree, ok := db.(*lsm.Tree)
	if !ok {
		fmt.Fprintln(out, "error: COMPACT requires the engine handle, not a narrower DB view")
		return 1
	}

	result := tree.Compact(level)
	if !result.Success {
		fmt.Fprintf(out, "precondition error: %v\n", result.Err)
		return 1
	}

	fmt.Fprintf(out, "compacted L%d -> L%d: %d source tables, %d target tables, %d output records, %d duplicates removed\n",
		result.Entry.SourceLevel, result.Entry.TargetLevel, result.Entry.SourceTableCount,
		result.Entry.TargetTableCount, result.Entry.OutputRecords, result.Entry.DuplicatesRemoved)
	return 0
}

func cmdStats(db DB, args []string, out *os.File) int {
	if len(args) != 0 {
		fmt.Fprintln(out, "usage error: STATS takes no arguments")
		return 1
	}

	tree, ok := db.(*lsm.Tree)
	if !ok {
		fmt.Fprintln(out, "error: STATS requires the engine handle, not a narrower DB view")
		return 1
	}

	stats := tree.Stats()
	fmt.Fprintf(out, "puts=%d gets=%d deletes=%d hits=%d misses=%d\n",
		stats.PutCount, stats.GetCount, stats.DeleteCount, stats.HitCount, stats.MissCount)
	fmt.Fprintf(out, "memtable: size=%d height=%d bytes=%d\n",
		stats.MemtableSize, stats.MemtableHeight, stats.MemtableBytes)
	for _, level := range sortedLevels(stats.LevelTableCounts) {
		fmt.Fprintf(out, "  L%d: %d tables, ~%d bytes\n", level, stats.LevelTableCounts[level], stats.LevelByteEstimate[level])
	}
	fmt.Fprintf(out, "compactions=%d write_amplification=%.4f\n", stats.CompactionCount, stats.WriteAmplification)
	fmt.Fprintf(out, "bloom: tables=%d avg_fill=%.4f avg_theoretical_fpr=%.5f\n",
		stats.BloomEffectiveness.TableCount, stats.BloomEffectiveness.AverageFillRatio, stats.BloomEffectiveness.AverageTheoretical)
	return 0
}

func cmdClear(db DB, args []string, out *os.File) int {
	if len(args) != 0 {
		fmt.Fprintln(out, "usage error: CLEAR takes no arguments")
		return 1
	}

	tree, ok := db.(*lsm.Tree)
	if !ok {
		fmt.Fprintln(out, "error: CLEAR requires the engine handle, not a narrower DB view")
		return 1
	}

	tree.Clear()
	fmt.Fprintln(out, "cleared")
	return 0
}

func printHelp(out *os.File) {
	fmt.Fprintln(out, `commands:
  PUT key value...   insert or update; trailing tokens join as the value
  GET key            point lookup, prints the search path
  DELETE key         tombstone a key
  COMPACT level      compact level N into level N+1
  STATS              print the statistics snapshot
  CLEAR              reset engine state
  HELP               this summary`)
}

// parseLiteral normalizes value to a self-describing structured literal
// when it parses as one (int64, float64, or bool), else returns it
// unchanged as a raw string (spec.md §6 PUT semantics).
func parseLiteral(value string) string {
	if _, err := strconv.ParseInt(value, 10, 64); err == nil {
		return value
	}
	if _, err := strconv.ParseFloat(value, 64); err == nil {
		return value
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return strconv.FormatBool(b)
	}
	return value
}

func sortedLevels(counts map[int]int) []int {
	out := make([]int, 0, len(counts))
	for l := range counts {
		out = append(out, l)
	}
	sort.Ints(out)
	return out
}
