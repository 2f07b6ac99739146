package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chzyer/readline"

	"github.com/KevoDB/flashstore/pkg/client"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".exit"),
	readline.PcItem(".stats"),
	readline.PcItem("APPEND"),
	readline.PcItem("GET"),
	readline.PcItem("INVALIDATE"),
	readline.PcItem("GC"),
)

const helpText = `
flashstore - A key/value store on NOR flash.

Usage:
  flashstore [options] [data_dir]  - Start with an optional data directory

Options:
  -server                 - Run in server mode, exposing a gRPC API
  -daemon                 - Run in daemon mode (detached from terminal)
  -address string         - Address to listen on in server mode (default "localhost:50051")
  -remote string          - Run the console against a flashstore server

Commands (interactive mode only):
  .help                   - Show this help message
  .exit                   - Exit the program
  .stats                  - Show storage statistics

  APPEND key value        - Store a value; an existing key is never overwritten
  GET key                 - Retrieve a value by key
  INVALIDATE key          - Delete a key; its space is reclaimed by GC
  GC                      - Compact the log and report the bytes reclaimed

Keys hold at most 32 bytes and values at most 256 bytes of UTF-8 text.
`

// runInteractive starts the interactive CLI mode
func runInteractive(st Store, prompt string) {
	fmt.Println("flashstore version 0.1.0")
	fmt.Println("Enter .help for usage hints.")

	// Setup readline with history support
	historyFile := filepath.Join(os.TempDir(), ".flashstore_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	ctx := context.Background()
	for {
		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					break
				}
				continue
			} else if readErr == io.EOF {
				fmt.Println("Goodbye!")
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		if execute(ctx, st, line, os.Stdout) {
			fmt.Println("Goodbye!")
			return
		}
	}
}

// execute runs one console line and reports whether the console should exit
func execute(ctx context.Context, st Store, line string, out io.Writer) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	parts := strings.Fields(line)
	cmd := strings.ToUpper(parts[0])

	if strings.HasPrefix(cmd, ".") {
		switch strings.ToLower(cmd) {
		case ".help":
			fmt.Fprint(out, helpText)
		case ".exit":
			return true
		case ".stats":
			stats, err := st.Stats(ctx)
			if err != nil {
				fmt.Fprintf(out, "Error: %s\n", err)
				return false
			}
			printStats(out, stats)
		default:
			fmt.Fprintf(out, "Unknown command: %s\n", cmd)
		}
		return false
	}

	switch cmd {
	case "APPEND":
		if len(parts) < 3 {
			fmt.Fprintln(out, "Error: APPEND requires key and value arguments")
			return false
		}
		// the value is the rest of the line, spaces included
		rest := strings.TrimSpace(line[len(parts[0]):])
		value := strings.TrimSpace(rest[len(parts[1]):])
		code, err := st.AppendKey(ctx, parts[1], value)
		if err != nil {
			fmt.Fprintf(out, "Error: %s\n", err)
			return false
		}
		fmt.Fprintf(out, "Value stored (%s)\n", code)

	case "GET":
		if len(parts) != 2 {
			fmt.Fprintln(out, "Error: GET requires a key argument")
			return false
		}
		value, err := st.Get(ctx, parts[1])
		if err != nil {
			fmt.Fprintf(out, "Error: %s\n", err)
			return false
		}
		fmt.Fprintf(out, "%s\n", value)

	case "INVALIDATE":
		if len(parts) != 2 {
			fmt.Fprintln(out, "Error: INVALIDATE requires a key argument")
			return false
		}
		code, err := st.InvalidateKey(ctx, parts[1])
		if err != nil {
			fmt.Fprintf(out, "Error: %s\n", err)
			return false
		}
		fmt.Fprintf(out, "Key invalidated (%s)\n", code)

	case "GC":
		reclaimed, err := st.GarbageCollect(ctx)
		if err != nil {
			fmt.Fprintf(out, "Error: %s\n", err)
			return false
		}
		fmt.Fprintf(out, "%d bytes reclaimed\n", reclaimed)

	default:
		fmt.Fprintf(out, "Unknown command: %s\n", cmd)
	}
	return false
}

// getUint64 reads a counter that may have come through JSON
func getUint64(m map[string]interface{}, key string) uint64 {
	switch v := m[key].(type) {
	case uint64:
		return v
	case int64:
		return uint64(v)
	case int:
		return uint64(v)
	case float64:
		return uint64(v)
	default:
		return 0
	}
}

func printStats(out io.Writer, stats map[string]interface{}) {
	fmt.Fprintln(out, "📊 Operations:")
	fmt.Fprintf(out, "  • Appends: %d\n", getUint64(stats, "append_ops"))
	fmt.Fprintf(out, "  • Gets: %d\n", getUint64(stats, "get_ops"))
	fmt.Fprintf(out, "  • Invalidates: %d\n", getUint64(stats, "invalidate_ops"))
	fmt.Fprintf(out, "  • Garbage collections: %d\n", getUint64(stats, "gc_ops"))

	fmt.Fprintln(out, "\n💾 Flash:")
	fmt.Fprintf(out, "  • Bytes Read: %d\n", getUint64(stats, "flash_bytes_read"))
	fmt.Fprintf(out, "  • Bytes Written: %d\n", getUint64(stats, "flash_bytes_written"))
	fmt.Fprintf(out, "  • Page Programs: %d (read-modify-write: %d)\n",
		getUint64(stats, "flash_page_programs"), getUint64(stats, "flash_read_modify_writes"))
	fmt.Fprintf(out, "  • Sector Erases: %d\n", getUint64(stats, "flash_sector_erases"))
	fmt.Fprintf(out, "  • Bytes Reclaimed: %d\n", getUint64(stats, "gc_bytes_reclaimed"))

	if errs, ok := stats["errors"].(map[string]interface{}); ok && len(errs) > 0 {
		printErrors(out, errs)
	} else if errs, ok := stats["errors"].(map[string]uint64); ok && len(errs) > 0 {
		generic := make(map[string]interface{}, len(errs))
		for k, v := range errs {
			generic[k] = v
		}
		printErrors(out, generic)
	}
}

func printErrors(out io.Writer, errs map[string]interface{}) {
	names := make([]string, 0, len(errs))
	for name := range errs {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(out, "\n⚠️ Errors:")
	for _, name := range names {
		fmt.Fprintf(out, "  • %s: %d\n", name, getUint64(errs, name))
	}
}

var _ Store = (*client.Client)(nil)
