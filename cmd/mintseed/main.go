// Command mintseed loads inventory into the drop database. It reads one
// content ref per line and inserts the items in catalog order; refs that are
// already present are left untouched, so reruns are safe.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"mintgate/storage"
)

func main() {
	dbPath := flag.String("db", "/var/data/mintgate.sqlite", "path to the drop database (DATABASE_PATH overrides)")
	refsPath := flag.String("refs", "", "path to a newline-delimited content ref list")
	flag.Parse()

	if strings.TrimSpace(*refsPath) == "" {
		fmt.Fprintln(os.Stderr, "mintseed: -refs is required")
		os.Exit(2)
	}
	path := *dbPath
	if env := strings.TrimSpace(os.Getenv("DATABASE_PATH")); env != "" {
		path = env
	}

	refs, err := readRefs(*refsPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mintseed:", err)
		os.Exit(1)
	}
	if len(refs) == 0 {
		fmt.Fprintln(os.Stderr, "mintseed: no content refs found in", *refsPath)
		os.Exit(1)
	}

	dsn, err := storage.FileDSN(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mintseed:", err)
		os.Exit(1)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mintseed:", err)
		os.Exit(1)
	}
	defer store.Close()

	inserted, err := store.SeedItems(context.Background(), refs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mintseed:", err)
		os.Exit(1)
	}
	fmt.Printf("seeded %d new items (%d refs supplied)\n", inserted, len(refs))
}

func readRefs(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open refs: %w", err)
	}
	defer file.Close()

	var refs []string
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, dup := seen[line]; dup {
			return nil, fmt.Errorf("duplicate content ref %q", line)
		}
		seen[line] = struct{}{}
		refs = append(refs, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read refs: %w", err)
	}
	return refs, nil
}
