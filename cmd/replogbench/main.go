package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ryanuber/columnize"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "HTTP address of a member; followers redirect writes to the leader")
	ops := flag.Int("ops", 100, "operations per test")
	concurrency := flag.Int("concurrency", 10, "goroutines for the concurrent tests")
	timeout := flag.Duration("timeout", 5*time.Second, "per-request timeout")
	flag.Parse()

	c := newClient(*addr, *timeout)

	fmt.Println("=== replog benchmark ===")
	fmt.Printf("Target: %s\n\n", *addr)

	// Проверка доступности
	if err := c.health(); err != nil {
		fmt.Printf("ERROR: member %s is not available: %v\n", *addr, err)
		os.Exit(1)
	}

	rows := []string{"Test|Total|OK|Failed|Duration|Ops/sec|Avg|Min|Max"}
	add := func(name string, r result) {
		rows = append(rows, r.row(name))
	}

	add("Sequential proposals", runLoad(*ops, 1, func(worker, i int) error {
		return c.put(fmt.Sprintf("bench_%d_%d", worker, i), fmt.Sprintf("v_%d", time.Now().UnixNano()))
	}))
	add("Concurrent proposals", runLoad(*ops, *concurrency, func(worker, i int) error {
		return c.put(fmt.Sprintf("bench_c_%d_%d", worker, i), fmt.Sprintf("v_%d", time.Now().UnixNano()))
	}))
	add("Concurrent reads", runLoad(*ops, *concurrency, func(worker, i int) error {
		return c.get(fmt.Sprintf("bench_c_%d_%d", worker, i))
	}))
	add("Deletes", runLoad(*ops, *concurrency, func(worker, i int) error {
		return c.delete(fmt.Sprintf("bench_c_%d_%d", worker, i))
	}))

	fmt.Println(columnize.SimpleFormat(rows))

	if st, err := c.status(); err == nil {
		fmt.Printf("\ncommit=%d last_applied=%d replicated_to_all=%d snapshot_index=%d\n",
			st.CommitIndex, st.LastApplied, st.ReplicatedToAll, st.SnapshotIndex)
	}
}
