// Package bench — latency/main.go
//
// POE hot-path latency measurement tool.
//
// Measures two of the control loop's per-tick hot paths in isolation:
//   - scheduler.Tick over 1,440 registered panes (one tick covering a
//     large multi-pane swarm).
//   - ingest.Pipeline.Ingest over a 64 KB payload (one large capture
//     batch through the full C1->C2->C3->C6 fan-out).
//
// Method: run each operation in a tight loop, measuring wall-clock time
// per call with time.Now()/time.Since() around it. runtime.LockOSThread
// pins the measuring goroutine to reduce scheduling jitter.
//
// Output CSV columns: iteration, operation, latency_us.
//
// Exit 1 if either operation's p99 exceeds its budget.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/frankenterm/poe/internal/budget"
	"github.com/frankenterm/poe/internal/changepoint"
	"github.com/frankenterm/poe/internal/ingest"
	"github.com/frankenterm/poe/internal/llr"
	"github.com/frankenterm/poe/internal/pane"
	"github.com/frankenterm/poe/internal/scheduler"
)

const (
	schedulerPanes     = 1440
	ingestPayloadBytes = 64 * 1024
	budgetMicros       = 2000
)

func main() {
	iterations := flag.Int("iterations", 5000, "Number of measurements per operation")
	outputFile := flag.String("output", "latency_raw.csv", "Output CSV file path")
	flag.Parse()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "operation", "latency_us"})

	schedLatencies := measureScheduler(*iterations, w)
	ingestLatencies := measureIngest(*iterations, w)

	schedP50, schedP95, schedP99 := percentiles(schedLatencies)
	ingestP50, ingestP95, ingestP99 := percentiles(ingestLatencies)

	fmt.Printf("POE Hot-Path Latency Results (%d iterations each)\n", *iterations)
	fmt.Printf("  scheduler.Tick (%d panes): p50=%dus p95=%dus p99=%dus\n", schedulerPanes, schedP50, schedP95, schedP99)
	fmt.Printf("  ingest.Ingest (%d KB):     p50=%dus p95=%dus p99=%dus\n", ingestPayloadBytes/1024, ingestP50, ingestP95, ingestP99)
	fmt.Printf("  Output: %s\n", *outputFile)

	if schedP99 > budgetMicros || ingestP99 > budgetMicros {
		fmt.Fprintf(os.Stderr, "FAIL: p99 exceeds %dus target (scheduler=%dus ingest=%dus)\n",
			budgetMicros, schedP99, ingestP99)
		os.Exit(1)
	}
}

func measureScheduler(iterations int, w *csv.Writer) []int {
	sched := scheduler.New(scheduler.DefaultConfig())
	for i := 0; i < schedulerPanes; i++ {
		id := pane.Id(i + 1)
		sched.Register(id, 1.0)
		sched.Observe(id, time.Now(), 3.0, 0.2)
	}

	latencies := make([]int, iterations)
	for i := 0; i < iterations; i++ {
		start := time.Now()
		sched.Tick(time.Now(), 0.3)
		us := int(time.Since(start).Microseconds())
		latencies[i] = us
		_ = w.Write([]string{strconv.Itoa(i), "scheduler_tick", strconv.Itoa(us)})
	}
	return latencies
}

func measureIngest(iterations int, w *csv.Writer) []int {
	bt := budget.NewTable(0.8)
	bt.Register(1, 1<<30)
	mapper, err := llr.Get("linear")
	if err != nil {
		fmt.Fprintf(os.Stderr, "llr.Get: %v\n", err)
		os.Exit(1)
	}
	p := ingest.New(ingest.Config{
		EntropyWindowBytes: 4096,
		LedgerCapacity:     256,
		LedgerLearningRate: 0.1,
		BOCPD:              changepoint.DefaultConfig(),
	}, mapper, bt)

	payload := make([]byte, ingestPayloadBytes)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	latencies := make([]int, iterations)
	now := time.Now()
	for i := 0; i < iterations; i++ {
		start := time.Now()
		p.Ingest(1, uint64(i), payload, now)
		us := int(time.Since(start).Microseconds())
		latencies[i] = us
		_ = w.Write([]string{strconv.Itoa(i), "ingest", strconv.Itoa(us)})
	}
	return latencies
}

func percentiles(samples []int) (p50, p95, p99 int) {
	sorted := append([]int(nil), samples...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	idx := func(pct float64) int {
		i := int(pct * float64(len(sorted)))
		if i >= len(sorted) {
			i = len(sorted) - 1
		}
		return sorted[i]
	}
	return idx(0.50), idx(0.95), idx(0.99)
}
