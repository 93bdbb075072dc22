package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/shenjiangwei/kalloc/kalloc"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	stressWorkers    int
	stressOps        int
	stressIterations int
	stressMaxSize    string
	stressAllocRatio float64
)

// StressResult stores the results of one stress iteration
type StressResult struct {
	Iteration     int
	Allocs        uint64
	Frees         uint64
	Failures      uint64
	Outstanding   int
	PeakLarge     uint64
	Collected     uint64
	TotalDuration time.Duration
}

// stressSize picks pooled sizes most of the time and large ones otherwise
func stressSize(rng *rand.Rand, a *kalloc.Allocator, maxSize uint64) uint64 {
	if rng.Intn(4) > 0 || maxSize < a.PreRoundedCeiling() {
		return uint64(rng.Int63n(int64(a.PreRoundedCeiling())))
	}
	return a.PreRoundedCeiling() + uint64(rng.Int63n(int64(maxSize-a.PreRoundedCeiling()+1)))
}

func runStress(ctx context.Context, a *kalloc.Allocator, iteration int, maxSize uint64) (StressResult, error) {
	var (
		mutex     sync.Mutex
		allocated = make(map[uint64]kalloc.Block) // start -> block
		ops       atomic.Int64
		result    = StressResult{Iteration: iteration}
		allocs    atomic.Uint64
		frees     atomic.Uint64
		failures  atomic.Uint64
	)

	startTime := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < stressWorkers; i++ {
		seed := time.Now().UnixNano() + int64(i)
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seed))
			for ops.Add(1) <= int64(stressOps) {
				if err := ctx.Err(); err != nil {
					return err
				}

				// Randomly decide whether to allocate or free
				if rng.Float64() < stressAllocRatio {
					b, err := a.AllocBlock(stressSize(rng, a, maxSize))
					if err != nil {
						if !errors.Is(err, kalloc.ErrNoMemory) {
							return err
						}
						failures.Add(1)
						continue
					}
					allocs.Add(1)
					mutex.Lock()
					allocated[b.Addr] = b
					mutex.Unlock()
					continue
				}

				mutex.Lock()
				var b kalloc.Block
				found := false
				for _, b = range allocated {
					found = true
					break
				}
				if found {
					delete(allocated, b.Addr)
				}
				mutex.Unlock()
				if !found {
					continue
				}
				if err := a.FreeBlock(b); err != nil {
					return errors.Wrapf(err, "freeing %d bytes at %#x", b.Size, b.Addr)
				}
				frees.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	result.Allocs = allocs.Load()
	result.Frees = frees.Load()
	result.Failures = failures.Load()
	result.Outstanding = len(allocated)
	result.PeakLarge = a.FakeZoneInfo().MaxSize

	// Return everything and check the counters drained
	for _, b := range allocated {
		if err := a.FreeBlock(b); err != nil {
			return result, err
		}
	}
	result.Collected = a.Collect()
	result.TotalDuration = time.Since(startTime)

	if info := a.FakeZoneInfo(); info.Count != 0 || info.CurSize != 0 {
		return result, errors.AssertionFailedf("large path not drained: %d allocations, %d bytes",
			info.Count, info.CurSize)
	}
	for _, z := range a.Zones() {
		info := z.Info()
		if info.CountInUse != 0 {
			return result, errors.AssertionFailedf("zone %s not drained: %d elements", z.Name(), info.CountInUse)
		}
		if info.CurSize != 0 {
			return result, errors.AssertionFailedf("zone %s kept %d bytes after collect", z.Name(), info.CurSize)
		}
	}
	return result, nil
}

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Run a concurrent random alloc/free workload",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if stressIterations < 1 || stressWorkers < 1 {
			return errors.New("stress needs at least one iteration and one worker")
		}
		maxSize, err := humanize.ParseBytes(stressMaxSize)
		if err != nil {
			return err
		}

		fmt.Printf("Starting stress test with %d iterations\n", stressIterations)
		fmt.Println("Workers:", stressWorkers)
		fmt.Println("Operations per iteration:", stressOps)
		fmt.Println("Max block size:", humanize.IBytes(maxSize))
		fmt.Println()

		var total time.Duration
		for i := 0; i < stressIterations; i++ {
			fmt.Printf("Running iteration %d...\n", i+1)
			result, err := runStress(cmd.Context(), allocator, i+1, maxSize)
			if err != nil {
				return errors.Wrapf(err, "iteration %d", i+1)
			}
			total += result.TotalDuration

			fmt.Printf("Iteration %d results:\n", i+1)
			fmt.Printf("  Allocations: %d\n", result.Allocs)
			fmt.Printf("  Frees: %d\n", result.Frees)
			fmt.Printf("  Failed allocations: %d\n", result.Failures)
			fmt.Printf("  Outstanding at end: %d\n", result.Outstanding)
			fmt.Printf("  Peak large bytes: %s\n", humanize.IBytes(result.PeakLarge))
			fmt.Printf("  Zone memory collected: %s\n", humanize.IBytes(result.Collected))
			fmt.Printf("  Duration: %v\n", result.TotalDuration)
			fmt.Println()
		}

		fmt.Println("Average results:")
		fmt.Printf("  Average duration: %v\n", total/time.Duration(stressIterations))
		fmt.Printf("  Ignored frees: %d\n", allocator.FreeNopCount())
		return nil
	},
}

func init() {
	stressCmd.Flags().IntVar(&stressWorkers, "workers", 10, "Concurrent workers")
	stressCmd.Flags().IntVar(&stressOps, "ops", 1000000, "Operations per iteration")
	stressCmd.Flags().IntVar(&stressIterations, "iterations", 3, "Iterations")
	stressCmd.Flags().StringVar(&stressMaxSize, "max-size", "4MiB", "Largest allocation size")
	stressCmd.Flags().Float64Var(&stressAllocRatio, "alloc-ratio", 0.7, "Fraction of operations that allocate")
	rootCmd.AddCommand(stressCmd)
}
