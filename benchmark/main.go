// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hemant/titandelay"
	"github.com/redis/go-redis/v9"
)

var (
	redisAddr = flag.String("redis", "localhost:6379", "Redis server address")
	dataDir   = flag.String("pebble", "", "Benchmark the embedded store in this directory instead of Redis")
	buckets   = flag.Int("buckets", 8, "Number of buckets")
)

type BenchmarkResult struct {
	Name     string
	Jobs     int
	Workers  int
	Duration time.Duration
	Rate     float64
	Success  int64
	Failed   int64
}

var allResults []BenchmarkResult

func clearStore() {
	if *dataDir != "" {
		os.RemoveAll(*dataDir)
		return
	}
	client := redis.NewClient(&redis.Options{Addr: *redisAddr})
	defer client.Close()
	client.FlushAll(context.Background())
}

func openBucket() *titandelay.DelayBucket {
	cfg := titandelay.BucketConfig{Count: *buckets, LogLevel: titandelay.WarnLevel}
	var (
		b   *titandelay.DelayBucket
		err error
	)
	if *dataDir != "" {
		b, err = titandelay.OpenEmbeddedDelayBucket(*dataDir, cfg)
	} else {
		b, err = titandelay.NewDelayBucket(titandelay.RedisClientOpt{Addr: *redisAddr}, cfg)
	}
	if err != nil {
		log.Fatalf("could not open delay bucket: %v", err)
	}
	return b
}

func payload() []byte {
	p, _ := json.Marshal(map[string]interface{}{
		"data":      "benchmark payload data for testing throughput",
		"timestamp": time.Now().Unix(),
	})
	return p
}

func report(name string, jobs, workers int, d time.Duration, ok, failed int64) BenchmarkResult {
	rate := float64(ok) / d.Seconds()
	log.Printf("Results:")
	log.Printf("  Duration: %v", d)
	log.Printf("  Success: %d, Failed: %d", ok, failed)
	log.Printf("  Rate: %.2f jobs/sec", rate)
	return BenchmarkResult{Name: name, Jobs: jobs, Workers: workers, Duration: d, Rate: rate, Success: ok, Failed: failed}
}

// BenchmarkAdd tests raw add throughput
func BenchmarkAdd(numJobs int, concurrency int) BenchmarkResult {
	log.Printf("\n=== ADD BENCHMARK ===")
	log.Printf("Jobs: %d, Concurrency: %d goroutines", numJobs, concurrency)

	b := openBucket()
	defer b.Close()

	p := payload()
	var wg sync.WaitGroup
	var successCount, failCount int64
	perWorker := numJobs / concurrency
	start := time.Now()

	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				job, _ := titandelay.NewJob("benchmark:add", p, titandelay.ProcessIn(time.Duration(i)*time.Millisecond))
				if err := b.Add(context.Background(), job); err != nil {
					atomic.AddInt64(&failCount, 1)
				} else {
					atomic.AddInt64(&successCount, 1)
				}
			}
		}()
	}
	wg.Wait()
	return report(fmt.Sprintf("Add (concurrency=%d)", concurrency), numJobs, concurrency, time.Since(start), successCount, failCount)
}

// BenchmarkAddBatch tests batched add throughput
func BenchmarkAddBatch(numJobs int, batchSize int) BenchmarkResult {
	log.Printf("\n=== ADD BATCH BENCHMARK ===")
	log.Printf("Jobs: %d, Batch size: %d", numJobs, batchSize)

	b := openBucket()
	defer b.Close()

	p := payload()
	var successCount, failCount int64
	start := time.Now()
	for added := 0; added < numJobs; added += batchSize {
		batch := make([]*titandelay.Job, 0, batchSize)
		for i := 0; i < batchSize; i++ {
			job, _ := titandelay.NewJob("benchmark:batch", p)
			batch = append(batch, job)
		}
		if err := b.AddBatch(context.Background(), batch); err != nil {
			failCount += int64(len(batch))
		} else {
			successCount += int64(len(batch))
		}
	}
	return report(fmt.Sprintf("AddBatch (size=%d)", batchSize), numJobs, 1, time.Since(start), successCount, failCount)
}

// BenchmarkDispatch tests how fast a server drains due jobs
func BenchmarkDispatch(numJobs int) BenchmarkResult {
	log.Printf("\n=== DISPATCH BENCHMARK ===")
	log.Printf("Jobs: %d, Buckets: %d", numJobs, *buckets)

	b := openBucket()
	defer b.Close()

	log.Println("Pre-adding due jobs...")
	p := payload()
	for added := 0; added < numJobs; added += 1000 {
		batch := make([]*titandelay.Job, 0, 1000)
		for i := 0; i < 1000 && added+i < numJobs; i++ {
			job, _ := titandelay.NewJob("benchmark:dispatch", p)
			batch = append(batch, job)
		}
		if err := b.AddBatch(context.Background(), batch); err != nil {
			log.Fatalf("could not pre-add jobs: %v", err)
		}
	}

	var processed int64
	srv, err := titandelay.NewServer(b, titandelay.Config{
		PollInterval: 10 * time.Millisecond,
		LogLevel:     titandelay.WarnLevel,
	})
	if err != nil {
		log.Fatalf("could not create server: %v", err)
	}
	start := time.Now()
	err = srv.Start(titandelay.HandlerFunc(func(ctx context.Context, job *titandelay.Job) error {
		atomic.AddInt64(&processed, 1)
		return nil
	}))
	if err != nil {
		log.Fatalf("could not start server: %v", err)
	}
	defer srv.Shutdown()

	timeout := time.After(120 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := atomic.LoadInt64(&processed); n >= int64(numJobs) {
				return report(fmt.Sprintf("Dispatch (buckets=%d)", *buckets), numJobs, *buckets, time.Since(start), n, 0)
			}
		case <-timeout:
			n := atomic.LoadInt64(&processed)
			log.Printf("TIMEOUT")
			return report(fmt.Sprintf("Dispatch (buckets=%d)", *buckets), numJobs, *buckets, time.Since(start), n, int64(numJobs)-n)
		}
	}
}

func printSummaryTable() {
	fmt.Println("\n+-----------------------------------------------+-----------+-----------+--------------+")
	fmt.Println("| Test                                          |  Jobs     |  Workers  |  Rate (/s)   |")
	fmt.Println("+-----------------------------------------------+-----------+-----------+--------------+")
	for _, r := range allResults {
		fmt.Printf("| %-45s | %9d | %9d | %12.0f |\n", r.Name, r.Jobs, r.Workers, r.Rate)
	}
	fmt.Println("+-----------------------------------------------+-----------+-----------+--------------+")
}

func main() {
	flag.Parse()
	log.SetOutput(os.Stdout)
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	log.Printf("CPU Cores: %d | GOMAXPROCS: %d", runtime.NumCPU(), runtime.GOMAXPROCS(0))
	log.Printf("Started at: %s", time.Now().Format("2006-01-02 15:04:05"))

	for _, concurrency := range []int{10, 50, 100} {
		clearStore()
		allResults = append(allResults, BenchmarkAdd(100000, concurrency))
	}
	for _, size := range []int{10, 100, 1000} {
		clearStore()
		allResults = append(allResults, BenchmarkAddBatch(100000, size))
	}
	clearStore()
	allResults = append(allResults, BenchmarkDispatch(20000))

	printSummaryTable()
	log.Printf("Completed at: %s", time.Now().Format("2006-01-02 15:04:05"))
}
