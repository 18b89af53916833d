package main

import (
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
)

type benchResult struct {
	latencies []time.Duration
	statuses  map[int]int64
	errors    int64
}

func newBenchCmd() *cobra.Command {
	var (
		target      string
		slugList    string
		concurrency int
		duration    time.Duration
		spread      bool
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Load-test the redirect path of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			slugs := strings.Split(slugList, ",")
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "Slugy Redirect Benchmark")
			fmt.Fprintln(out, "========================")
			fmt.Fprintf(out, "Target:      %s (%d slugs)\n", target, len(slugs))
			fmt.Fprintf(out, "Load:        %s, %d workers\n\n", duration, concurrency)

			res := runBench(out, strings.TrimSuffix(target, "/"), slugs, concurrency, duration, spread)
			report(out, res, duration)
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "http://127.0.0.1:8080", "base URL of the server")
	cmd.Flags().StringVar(&slugList, "slugs", "docs,pricing,launch,changelog,developers", "comma separated slugs to request")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 50, "number of concurrent workers")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "benchmark duration")
	cmd.Flags().BoolVar(&spread, "spread-ips", true, "send a random X-Forwarded-For per request so the rate limiter sees many clients")
	return cmd
}

func runBench(out io.Writer, baseURL string, slugs []string, concurrency int, duration time.Duration, spread bool) benchResult {
	client := &http.Client{
		Transport: &http.Transport{MaxIdleConnsPerHost: concurrency},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	rng := rand.New(rand.NewSource(42))
	seeds := make([]int64, concurrency)
	for i := range seeds {
		seeds[i] = rng.Int63()
	}

	var (
		mu       sync.Mutex
		reqCount atomic.Int64
		wg       sync.WaitGroup
	)
	res := benchResult{statuses: map[int]int64{}}
	start := time.Now()
	deadline := start.Add(duration)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		total := duration.Seconds()
		for {
			select {
			case <-done:
				printProgress(out, total, total, reqCount.Load())
				fmt.Fprintln(out)
				return
			case <-ticker.C:
				printProgress(out, min(time.Since(start).Seconds(), total), total, reqCount.Load())
			}
		}
	}()

	for i := range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := rand.New(rand.NewSource(seeds[i]))
			var (
				lats     []time.Duration
				errs     int64
				statuses = map[int]int64{}
			)

			for time.Now().Before(deadline) {
				req, err := http.NewRequest("GET", baseURL+"/"+slugs[local.Intn(len(slugs))], nil)
				if err != nil {
					errs++
					continue
				}
				if spread {
					req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.%d.%d.%d", local.Intn(256), local.Intn(256), local.Intn(254)+1))
				}

				t0 := time.Now()
				resp, err := client.Do(req)
				elapsed := time.Since(t0)
				reqCount.Add(1)
				if err != nil {
					errs++
					continue
				}
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()

				statuses[resp.StatusCode]++
				if resp.StatusCode != http.StatusFound {
					errs++
					continue
				}
				lats = append(lats, elapsed)
			}

			mu.Lock()
			res.latencies = append(res.latencies, lats...)
			res.errors += errs
			for code, n := range statuses {
				res.statuses[code] += n
			}
			mu.Unlock()
		}()
	}

	wg.Wait()
	close(done)
	time.Sleep(10 * time.Millisecond) // let the progress line finish
	return res
}

func report(out io.Writer, res benchResult, duration time.Duration) {
	total := int64(len(res.latencies)) + res.errors
	sort.Slice(res.latencies, func(i, j int) bool { return res.latencies[i] < res.latencies[j] })

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Results")
	fmt.Fprintln(out, "-------")
	fmt.Fprintf(out, "Requests:    %s\n", commaFmt(total))
	fmt.Fprintf(out, "Errors:      %d\n", res.errors)
	fmt.Fprintf(out, "RPS:         %.1f\n", float64(total)/duration.Seconds())

	codes := make([]int, 0, len(res.statuses))
	for code := range res.statuses {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		fmt.Fprintf(out, "HTTP %d:    %s\n", code, commaFmt(res.statuses[code]))
	}

	if len(res.latencies) > 0 {
		fmt.Fprintf(out, "Latency p50: %s\n", fmtDur(percentile(res.latencies, 50)))
		fmt.Fprintf(out, "Latency p95: %s\n", fmtDur(percentile(res.latencies, 95)))
		fmt.Fprintf(out, "Latency p99: %s\n", fmtDur(percentile(res.latencies, 99)))
	}
}

func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func printProgress(out io.Writer, elapsed, total float64, reqs int64) {
	const barWidth = 30
	filled := int(min(elapsed/total, 1) * barWidth)
	bar := strings.Repeat("#", filled) + strings.Repeat("-", barWidth-filled)
	rps := float64(0)
	if elapsed > 0 {
		rps = float64(reqs) / elapsed
	}
	fmt.Fprintf(out, "\r  [%s] %.0fs/%.0fs  %s reqs  %.0f rps", bar, elapsed, total, commaFmt(reqs), rps)
}

func fmtDur(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000)
}

func commaFmt(n int64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var b []byte
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b = append(b, ',')
		}
		b = append(b, byte(c))
	}
	return string(b)
}
