package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

type options struct {
	serverAddr string
	numClients int
	duration   time.Duration
	minDelay   time.Duration
	maxDelay   time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	rootCmd := &cobra.Command{
		Use:          "loadtest",
		Short:        "Drive a chatrelay server with simulated chat clients",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.numClients < 1 {
				return fmt.Errorf("--clients must be at least 1")
			}
			if opts.maxDelay < opts.minDelay {
				return fmt.Errorf("--max-delay must not be below --min-delay")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			run(ctx, opts)
			return nil
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&opts.serverAddr, "server", "localhost:8081", "Server address (host:port)")
	flags.IntVar(&opts.numClients, "clients", 10, "Number of concurrent clients")
	flags.DurationVar(&opts.duration, "duration", time.Minute, "Test duration")
	flags.DurationVar(&opts.minDelay, "min-delay", 100*time.Millisecond, "Minimum delay between posts")
	flags.DurationVar(&opts.maxDelay, "max-delay", time.Second, "Maximum delay between posts")

	return rootCmd
}

func run(ctx context.Context, opts options) *Stats {
	// Ramp up over 25% of the test duration
	rampUpDuration := opts.duration / 4
	staggerDelay := rampUpDuration / time.Duration(opts.numClients)
	if staggerDelay < time.Millisecond {
		staggerDelay = time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", opts.serverAddr)
	log.Printf("  Clients: %d", opts.numClients)
	log.Printf("  Duration: %v", opts.duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", opts.minDelay, opts.maxDelay)
	log.Printf("")

	stats := &Stats{}
	var wg sync.WaitGroup

	startTime := time.Now()
	reporterCtx, stopReporter := context.WithCancel(ctx)
	go reportStats(reporterCtx, stats, startTime)

spawn:
	for i := 0; i < opts.numClients; i++ {
		wg.Add(1)

		// Reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(opts.numClients-i-1)

		go func(id int) {
			defer wg.Done()

			bot := NewBotClient(id, opts.serverAddr, stats)
			if err := bot.Connect(ctx); err != nil {
				stats.recordConnectionError()
				if id%100 == 0 {
					log.Printf("[Bot %d] %v", id, err)
				}
				return
			}

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s (%s)", id, bot.username, bot.userID)
			}

			bot.Run(ctx, opts.duration, opts.minDelay, opts.maxDelay, shutdownDelay)
		}(i)

		select {
		case <-time.After(staggerDelay):
		case <-ctx.Done():
			log.Printf("Shutdown signal received, stopping test...")
			break spawn
		}
	}

	wg.Wait()
	stopReporter()

	logResults(stats, opts, time.Since(startTime))
	return stats
}

func reportStats(ctx context.Context, stats *Stats, startTime time.Time) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			posted, failed, connErrors, avgUs := stats.snapshot()
			elapsed := time.Since(startTime).Seconds()
			log.Printf("Stats: %d posted (%.1f/s), %d received, %d failed, %d conn errors, avg %.2fms",
				posted, float64(posted)/elapsed, stats.messagesReceived.Load(), failed, connErrors, avgUs/1000.0)
		case <-ctx.Done():
			return
		}
	}
}

func logResults(stats *Stats, opts options, elapsed time.Duration) {
	posted, failed, connErrors, avgUs := stats.snapshot()
	rate := float64(posted) / elapsed.Seconds()

	avgDelay := (opts.minDelay + opts.maxDelay) / 2
	expectedPerClient := float64(opts.duration) / float64(max(avgDelay, time.Millisecond))
	expectedTotal := expectedPerClient * float64(opts.numClients)

	log.Printf("")
	log.Printf("=== Final Results ===")
	log.Printf("Duration: %v", elapsed.Round(time.Millisecond))
	log.Printf("Messages posted: %d (%.1f/s)", posted, rate)
	log.Printf("Messages received: %d", stats.messagesReceived.Load())
	log.Printf("Messages failed: %d", failed)
	log.Printf("  - Post failures: %d", stats.postFailures.Load())
	log.Printf("  - History fetch failures: %d", stats.fetchFailures.Load())
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", connErrors)
	log.Printf("Average delivery time: %.2fms", avgUs/1000.0)
	log.Printf("Expected throughput: %.0f messages (%.1f per client)", expectedTotal, expectedPerClient)
	log.Printf("Actual vs expected: %.1f%% efficiency", float64(posted)/expectedTotal*100)

	if posted+failed > 0 {
		log.Printf("Success rate: %.1f%%", float64(posted)/float64(posted+failed)*100)
	}
}
