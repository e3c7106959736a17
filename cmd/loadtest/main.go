package main

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/edoras/edoras/pkg/client"
	"github.com/edoras/edoras/pkg/logx"
)

// Stats tracks performance metrics
type Stats struct {
	registered        atomic.Int64
	registerRejected  atomic.Int64
	totalRegisterTime atomic.Int64 // in microseconds

	pings         atomic.Int64
	totalPingTime atomic.Int64 // in microseconds
	maxPingTime   atomic.Int64 // in microseconds

	connectionErrors atomic.Int64
	timeouts         atomic.Int64
	disconnections   atomic.Int64
}

func (s *Stats) recordRegistration(us int64) {
	s.registered.Add(1)
	s.totalRegisterTime.Add(us)
}

func (s *Stats) recordPing(us int64) {
	s.pings.Add(1)
	s.totalPingTime.Add(us)
	for {
		cur := s.maxPingTime.Load()
		if us <= cur || s.maxPingTime.CompareAndSwap(cur, us) {
			return
		}
	}
}

// recordFailure classifies a failed request
func (s *Stats) recordFailure(err error) {
	var serverErr *client.ServerError
	switch {
	case errors.As(err, &serverErr):
		s.registerRejected.Add(1)
	case errors.Is(err, client.ErrTimeout):
		s.timeouts.Add(1)
	default:
		s.disconnections.Add(1)
	}
}

func average(total, n int64) float64 {
	if n == 0 {
		return 0
	}
	return float64(total) / float64(n) / 1000.0
}

// BotClient is one simulated user
type BotClient struct {
	id       int
	username string
	conn     *client.Connection
	stats    *Stats
}

func NewBotClient(id int, run string, serverAddr string, timeout time.Duration, stats *Stats) (*BotClient, error) {
	conn, err := client.Dial(serverAddr, client.WithTimeout(timeout))
	if err != nil {
		stats.connectionErrors.Add(1)
		return nil, err
	}
	return &BotClient{
		id:       id,
		username: fmt.Sprintf("bot_%s_%d", run, id),
		conn:     conn,
		stats:    stats,
	}, nil
}

func (bc *BotClient) Register() error {
	start := time.Now()
	if _, err := bc.conn.Register(bc.username); err != nil {
		bc.stats.recordFailure(err)
		return err
	}
	bc.stats.recordRegistration(time.Since(start).Microseconds())
	return nil
}

func (bc *BotClient) Run(duration, minDelay, maxDelay, shutdownDelay time.Duration, stop <-chan struct{}) {
	defer bc.conn.Close()

	endTime := time.Now().Add(duration)
	for time.Now().Before(endTime) {
		rtt, err := bc.conn.Ping()
		if err != nil {
			bc.stats.recordFailure(err)
			return
		}
		bc.stats.recordPing(rtt.Microseconds())

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-stop:
			bc.conn.Disconnect()
			return
		case <-time.After(delay):
		}
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		select {
		case <-stop:
		case <-time.After(shutdownDelay):
		}
	}
	bc.conn.Disconnect()
}

type options struct {
	serverAddr string
	numClients int
	duration   time.Duration
	minDelay   time.Duration
	maxDelay   time.Duration
	timeout    time.Duration
}

func main() {
	var opts options

	rootCmd := &cobra.Command{
		Use:           "loadtest",
		Short:         "Open many concurrent sessions with distinct usernames and report latency",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.numClients < 1 {
				return fmt.Errorf("--clients must be at least 1")
			}
			logger, err := logx.New("info", logx.FormatConsole, os.Stderr)
			if err != nil {
				return err
			}
			return run(opts, logger)
		},
	}

	fs := rootCmd.Flags()
	fs.StringVar(&opts.serverAddr, "server", "localhost:42428", "Server address (host:port or ws://host:port)")
	fs.IntVar(&opts.numClients, "clients", 10, "Number of concurrent clients")
	fs.DurationVar(&opts.duration, "duration", 30*time.Second, "How long each client keeps pinging")
	fs.DurationVar(&opts.minDelay, "min-delay", 100*time.Millisecond, "Minimum delay between pings")
	fs.DurationVar(&opts.maxDelay, "max-delay", time.Second, "Maximum delay between pings")
	fs.DurationVar(&opts.timeout, "timeout", 10*time.Second, "Dial and reply timeout")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run(opts options, logger zerolog.Logger) error {
	// Calculate stagger delay: ramp up over 25% of test duration
	rampUpDuration := opts.duration / 4
	staggerDelay := rampUpDuration / time.Duration(opts.numClients)
	if staggerDelay < time.Millisecond {
		staggerDelay = time.Millisecond
	}

	// usernames are unique per run so repeated runs never collide
	runID := uuid.NewString()[:8]

	logger.Info().
		Str("server", opts.serverAddr).
		Int("clients", opts.numClients).
		Dur("duration", opts.duration).
		Dur("ramp_up", rampUpDuration).
		Str("run", runID).
		Msg("Starting load test")

	stats := &Stats{}
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Warn().Msg("Shutdown signal received, stopping test")
		stopAll()
	}()

	// Start stats reporter
	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				logger.Info().
					Int64("registered", stats.registered.Load()).
					Int64("pings", stats.pings.Load()).
					Float64("avg_ping_ms", average(stats.totalPingTime.Load(), stats.pings.Load())).
					Int64("conn_errors", stats.connectionErrors.Load()).
					Msg("Progress")
			case <-stop:
				return
			}
		}
	}()

	start := time.Now()
	var wg sync.WaitGroup

spawn:
	for i := 0; i < opts.numClients; i++ {
		wg.Add(1)

		// Calculate shutdown delay for this bot (reverse order for ramp-down)
		shutdownDelay := staggerDelay * time.Duration(opts.numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot, err := NewBotClient(id, runID, opts.serverAddr, opts.timeout, stats)
			if err != nil {
				logger.Debug().Err(err).Int("bot", id).Msg("Connect failed")
				return
			}
			if err := bot.Register(); err != nil {
				logger.Debug().Err(err).Int("bot", id).Msg("Register failed")
				bot.conn.Close()
				return
			}
			bot.Run(opts.duration, opts.minDelay, opts.maxDelay, shutdownDelay, stop)
		}(i, shutdownDelay)

		// Stagger client connections based on calculated delay
		select {
		case <-stop:
			break spawn
		case <-time.After(staggerDelay):
		}
	}

	wg.Wait()
	stopAll()
	<-reporterDone

	elapsed := time.Since(start)
	registered := stats.registered.Load()
	pings := stats.pings.Load()

	logger.Info().
		Dur("elapsed", elapsed).
		Int("clients", opts.numClients).
		Int64("registered", registered).
		Int64("rejected", stats.registerRejected.Load()).
		Int64("conn_errors", stats.connectionErrors.Load()).
		Int64("timeouts", stats.timeouts.Load()).
		Int64("disconnections", stats.disconnections.Load()).
		Float64("avg_register_ms", average(stats.totalRegisterTime.Load(), registered)).
		Int64("pings", pings).
		Float64("pings_per_sec", float64(pings)/elapsed.Seconds()).
		Float64("avg_ping_ms", average(stats.totalPingTime.Load(), pings)).
		Float64("max_ping_ms", float64(stats.maxPingTime.Load())/1000.0).
		Msg("Final results")

	if registered < int64(opts.numClients) {
		return fmt.Errorf("only %d of %d clients registered", registered, opts.numClients)
	}
	return nil
}
