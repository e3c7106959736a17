package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/edoras/edoras/pkg/client"
	"github.com/edoras/edoras/pkg/logx"
)

func main() {
	var (
		serverAddr string
		login      bool
		timeout    time.Duration
		logLevel   string
	)

	rootCmd := &cobra.Command{
		Use:   "edoras-client <username>",
		Short: "Open one session, claim a username and hold it until Enter is pressed",
		Long: `edoras-client connects to an edoras server, registers (or, with --login,
logs in as) the given username and keeps the session open, answering the
server's health-check pings, until Enter is pressed or the server hangs up.

The server address may be host:port for TCP or ws://host:port for the
WebSocket endpoint.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logx.New(logLevel, logx.FormatConsole, os.Stderr)
			if err != nil {
				return err
			}

			conn, err := client.Dial(serverAddr, client.WithTimeout(timeout), client.WithLogger(logger))
			if err != nil {
				return err
			}
			defer conn.Close()

			username := args[0]
			var ack *client.Ack
			if login {
				ack, err = conn.Login(username)
			} else {
				ack, err = conn.Register(username)
			}
			var serverErr *client.ServerError
			if errors.As(err, &serverErr) {
				return fmt.Errorf("rejected: %s (%s)", serverErr.Reason, serverErr.Code)
			}
			if err != nil {
				return err
			}

			fmt.Printf("Connected to %s as %s (session %s)\n", conn.Addr(), ack.Username, ack.SessionID)
			fmt.Println("Press Enter to disconnect.")

			enter := make(chan struct{})
			go func() {
				bufio.NewReader(os.Stdin).ReadString('\n')
				close(enter)
			}()
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			select {
			case <-enter:
			case <-sigChan:
			case <-conn.Done():
				return fmt.Errorf("server closed the connection: %w", conn.Err())
			}

			if err := conn.Disconnect(); err != nil {
				return err
			}
			fmt.Printf("Disconnected (answered %d pings, %d bytes sent, %d received)\n",
				conn.PingsAnswered(), conn.BytesSent(), conn.BytesReceived())
			return nil
		},
	}

	fs := rootCmd.Flags()
	fs.StringVar(&serverAddr, "server", "localhost:42428", "Server address (host:port or ws://host:port)")
	fs.BoolVar(&login, "login", false, "Log in to an existing username instead of registering")
	fs.DurationVar(&timeout, "timeout", client.DefaultTimeout, "Dial and reply timeout")
	fs.StringVar(&logLevel, "log-level", "warn", "Log level")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
