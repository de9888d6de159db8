package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/hermes/client"
	"github.com/luma/hermes/internal/env"
)

var (
	serverHost string
	serverPort int
)

func init() {
	flags := ClientCmd.PersistentFlags()

	flags.IntVarP(&serverPort, "port", "p", 7363, "The server port")
	flags.StringVarP(&serverHost, "host", "a", "127.0.0.1", "The server host")
}

var ClientCmd = &cobra.Command{
	Use:   "client",
	Short: "Talk to a Hermes server from the terminal",
	Long: `Talk to a Hermes server from the terminal

Usage
	hermes client --host 127.0.0.1 --port 7363

Type help once connected for the list of commands.
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		log, err := env.MakeLogger(conf.LogLevel)
		if err != nil {
			return err
		}
		defer log.Sync()

		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		addr := net.JoinHostPort(serverHost, strconv.Itoa(serverPort))
		c, err := client.Dial(dialCtx, addr, client.Options{
			Codec:            conf.CodecKind(),
			Encoding:         conf.ContentEncoding,
			MaxContentLength: conf.MaxContentLength,
			Trace:            conf.Trace,
			Log:              log.Named("client"),
		})
		if err != nil {
			return fmt.Errorf("connect to %s: %w", addr, err)
		}

		runErr := make(chan error, 1)
		go func() {
			runErr <- c.Run(ctx)
		}()

		out := cmd.OutOrStdout()
		s := &session{}

		// Responses are printed as they arrive, pushes included.
		printed := make(chan struct{})
		go func() {
			defer close(printed)
			for resp := range c.Responses() {
				s.render(out, resp)
			}
		}()

		fmt.Fprintf(out, "connected to %s, type help for commands\n", addr)

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

	loop:
		for {
			select {
			case <-ctx.Done():
				break loop

			case err := <-runErr:
				<-printed
				if err == nil {
					return nil
				}
				return fmt.Errorf("connection lost: %w", err)

			case line, ok := <-lines:
				if !ok {
					break loop
				}

				req, err := s.parse(line)
				if errors.Is(err, errQuit) {
					break loop
				}
				if err != nil {
					fmt.Fprintln(out, err)
					continue
				}
				if req == nil {
					continue
				}

				if err := c.Send(req); err != nil {
					log.Warn("Failed to send", zap.Error(err))
				}
			}
		}

		return c.Close()
	},
}
