package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-greeter/internal/bus"
	"github.com/loqalabs/loqa-greeter/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Servers []string
	Timeout time.Duration
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

const defaultServer = "nats://localhost:4222"

// NewRootCommand creates the root command for the greeter operator CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "greeterctl",
		Short: "Operate a running greeter daemon",
		Long: `Operate a running greeter daemon over the message bus.

Inspect and control the playback queue, change the speech backend, or
announce a participant by hand.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	servers := []string{defaultServer}
	if env := strings.TrimSpace(os.Getenv("GREETER_BUS_SERVERS")); env != "" {
		servers = strings.Split(env, ",")
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringSliceVarP(&opts.Servers, "server", "s", servers, "NATS server URLs")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 5*time.Second, "request timeout")

	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewStopCommand(opts))
	cmd.AddCommand(NewNextCommand(opts))
	cmd.AddCommand(NewVolumeCommand(opts))
	cmd.AddCommand(NewAutoPlayCommand(opts))
	cmd.AddCommand(NewTTSCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewSetAPIURLCommand(opts))
	cmd.AddCommand(NewHealthCommand(opts))
	cmd.AddCommand(NewAnnounceCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// dial connects to the bus named by the global flags. Connection logs go
// to stderr only in verbose mode.
func (o *RootOptions) dial(ctx context.Context, cmd *cobra.Command) (*bus.Client, error) {
	var w io.Writer = io.Discard
	if o.Verbose {
		w = cmd.ErrOrStderr()
	}
	log := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	timeout := int(o.Timeout / time.Millisecond)
	client, err := bus.Connect(ctx, config.BusConfig{
		Servers:        o.Servers,
		ConnectTimeout: timeout,
		RequestTimeout: timeout,
	}, log)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "cannot reach greeter bus", err)
	}
	return client, nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
