package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-greeter/internal/console"
	"github.com/loqalabs/loqa-greeter/internal/protocol"
)

type controlCall func(ctx context.Context, c *console.Client) (protocol.ControlReply, error)

// runControl dials the bus, runs one console operation and prints the
// reply with render in text mode.
func runControl(cmd *cobra.Command, opts *RootOptions, call controlCall, render func(protocol.ControlReply) string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	out := opts.formatter(cmd)
	client, err := opts.dial(ctx, cmd)
	if err != nil {
		if opts.Format == "json" {
			_ = out.Error("E_BUS", err.Error())
		}
		return err
	}
	defer client.Close()

	out.VerboseLog("connected to %s", strings.Join(opts.Servers, ","))
	reply, err := call(ctx, console.NewClient(client))
	if err != nil {
		if opts.Format == "json" {
			_ = out.Error("E_REJECTED", err.Error())
		}
		return WrapExitError(ExitFailure, "operation failed", err)
	}
	return out.Success(reply, render(reply))
}

// plain calls an operation that takes no arguments.
func plain(op string) controlCall {
	return func(ctx context.Context, c *console.Client) (protocol.ControlReply, error) {
		return c.Do(ctx, op, protocol.ControlRequest{})
	}
}

func renderStatus(r protocol.ControlReply) string { return formatStatus(r.Status) }

func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the playback queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runControl(cmd, opts, plain(protocol.OpStatus), renderStatus)
		},
	}
}

func NewStopCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the current clip and clear the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runControl(cmd, opts, plain(protocol.OpStop), func(r protocol.ControlReply) string {
				return fmt.Sprintf("stopped, discarded %d queued clip(s)", r.Discarded)
			})
		},
	}
}

func NewNextCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Skip to the next queued clip",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runControl(cmd, opts, plain(protocol.OpNext), renderStatus)
		},
	}
}

func NewVolumeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "volume <level>",
		Short: "Set playback volume between 0.0 and 1.0",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return WrapExitError(ExitCommandError, "volume must be a number", err)
			}
			return runControl(cmd, opts, func(ctx context.Context, c *console.Client) (protocol.ControlReply, error) {
				return c.SetVolume(ctx, v)
			}, renderStatus)
		},
	}
}

func NewAutoPlayCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "autoplay [on|off|toggle]",
		Short:     "Enable, disable or toggle automatic playback",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off", "toggle"},
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := "toggle"
			if len(args) == 1 {
				mode = args[0]
			}
			return runControl(cmd, opts, func(ctx context.Context, c *console.Client) (protocol.ControlReply, error) {
				return c.AutoPlay(ctx, mode)
			}, func(r protocol.ControlReply) string {
				if r.AutoPlay == nil {
					return renderStatus(r)
				}
				return "auto-play " + onOff(*r.AutoPlay)
			})
		},
	}
}

func NewTTSCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "tts <on|off>",
		Short:     "Switch speech generation for new arrivals",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			on := args[0] == "on"
			return runControl(cmd, opts, func(ctx context.Context, c *console.Client) (protocol.ControlReply, error) {
				return c.SetTTS(ctx, on)
			}, func(r protocol.ControlReply) string {
				if r.Config == nil {
					return "speech generation " + onOff(on)
				}
				return "speech generation " + onOff(r.Config.TTSEnabled)
			})
		},
	}
}

func NewConfigCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the daemon's effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runControl(cmd, opts, plain(protocol.OpConfig), func(r protocol.ControlReply) string {
				return formatConfig(r.Config)
			})
		},
	}
}

func NewSetAPIURLCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set-api-url <base-url>",
		Short: "Point speech generation at another backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runControl(cmd, opts, func(ctx context.Context, c *console.Client) (protocol.ControlReply, error) {
				return c.SetAPIURL(ctx, args[0])
			}, func(r protocol.ControlReply) string {
				return formatConfig(r.Config)
			})
		},
	}
}

func NewHealthCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the speech backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runControl(cmd, opts, plain(protocol.OpHealth), func(r protocol.ControlReply) string {
				return formatHealth(r.Health)
			})
		},
	}
}

// AnnounceOptions holds flags for the announce command.
type AnnounceOptions struct {
	*RootOptions
	Room    string
	Action  string
	EventID string
}

func NewAnnounceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AnnounceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "announce <name>",
		Short: "Publish a participant-joined event",
		Long: `Publish a participant-joined event as if a chat watcher had seen it.

Example:
  greeterctl announce "Ana" --room lobby`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return announce(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Room, "room", "", "room the participant joined")
	cmd.Flags().StringVar(&opts.Action, "action", "", "action text, e.g. \"joined the room\"")
	cmd.Flags().StringVar(&opts.EventID, "id", "", "event id (random when empty)")

	return cmd
}

func announce(cmd *cobra.Command, opts *AnnounceOptions, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return NewExitError(ExitCommandError, "name must not be empty")
	}
	ev := protocol.ParticipantJoined{
		EventID:   opts.EventID,
		Name:      name,
		Action:    opts.Action,
		Room:      opts.Room,
		Timestamp: time.Now().UTC(),
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()
	client, err := opts.dial(ctx, cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.PublishJSON(protocol.SubjectParticipantJoined, ev); err != nil {
		return WrapExitError(ExitFailure, "publish event", err)
	}
	if err := client.Conn().FlushWithContext(ctx); err != nil {
		return WrapExitError(ExitFailure, "flush event", err)
	}
	return opts.formatter(cmd).Success(ev, fmt.Sprintf("announced %s (%s)", ev.Name, ev.EventID))
}
