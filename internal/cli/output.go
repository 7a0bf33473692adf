package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/loqalabs/loqa-greeter/internal/protocol"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The daemon rejected the operation
	ExitCommandError = 2 // Bad flags or the bus could not be reached
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // diagnostics; defaults to Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope for every command.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Success writes data in the configured format. In text mode text is
// printed instead of data.
func (f *OutputFormatter) Success(data any, text string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, strings.TrimRight(text, "\n"))
	return err
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message},
		})
	}
	_, err := fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	return err
}

// VerboseLog writes to ErrWriter so JSON output on Writer stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

func formatStatus(st *protocol.QueueStatus) string {
	if st == nil {
		return "no status"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "state:     %s\n", st.State)
	fmt.Fprintf(&b, "current:   %s\n", labelOrDash(st.CurrentLabel))
	fmt.Fprintf(&b, "next:      %s\n", labelOrDash(st.NextLabel))
	fmt.Fprintf(&b, "queued:    %d\n", st.QueueLength)
	if len(st.PendingLabels) > 0 {
		fmt.Fprintf(&b, "pending:   %s\n", strings.Join(st.PendingLabels, ", "))
	}
	fmt.Fprintf(&b, "auto-play: %s\n", onOff(st.AutoPlay))
	fmt.Fprintf(&b, "volume:    %.2f", st.Volume)
	return b.String()
}

func formatConfig(c *protocol.RuntimeConfig) string {
	if c == nil {
		return "no config"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "tts:       %s (%s)\n", onOff(c.TTSEnabled), c.TTSMode)
	fmt.Fprintf(&b, "api url:   %s\n", c.APIURL)
	fmt.Fprintf(&b, "health:    %s\n", c.HealthURL)
	fmt.Fprintf(&b, "welcome:   %q ... %q\n", c.WelcomePrefix, c.WelcomeSuffix)
	fmt.Fprintf(&b, "engine:    %s\n", c.Engine)
	fmt.Fprintf(&b, "auto-play: %s\n", onOff(c.AutoPlay))
	fmt.Fprintf(&b, "volume:    %.2f\n", c.Volume)
	fmt.Fprintf(&b, "timeout:   %dms", c.LoadTimeoutMS)
	return b.String()
}

func formatHealth(h *protocol.ServiceHealth) string {
	if h == nil {
		return "no health report"
	}
	if !h.Reachable {
		return "backend unreachable: " + h.Error
	}
	var b strings.Builder
	fmt.Fprintf(&b, "status:    %s\n", h.Status)
	fmt.Fprintf(&b, "model:     %s", map[bool]string{true: "loaded", false: "not loaded"}[h.ModelLoaded])
	if h.Version != "" {
		fmt.Fprintf(&b, "\nversion:   %s", h.Version)
	}
	return b.String()
}

func labelOrDash(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
