package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// ExecGenerator runs a local synthesis command once per request. The
// command reads one JSON object on stdin and prints one on stdout.
type ExecGenerator struct {
	cmd []string
}

type execRequest struct {
	TaskID string `json:"task_id"`
	Text   string `json:"text"`
	Voice  string `json:"voice,omitempty"`
}

type execResponse struct {
	AudioRef string  `json:"audio_ref"`
	Duration float64 `json:"duration,omitempty"`
	Error    string  `json:"error,omitempty"`
}

func NewExecGenerator(command string) (*ExecGenerator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &ExecGenerator{cmd: args}, nil
}

func (e *ExecGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	payload, err := json.Marshal(execRequest{TaskID: req.TaskID, Text: req.Text, Voice: req.Voice})
	if err != nil {
		return Result{}, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return Result{}, fmt.Errorf("%w: tts command: %w", ErrGeneration, err)
		}
		return Result{}, fmt.Errorf("%w: tts command: %w: %s", ErrGeneration, err, msg)
	}

	var resp execResponse
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		return Result{}, fmt.Errorf("%w: decode tts command output: %w", ErrGeneration, err)
	}
	if resp.Error != "" {
		return Result{}, fmt.Errorf("%w: %s", ErrGeneration, resp.Error)
	}
	if resp.AudioRef == "" {
		return Result{}, fmt.Errorf("%w: tts command returned no audio_ref", ErrGeneration)
	}
	return Result{
		Ref:      resp.AudioRef,
		TaskID:   req.TaskID,
		Duration: secondsToDuration(resp.Duration),
	}, nil
}
