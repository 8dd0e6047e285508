package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/domain"
)

// Invocation is everything the watermark engine needs for one job.
type Invocation struct {
	JobID         string
	Type          domain.JobType
	SrcImagePath  string
	ThumbnailPath string
	Params        map[string]any
}

// Output is what the engine printed.
type Output struct {
	Stdout string
	Stderr string
}

// Runner performs the watermark operation.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Output, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, inv Invocation) (Output, error)

func (f RunnerFunc) Run(ctx context.Context, inv Invocation) (Output, error) {
	return f(ctx, inv)
}

// CommandRunner executes the engine binary directly. Every job value is a
// single argv entry, so paths and params are never parsed by a shell.
type CommandRunner struct {
	Binary string
	Args   []string
	// WaitDelay bounds how long Run waits for output pipes after the process is killed.
	WaitDelay time.Duration
}

// BuildArgs renders the argument vector for inv after the configured leading args.
func (r *CommandRunner) BuildArgs(inv Invocation) ([]string, error) {
	params := inv.Params
	if params == nil {
		params = map[string]any{}
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}

	args := slices.Clone(r.Args)
	args = append(args,
		strings.ToLower(string(inv.Type)),
		"--src", inv.SrcImagePath,
		"--params", string(encoded),
	)
	if inv.ThumbnailPath != "" {
		args = append(args, "--thumbnail", inv.ThumbnailPath)
	}
	return args, nil
}

func (r *CommandRunner) Run(ctx context.Context, inv Invocation) (Output, error) {
	args, err := r.BuildArgs(inv)
	if err != nil {
		return Output{}, err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.Binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = time.Second
	}

	runErr := cmd.Run()
	out := Output{
		Stdout: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return out, fmt.Errorf("watermark engine timed out: %w", ctxErr)
		}
		return out, fmt.Errorf("watermark engine canceled: %w", ctxErr)
	}
	if runErr != nil {
		return out, fmt.Errorf("watermark engine failed: %w", runErr)
	}
	return out, nil
}
