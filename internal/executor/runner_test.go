package executor

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/domain"
)

func requireBinary(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
	return path
}

func TestCommandRunner_BuildArgs(t *testing.T) {
	tests := []struct {
		name string
		r    CommandRunner
		inv  Invocation
		want []string
	}{
		{
			name: "embed without thumbnail",
			r:    CommandRunner{Binary: "watermark"},
			inv: Invocation{
				Type:         domain.JobTypeEmbed,
				SrcImagePath: "foo.png",
				Params:       map[string]any{"watermark_text": "hi"},
			},
			want: []string{"embed", "--src", "foo.png", "--params", `{"watermark_text":"hi"}`},
		},
		{
			name: "decode with thumbnail and leading args",
			r:    CommandRunner{Binary: "python3", Args: []string{"engine.py"}},
			inv: Invocation{
				Type:          domain.JobTypeDecode,
				SrcImagePath:  "in.png",
				ThumbnailPath: "t.png",
			},
			want: []string{"engine.py", "decode", "--src", "in.png", "--params", "{}", "--thumbnail", "t.png"},
		},
		{
			name: "shell metacharacters stay one argument",
			r:    CommandRunner{Binary: "watermark"},
			inv: Invocation{
				Type:         domain.JobTypeEmbed,
				SrcImagePath: "a.png; rm -rf / $(id)",
			},
			want: []string{"embed", "--src", "a.png; rm -rf / $(id)", "--params", "{}"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.r.BuildArgs(tt.inv)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCommandRunner_BuildArgsDoesNotMutateConfig(t *testing.T) {
	r := CommandRunner{Binary: "python3", Args: make([]string, 1, 8)}
	r.Args[0] = "engine.py"

	_, err := r.BuildArgs(Invocation{Type: domain.JobTypeEmbed, SrcImagePath: "a.png"})
	require.NoError(t, err)

	assert.Equal(t, []string{"engine.py"}, r.Args)
}

func TestCommandRunner_Run(t *testing.T) {
	echo := requireBinary(t, "echo")

	r := &CommandRunner{Binary: echo}
	out, err := r.Run(context.Background(), Invocation{
		Type:         domain.JobTypeEmbed,
		SrcImagePath: "foo.png; touch /tmp/pwned",
	})
	require.NoError(t, err)

	// echo prints its argv verbatim, proving no shell interpreted the path
	assert.Equal(t, "embed --src foo.png; touch /tmp/pwned --params {}", out.Stdout)
	assert.Empty(t, out.Stderr)
}

func TestCommandRunner_CapturesStderrAndExitCode(t *testing.T) {
	sh := requireBinary(t, "sh")

	r := &CommandRunner{Binary: sh, Args: []string{"-c", "echo oops >&2; exit 3", "engine"}}
	out, err := r.Run(context.Background(), Invocation{Type: domain.JobTypeDecode, SrcImagePath: "x.png"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 3")
	assert.Equal(t, "oops", out.Stderr)
}

func TestCommandRunner_Timeout(t *testing.T) {
	sh := requireBinary(t, "sh")

	r := &CommandRunner{Binary: sh, Args: []string{"-c", "sleep 5", "engine"}, WaitDelay: 100 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Run(ctx, Invocation{Type: domain.JobTypeEmbed, SrcImagePath: "x.png"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestCommandRunner_MissingBinary(t *testing.T) {
	r := &CommandRunner{Binary: "/nonexistent/watermark-engine"}
	_, err := r.Run(context.Background(), Invocation{Type: domain.JobTypeEmbed, SrcImagePath: "x.png"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watermark engine failed")
}
