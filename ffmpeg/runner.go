package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ffbatch/config"
)

// stderrLimit bounds how much diagnostic output is kept per run.
const stderrLimit = 64 << 10

type Runner struct {
	bin string
	log zerolog.Logger
}

func NewRunner(cfg *config.Config) (*Runner, error) {
	path, err := exec.LookPath(cfg.FFBin)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.FFBin)
	}
	return &Runner{
		bin: path,
		log: log.Logger.With().Str("component", "ffmpeg").Logger(),
	}, nil
}

// Run executes the binary with argv and waits for it. A clean nonzero exit is
// reported through exitCode with a nil error. Hitting the timeout returns an
// error wrapping context.DeadlineExceeded; cancellation of ctx one wrapping
// context.Canceled.
func (r *Runner) Run(ctx context.Context, argv []string, timeout time.Duration) (int, string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.bin, argv...)
	cmd.WaitDelay = 5 * time.Second
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stderr = stderr

	r.log.Debug().Str("cmd", r.bin+" "+strings.Join(argv, " ")).Msg("executing")
	err := cmd.Run()
	out := stderr.String()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, out, fmt.Errorf("ffmpeg interrupted: %w", ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			return exitErr.ExitCode(), out, nil
		}
		return -1, out, fmt.Errorf("ffmpeg execution failed: %w", err)
	}
	return 0, out, nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
