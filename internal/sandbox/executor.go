package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Kind classifies how a run ended
type Kind string

const (
	KindOutput   Kind = "output"
	KindError    Kind = "error"
	KindEmpty    Kind = "empty"
	KindTimedOut Kind = "timed_out"
)

// TruncatedMarker is appended to output that hit the byte budget
const TruncatedMarker = "\n...truncated"

// Report is the outcome of one Execute call
type Report struct {
	Kind      Kind   `json:"kind"`
	Text      string `json:"text"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Format renders the report as the message shown to the caller
func (r Report) Format() string {
	switch r.Kind {
	case KindOutput:
		return "Output:\n```\n" + r.Text + "\n```"
	case KindError:
		return "Python error:\n```\n" + r.Text + "\n```"
	case KindTimedOut:
		return "Python execution timed out."
	default:
		return "Python ran but produced no output."
	}
}

// Settings fixes the resource limits of every run. They are never taken
// from the caller.
type Settings struct {
	Image     string
	Memory    string
	CPUs      string
	Timeout   time.Duration
	MaxOutput int
	Command   []string // run this argv directly instead of a docker container
}

// Executor runs untrusted source code in a throwaway container
type Executor struct {
	settings Settings
	docker   string
}

// New creates an Executor
func New(settings Settings) *Executor {
	if settings.Timeout == 0 {
		settings.Timeout = 3 * time.Second
	}
	if settings.MaxOutput == 0 {
		settings.MaxOutput = 1500
	}
	return &Executor{settings: settings, docker: "docker"}
}

// stderrRetention bounds memory held for stderr; the report shows far less
const stderrRetention = 1 << 20

// Execute runs source and reports its outcome. The child is killed when
// the deadline passes or ctx is cancelled, and has exited by the time
// Execute returns.
func (e *Executor) Execute(ctx context.Context, source string) Report {
	argv, container := e.command()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = strings.NewReader(source + "\n")
	stdout := newCappedBuffer(e.settings.MaxOutput)
	stderr := newCappedBuffer(stderrRetention)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		log.Printf("Failed to start sandbox: %v", err)
		return Report{Kind: KindError, Text: fmt.Sprintf("failed to start sandbox: %v", err)}
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	deadline := time.NewTimer(e.settings.Timeout)
	defer deadline.Stop()

	select {
	case <-exited:
		return e.report(stdout, stderr)
	case <-deadline.C:
	case <-ctx.Done():
	}

	e.kill(cmd, container)
	<-exited
	return Report{Kind: KindTimedOut}
}

// command returns the argv to run and, for docker runs, the container name
func (e *Executor) command() ([]string, string) {
	if len(e.settings.Command) > 0 {
		return e.settings.Command, ""
	}

	name := "blockbridge-sandbox-" + uuid.NewString()
	return []string{
		e.docker, "run",
		"-i",
		"--rm",
		"--name", name,
		"--network=none",
		"--memory=" + e.settings.Memory,
		"--cpus=" + e.settings.CPUs,
		e.settings.Image,
		"python3",
		"-u",
		"-",
	}, name
}

// kill terminates the child's whole process group without a grace period.
// The docker client does not forward SIGKILL, so the container is removed
// explicitly as well. Both steps are no-ops if the child already exited.
func (e *Executor) kill(cmd *exec.Cmd, container string) {
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		log.Printf("Failed to kill sandbox process group %d: %v", cmd.Process.Pid, err)
		cmd.Process.Kill()
	}

	if container == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, e.docker, "rm", "-f", container).Run(); err != nil {
		log.Printf("Failed to remove sandbox container %s: %v", container, err)
	}
}

func (e *Executor) report(stdout, stderr *cappedBuffer) Report {
	if errText := strings.TrimSpace(stderr.String()); errText != "" {
		text, truncated := truncate(strings.TrimRight(stderr.String(), "\r\n"), e.settings.MaxOutput)
		return Report{Kind: KindError, Text: text, Truncated: truncated}
	}

	out := stdout.String()
	if strings.TrimSpace(out) == "" {
		return Report{Kind: KindEmpty}
	}

	text := strings.TrimRight(out, "\r\n")
	if stdout.Truncated() {
		text = strings.ToValidUTF8(out, "") + TruncatedMarker
	}
	return Report{Kind: KindOutput, Text: text, Truncated: stdout.Truncated()}
}

// truncate cuts s to at most limit bytes on a rune boundary
func truncate(s string, limit int) (string, bool) {
	if len(s) <= limit {
		return s, false
	}
	return strings.ToValidUTF8(s[:limit], "") + TruncatedMarker, true
}
