package gameserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
)

var (
	ErrAlreadyRunning  = errors.New("server already appears to be running")
	ErrStartInProgress = errors.New("a server start is already in progress")
)

// Channel is the part of the command channel the launcher needs
type Channel interface {
	Reachable(ctx context.Context) bool
	Stop(ctx context.Context) error
}

// Launcher starts and stops the game server process
type Launcher struct {
	dir      string
	jar      string
	javaArgs []string
	java     string
	channel  Channel

	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewLauncher creates a Launcher for the jar in dir
func NewLauncher(dir, jar string, javaArgs []string, channel Channel) *Launcher {
	return &Launcher{
		dir:      dir,
		jar:      jar,
		javaArgs: javaArgs,
		java:     "java",
		channel:  channel,
	}
}

// Start launches the server unless it already answers on the command
// channel or a launch from this process is still running
func (l *Launcher) Start(ctx context.Context) error {
	if l.channel != nil && l.channel.Reachable(ctx) {
		return ErrAlreadyRunning
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cmd != nil {
		return ErrStartInProgress
	}

	args := append(append([]string(nil), l.javaArgs...), "-jar", l.jar, "--nogui")
	cmd := exec.Command(l.java, args...)
	cmd.Dir = l.dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting server process: %w", err)
	}
	l.cmd = cmd
	log.Printf("Started server process %d: %s %v", cmd.Process.Pid, l.java, args)

	go func() {
		err := cmd.Wait()
		log.Printf("Server process %d exited: %v", cmd.Process.Pid, err)
		l.mu.Lock()
		l.cmd = nil
		l.mu.Unlock()
	}()
	return nil
}

// Running reports whether a server launched by this process is alive
func (l *Launcher) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cmd != nil
}

// Stop asks the server to shut down through the command channel
func (l *Launcher) Stop(ctx context.Context) error {
	if err := l.channel.Stop(ctx); err != nil {
		return fmt.Errorf("sending stop: %w", err)
	}
	log.Println("Stop command sent to server")
	return nil
}
