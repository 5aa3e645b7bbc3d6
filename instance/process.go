package instance

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Process is a running subprocess speaking msgpack-RPC on its standard streams
type Process interface {
	// Stdin receives the frames written through the router
	Stdin() io.Writer
	// Stdout yields the frames the subprocess emits
	Stdout() io.Reader
	// Wait blocks until the process exits and returns its exit code
	Wait() (int, error)
	// Kill terminates the process
	Kill() error
}

// Spawner starts new subprocesses
type Spawner interface {
	Spawn() (Process, error)
}

// SpawnerFunc adapts a function to the Spawner interface
type SpawnerFunc func() (Process, error)

// Spawn calls f
func (f SpawnerFunc) Spawn() (Process, error) {
	return f()
}

// CommandSpawner starts a local executable
type CommandSpawner struct {
	Path string
	Args []string
	Dir  string
	// Env entries are appended to the current environment
	Env []string
	// Stderr receives the subprocess stderr; nil discards it
	Stderr io.Writer
}

// Spawn starts the command with piped stdin and stdout
func (s *CommandSpawner) Spawn() (Process, error) {
	if s.Path == "" {
		return nil, errors.New("command spawner has no path")
	}

	cmd := exec.Command(s.Path, s.Args...)
	cmd.Dir = s.Dir
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	cmd.Stderr = s.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	// A plain os.Pipe instead of StdoutPipe: Wait would close StdoutPipe's read
	// end and drop output the router has not read yet.
	stdoutRead, stdoutWrite, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutWrite

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutRead.Close()
		stdoutWrite.Close()
		return nil, fmt.Errorf("failed to start %s: %w", s.Path, err)
	}
	// The child holds its own copy of the write end
	stdoutWrite.Close()

	return &commandProcess{cmd: cmd, stdin: stdin, stdout: stdoutRead}, nil
}

type commandProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
}

func (p *commandProcess) Stdin() io.Writer  { return p.stdin }
func (p *commandProcess) Stdout() io.Reader { return p.stdout }

func (p *commandProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// A non-zero exit is reported through the code
		return code, nil
	}
	return code, err
}

func (p *commandProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
