package toolhost

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
)

// spawnServer starts the subprocess described by cfg and returns a Session
// framed over the child's stdin/stdout. The child's environment is the
// parent's environment with the configured overrides merged on top, after
// credential placeholders have been resolved. When the process exits its ends
// of the pipes close, the session's read stream sees EOF, and the connection
// observes teardown there. Stderr is drained into the logger and plays no
// part in the protocol.
func spawnServer(cfg ServerConfig, creds CredentialSource, logger *slog.Logger) (Session, error) {
	command, args, env, err := resolveLaunchSpec(cfg, creds)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(command, args...)
	cmd.Env = append(os.Environ(), env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}

	// Stdout and stderr go through pipes owned here rather than
	// cmd.StdoutPipe, whose read ends Wait closes even if the readers have
	// not drained them yet.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("failed to spawn %q: %w", command, err)
	}

	// The child holds duplicates of the write ends; the parent's copies must
	// close so the read ends see EOF when the child exits.
	stdoutW.Close()
	stderrW.Close()

	go forwardStderr(stderrR, logger.With("server", cfg.Name))

	exited := make(chan struct{})
	go func() {
		// Wait reaps the child once it exits for any reason.
		_ = cmd.Wait()
		close(exited)
	}()

	closeIO := func() {
		_ = stdin.Close()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-exited
		_ = stdoutR.Close()
		_ = stderrR.Close()
	}

	return newStdIOSession(stdoutR, stdin, closeIO, logger), nil
}

// forwardStderr copies the child's stderr to the log sink line by line.
// Tool servers commonly use stderr for their own diagnostics.
func forwardStderr(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Debug("server stderr", "line", scanner.Text())
	}
}
