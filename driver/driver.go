// Package driver runs the engine as a child process and talks to it over
// its stdio.
package driver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/liuxd6825/pwclient/log"
	"github.com/liuxd6825/pwclient/transport"
)

// GracePeriod is how long Close waits for the engine to exit on its own
// before killing it.
const GracePeriod = 5 * time.Second

// Process is a running engine.
type Process struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	pipe   *transport.Pipe
	logger *log.Logger

	done chan struct{}
	err  error

	closeOnce sync.Once
}

// Start spawns the engine at path with args. The engine reads framed
// messages from its stdin and writes them to its stdout; what it writes to
// stderr goes to logger. The process is killed when ctx is done.
func Start(ctx context.Context, logger *log.Logger, path string, args ...string) (_ *Process, rerr error) {
	if logger == nil {
		logger = log.NewNullLogger()
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, path, args...) //nolint:gosec
	killAfterParent(cmd)

	var files []*os.File
	defer func() {
		if rerr == nil {
			return
		}
		cancel()
		for _, f := range files {
			_ = f.Close()
		}
	}()

	// os pipes rather than cmd.StdoutPipe, so Wait doesn't close the read
	// ends under a pending Recv.
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	files = append(files, inR, inW)
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	files = append(files, outR, outW)
	errR, errW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	files = append(files, errR, errW)

	cmd.Stdin, cmd.Stdout, cmd.Stderr = inR, outW, errW

	// We must start the cmd before calling cmd.Wait, as otherwise the two
	// can run into a data race.
	err = cmd.Start()
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("file does not exist: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("starting engine: %w", err)
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("context err after engine start: %w", ctx.Err())
	}
	// the child holds its own copies now
	_ = inR.Close()
	_ = outW.Close()
	_ = errW.Close()

	p := &Process{
		cmd:    cmd,
		cancel: cancel,
		pipe:   transport.NewPipe(outR, inW, inW, outR),
		logger: logger,
		done:   make(chan struct{}),
	}
	logger.Debugf("driver", "started %s pid:%d", path, cmd.Process.Pid)

	stderrDone := make(chan struct{})
	go p.forwardStderr(errR, stderrDone)
	go p.wait(stderrDone)

	return p, nil
}

func (p *Process) forwardStderr(r *os.File, done chan<- struct{}) {
	defer close(done)
	defer func() { _ = r.Close() }()

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		p.logger.Debugf("driver:stderr", "%s", sc.Text())
	}
}

func (p *Process) wait(stderrDone <-chan struct{}) {
	err := p.cmd.Wait()
	<-stderrDone
	if err != nil {
		p.logger.Debugf("driver", "engine pid:%d exited: %v", p.cmd.Process.Pid, err)
	}
	p.err = err
	close(p.done)
}

// Transport returns the framed stdio transport of the engine.
func (p *Process) Transport() transport.Transport {
	return p.pipe
}

// Pid returns the engine's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the engine has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err returns how the engine exited, once Done is closed.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// ExitCode returns the engine's exit code, or -1 if it's still running or
// was killed.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
		return p.cmd.ProcessState.ExitCode()
	default:
		return -1
	}
}

// Close closes the engine's stdin, which tells it to exit, and kills it
// if it's still running after GracePeriod. It's safe to call more than
// once.
func (p *Process) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if cerr := p.pipe.Close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) {
			err = fmt.Errorf("closing engine stdio: %w", cerr)
		}

		timer := time.NewTimer(GracePeriod)
		defer timer.Stop()
		select {
		case <-p.done:
		case <-timer.C:
			p.logger.Warnf("driver", "engine pid:%d didn't exit in %s, killing it", p.cmd.Process.Pid, GracePeriod)
			p.cancel()
			<-p.done
		}
		p.cancel()
	})

	return err
}
