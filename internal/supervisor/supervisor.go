// Package supervisor implements the exec tool's subprocess lifecycle:
// resolving and allow-listing the executable, scrubbing the environment,
// spawning, concurrently draining stdout/stderr with truncation, enforcing
// the wall-clock timeout, and guaranteeing the child is reaped (§4.6).
package supervisor

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/plyght/valet/internal/apperror"
)

// AllowSet is the canonicalized executable allow-list, built once at
// startup from Config.Exec.AllowedCmds.
type AllowSet struct {
	canonical map[string]struct{}
}

// NewAllowSet canonicalizes every entry in cmds. Entries containing a path
// separator are canonicalized directly; bare names are first looked up on
// PATH. Every entry must resolve to an existing file at startup.
func NewAllowSet(cmds []string) (*AllowSet, error) {
	set := &AllowSet{canonical: make(map[string]struct{}, len(cmds))}
	for _, c := range cmds {
		real, err := resolveCommand(c)
		if err != nil {
			return nil, apperror.Internal("configured allowed_cmds entry does not resolve", err)
		}
		set.canonical[real] = struct{}{}
	}
	return set, nil
}

func (a *AllowSet) contains(path string) bool {
	_, ok := a.canonical[path]
	return ok
}

// resolveCommand mirrors §4.6 step 1: a path-separator-bearing reference
// is canonicalized directly; a bare name is looked up on PATH first.
func resolveCommand(cmd string) (string, error) {
	var target string
	if filepath.Base(cmd) == cmd {
		found, err := exec.LookPath(cmd)
		if err != nil {
			return "", err
		}
		target = found
	} else {
		target = cmd
	}
	return filepath.EvalSymlinks(target)
}

// Request is one exec tool invocation's input (§4.6).
type Request struct {
	Cmd       string
	Args      []string
	TimeoutS  int // 0 means "use the configured default"
	PassEnv   []string
	MaxStdout int64 // bytes; max_stdout_kb*1024
}

// Result is the non-streaming output shape from §4.6.
type Result struct {
	ExitCode   int
	Stdout     []byte
	Stderr     []byte
	DurationMS int64
	Truncated  bool
	TimedOut   bool
}

// Supervisor runs exec invocations against a fixed allow-list and default
// timeout. One Supervisor is constructed at startup and shared by every
// request.
type Supervisor struct {
	allow          *AllowSet
	defaultTimeout time.Duration
}

// New constructs a Supervisor backed by allow, using defaultTimeoutS when
// a request does not specify its own timeout.
func New(allow *AllowSet, defaultTimeoutS int) *Supervisor {
	return &Supervisor{allow: allow, defaultTimeout: time.Duration(defaultTimeoutS) * time.Second}
}

// Run executes req to completion (non-streaming). It never returns a
// partially-initialized Result alongside a non-nil error: either the
// process is admitted, resolved, spawned, drained, and reaped, or a zero
// Result and an *apperror.AppError are returned — before any child is
// spawned, or with ExecTimeout when the reap wait itself times out.
func (s *Supervisor) Run(ctx context.Context, req Request) (Result, error) {
	real, err := resolveCommand(req.Cmd)
	if err != nil {
		return Result{}, apperror.ExecDenied()
	}
	if !s.allow.contains(real) {
		return Result{}, apperror.ExecDenied()
	}

	timeout := s.effectiveTimeout(req.TimeoutS)
	if timeout <= 0 {
		return Result{}, apperror.Internal("effective exec timeout must be > 0", nil)
	}

	env := scrubEnv(req.PassEnv)

	start := time.Now()
	cmd := exec.Command(real, req.Args...)
	cmd.Env = env
	cmd.Stdin = nil

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, apperror.Internal("failed to create stdout pipe", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, apperror.Internal("failed to create stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{}, apperror.Internal("failed to spawn process", err)
	}

	drainCtx, cancelDrain := context.WithTimeout(ctx, timeout)
	defer cancelDrain()

	drained := drainBoth(drainCtx, cmd.Process, stdoutPipe, stderrPipe, req.MaxStdout)

	timedOut := drainCtx.Err() == context.DeadlineExceeded
	if drained.truncated {
		_ = cmd.Process.Kill()
	}

	exitCode, reapTimedOut := reap(cmd, timeout)
	if reapTimedOut {
		return Result{}, apperror.ExecTimeout()
	}

	return Result{
		ExitCode:   exitCode,
		Stdout:     drained.stdout.Bytes(),
		Stderr:     drained.stderr.Bytes(),
		DurationMS: time.Since(start).Milliseconds(),
		Truncated:  drained.truncated,
		TimedOut:   timedOut,
	}, nil
}

// ChunkFunc receives one raw read from stdout or stderr as it arrives.
// stream is "stdout" or "stderr".
type ChunkFunc func(stream string, data []byte)

// StreamResult summarizes a completed Stream invocation for audit
// purposes (§3's exec AuditRecord extension applies to the streaming
// variant the same as the non-streaming one).
type StreamResult struct {
	DurationMS int64
	StdoutLen  int64
	StderrLen  int64
	ExitCode   int
	Truncated  bool
	TimedOut   bool
}

// Stream runs req like Run but delivers output incrementally via onChunk
// instead of buffering it, for the streaming tool-call variant (§4.6).
// The caller is responsible for framing each chunk into its own
// newline-delimited JSON record; Stream only guarantees chunk ordering
// within a stream, not interleaving order across stdout/stderr.
func (s *Supervisor) Stream(ctx context.Context, req Request, onChunk ChunkFunc) (StreamResult, error) {
	real, err := resolveCommand(req.Cmd)
	if err != nil {
		return StreamResult{}, apperror.ExecDenied()
	}
	if !s.allow.contains(real) {
		return StreamResult{}, apperror.ExecDenied()
	}

	timeout := s.effectiveTimeout(req.TimeoutS)
	if timeout <= 0 {
		return StreamResult{}, apperror.Internal("effective exec timeout must be > 0", nil)
	}

	start := time.Now()
	cmd := exec.Command(real, req.Args...)
	cmd.Env = scrubEnv(req.PassEnv)
	cmd.Stdin = nil

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return StreamResult{}, apperror.Internal("failed to create stdout pipe", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return StreamResult{}, apperror.Internal("failed to create stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return StreamResult{}, apperror.Internal("failed to spawn process", err)
	}

	drainCtx, cancelDrain := context.WithTimeout(ctx, timeout)
	defer cancelDrain()

	var (
		mu                     sync.Mutex
		stdoutSent, stderrSent int64
		truncFlag              bool
		wg                     sync.WaitGroup
	)
	// See drainBoth's comment: a blocked pipe Read is only unblocked by the
	// child exiting or being killed, never by ctx cancellation alone, so a
	// watchdog goroutine races drainCtx's deadline against emit finishing
	// and kills the process itself the moment the deadline fires.
	emit := func(stream string, r readCloser, counter *int64) {
		defer wg.Done()
		buf := make([]byte, 32*1024)
		for {
			n, rerr := r.Read(buf)
			if n > 0 {
				mu.Lock()
				over := req.MaxStdout > 0 && *counter+int64(n) > req.MaxStdout
				if !over {
					*counter += int64(n)
				}
				if over {
					truncFlag = true
				}
				mu.Unlock()
				if over {
					return
				}
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				onChunk(stream, chunk)
			}
			if rerr != nil {
				return
			}
		}
	}

	wg.Add(2)
	go emit("stdout", stdoutPipe, &stdoutSent)
	go emit("stderr", stderrPipe, &stderrSent)

	watchdogDone := make(chan struct{})
	go func() {
		select {
		case <-drainCtx.Done():
			_ = cmd.Process.Kill()
		case <-watchdogDone:
		}
	}()

	wg.Wait()
	close(watchdogDone)

	isTimedOut := drainCtx.Err() == context.DeadlineExceeded
	if truncFlag {
		_ = cmd.Process.Kill()
	}

	exitCode, reapTimedOut := reap(cmd, timeout)
	result := StreamResult{
		DurationMS: time.Since(start).Milliseconds(),
		StdoutLen:  stdoutSent,
		StderrLen:  stderrSent,
		ExitCode:   exitCode,
		Truncated:  truncFlag,
		TimedOut:   isTimedOut,
	}
	if reapTimedOut {
		return result, apperror.ExecTimeout()
	}
	return result, nil
}

func (s *Supervisor) effectiveTimeout(requested int) time.Duration {
	if requested <= 0 {
		return s.defaultTimeout
	}
	req := time.Duration(requested) * time.Second
	if req < s.defaultTimeout {
		return req
	}
	return s.defaultTimeout
}

// scrubEnv clears the child's environment entirely, then forwards only the
// names in passEnv whose value is defined in this process's own
// environment — no shell, no globbing, no implicit inheritance.
func scrubEnv(passEnv []string) []string {
	env := make([]string, 0, len(passEnv))
	for _, name := range passEnv {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	return env
}

type drainResult struct {
	stdout, stderr bytes.Buffer
	truncated      bool
}

// drainBoth reads stdout and stderr concurrently under a fair
// ready-biased policy: each stream has its own goroutine, both write into
// shared, mutex-guarded buffers, and either stream crossing maxBytes stops
// both reads and marks the result truncated.
//
// A child's pipe Read is a blocking syscall that ctx cancellation cannot
// interrupt by itself — only closing the pipe (on the child's exit or
// death) unblocks it. So a third goroutine races ctx's deadline against
// the drain finishing: if ctx expires first, it kills proc immediately,
// which is what actually unblocks any Read call still parked waiting for
// output from a live, silent child. Without this, a silent, long-running
// child would hang the drain (and the caller) well past the deadline.
func drainBoth(ctx context.Context, proc *os.Process, stdout, stderr readCloser, maxBytes int64) drainResult {
	var (
		mu  sync.Mutex
		res drainResult
		wg  sync.WaitGroup
	)

	drainOne := func(r readCloser, into *bytes.Buffer) {
		defer wg.Done()
		buf := make([]byte, 32*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				mu.Lock()
				into.Write(buf[:n])
				overLimit := maxBytes > 0 && (res.stdout.Len() >= int(maxBytes) || res.stderr.Len() >= int(maxBytes))
				if overLimit {
					res.truncated = true
				}
				mu.Unlock()
				if overLimit {
					// Killing the child closes both pipes, so the other
					// stream's parked Read returns as well.
					_ = proc.Kill()
					return
				}
			}
			if err != nil {
				return
			}
		}
	}

	wg.Add(2)
	go drainOne(stdout, &res.stdout)
	go drainOne(stderr, &res.stderr)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = proc.Kill()
		case <-done:
		}
	}()

	wg.Wait()
	close(done)

	return res
}

// readCloser is the subset of io.ReadCloser the drain loop needs; the
// concrete values come from os/exec's StdoutPipe/StderrPipe.
type readCloser interface {
	Read(p []byte) (int, error)
}

// reap always awaits the child's exit status, bounding the wait itself
// with a second timeout per §4.6 step 7/9 — if the OS fails to deliver
// process death within that window, the caller surfaces ExecTimeout.
func reap(cmd *exec.Cmd, timeout time.Duration) (exitCode int, timedOut bool) {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err == nil {
			return 0, false
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			if code := exitErr.ExitCode(); code >= 0 {
				return code, false
			}
		}
		return 0, false
	case <-time.After(timeout):
		return 0, true
	}
}
