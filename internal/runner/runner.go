// Package runner executes a Job's underlying script in a subprocess,
// supervising it the way the original implementation's handle_child does
// (windmill-worker/src/handle_child.rs): ping the queue entry every five
// seconds, cap captured log size, and escalate SIGINT then SIGTERM on
// timeout or cancellation before giving up and killing the process group.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/windmill-labs/windmill-core/internal/models"
)

// resultFileName is the file a script writes its JSON return value to,
// inside its working directory (spec §4.4 "Read result.json on success").
const resultFileName = "result.json"

// PingFunc refreshes the queue entry's last_ping, the heartbeat the reaper
// watches (spec §4.2 step 4, §4.3).
type PingFunc func(ctx context.Context) error

// CancelCheckFunc reports whether the job has been canceled since the last
// check (spec §4.2 step 5 "poll for cancellation").
type CancelCheckFunc func(ctx context.Context) (canceled bool, reason string)

// PingInterval mirrors the original implementation's "update ...
// last_ping every five seconds" cadence in handle_child.rs.
const PingInterval = 5 * time.Second

// MaxLogBytes caps how much combined stdout+stderr is retained, the Go
// equivalent of the original's LARGE_LOG_THRESHOLD_SIZE truncation.
const MaxLogBytes = 2 * 1024 * 1024

// SigintGrace/SigtermGrace are the escalation waits handle_child.rs applies
// (MAX_WAIT_FOR_SIGINT / MAX_WAIT_FOR_SIGTERM) before a hard kill.
var (
	SigintGrace  = 2 * time.Second
	SigtermGrace = 2 * time.Second
)

// interpreterFor maps a ScriptLang to the subprocess command line windmill
// would use to invoke it, filled in for the languages spec §4.2 names
// (python3, deno, bun, go run, bash, powershell).
func interpreterFor(lang models.ScriptLang, scriptPath string) (string, []string) {
	switch lang {
	case models.ScriptLangPython:
		return "python3", []string{scriptPath}
	case models.ScriptLangDeno:
		return "deno", []string{"run", "--allow-all", scriptPath}
	case models.ScriptLangBun:
		return "bun", []string{"run", scriptPath}
	case models.ScriptLangGo:
		return "go", []string{"run", scriptPath}
	case models.ScriptLangBash:
		return "bash", []string{scriptPath}
	case models.ScriptLangPowershell:
		return "pwsh", []string{"-File", scriptPath}
	default:
		return "bash", []string{scriptPath}
	}
}

// Result is what Run returns: captured output, whether it was canceled, and
// the error the subprocess exited with (if any).
type Result struct {
	Output     []byte
	Canceled   bool
	CancelWhy  string
	DurationMs int64
}

// Run executes scriptPath under lang with args as its JSON stdin payload,
// supervising it with ping/cancel/timeout the way handle_child does.
// timeout <= 0 means no deadline. A non-empty entrypointOverride is passed
// to the subprocess as WM_ENTRYPOINT_OVERRIDE, the preprocessor protocol's
// way of asking a runnable to invoke a function other than its default
// entrypoint (spec §4.4 scenario 2) without disturbing interpreterFor's
// per-language command lines.
func Run(ctx context.Context, logger arbor.ILogger, lang models.ScriptLang, scriptPath string, args models.Args, timeout time.Duration, ping PingFunc, checkCanceled CancelCheckFunc, entrypointOverride string) (*Result, error) {
	name, cmdArgs := interpreterFor(lang, scriptPath)

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	workDir, err := os.MkdirTemp("", "windmill-run-*")
	if err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	cmd := exec.CommandContext(runCtx, name, cmdArgs...)
	cmd.Dir = workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if entrypointOverride != "" {
		cmd.Env = append(os.Environ(), "WM_ENTRYPOINT_OVERRIDE="+entrypointOverride)
	}

	stdin, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}
	cmd.Stdin = bytes.NewReader(stdin)

	var buf limitedBuffer
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go drain(&wg, stdoutPipe, &buf)
	go drain(&wg, stderrPipe, &buf)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	var canceled bool
	var cancelWhy string

loop:
	for {
		select {
		case err := <-done:
			wg.Wait()
			return &Result{Output: readResult(workDir, err, canceled, buf.Bytes()), Canceled: canceled, CancelWhy: cancelWhy, DurationMs: time.Since(start).Milliseconds()}, err

		case <-ticker.C:
			if ping != nil {
				if perr := ping(ctx); perr != nil {
					logger.Warn().Err(perr).Msg("heartbeat ping failed")
				}
			}
			if checkCanceled != nil {
				if c, why := checkCanceled(ctx); c {
					canceled = true
					cancelWhy = why
					break loop
				}
			}

		case <-runCtx.Done():
			break loop
		}
	}

	terminate(cmd, done, logger)
	wg.Wait()
	err = <-done
	return &Result{Output: readResult(workDir, err, canceled, buf.Bytes()), Canceled: canceled, CancelWhy: cancelWhy, DurationMs: time.Since(start).Milliseconds()}, err
}

// readResult returns the script's result.json contents on a clean,
// non-canceled exit (spec §4.4 "Read result.json on success"); scripts that
// never write one, or that failed/were canceled, fall back to the captured
// stdout+stderr log so the job still gets a result payload.
func readResult(workDir string, runErr error, canceled bool, logFallback []byte) []byte {
	if canceled || runErr != nil {
		return logFallback
	}
	data, err := os.ReadFile(filepath.Join(workDir, resultFileName))
	if err != nil {
		return logFallback
	}
	return data
}

// terminate escalates SIGINT -> SIGTERM -> SIGKILL across the process
// group, the same staged shutdown handle_child.rs performs
// (MAX_WAIT_FOR_SIGINT then MAX_WAIT_FOR_SIGTERM before a hard kill). The
// signal calls are harmless once the process has already exited (ESRCH is
// logged at debug and ignored); done remains owned by the caller's single
// receive, so this never reads from it.
func terminate(cmd *exec.Cmd, done <-chan error, logger arbor.ILogger) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid

	signalGroup(pgid, syscall.SIGINT, logger)
	time.Sleep(SigintGrace)

	signalGroup(pgid, syscall.SIGTERM, logger)
	time.Sleep(SigtermGrace)

	signalGroup(pgid, syscall.SIGKILL, logger)
}

func signalGroup(pgid int, sig syscall.Signal, logger arbor.ILogger) {
	if err := syscall.Kill(pgid, sig); err != nil {
		logger.Debug().Err(err).Str("signal", sig.String()).Msg("signal delivery failed (process likely already exited)")
	}
}

func drain(wg *sync.WaitGroup, r io.Reader, buf *limitedBuffer) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		buf.WriteLine(scanner.Bytes())
	}
}

// limitedBuffer caps retained output at MaxLogBytes, the Go analogue of the
// original's append_with_limit / LARGE_LOG_THRESHOLD_SIZE truncation.
type limitedBuffer struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	full bool
}

func (b *limitedBuffer) WriteLine(line []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return
	}
	if b.buf.Len()+len(line)+1 > MaxLogBytes {
		b.buf.WriteString("\n... log truncated at size limit ...\n")
		b.full = true
		return
	}
	b.buf.Write(line)
	b.buf.WriteByte('\n')
}

func (b *limitedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Bytes()
}
