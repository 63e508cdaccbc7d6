package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xraph/jobboard"
	"github.com/xraph/jobboard/catalog"
)

// pythonHarness imports the task module given as argv[1], calls
// validate(inputs) when defined, then run(inputs[, progress_callback]),
// and speaks the line protocol described on Subprocess.
const pythonHarness = `import asyncio, importlib.util, inspect, json, sys
spec = importlib.util.spec_from_file_location("task", sys.argv[1])
mod = importlib.util.module_from_spec(spec)
spec.loader.exec_module(mod)
if not hasattr(mod, "run"):
    raise SystemExit("task module must define run(inputs)")
inputs = json.load(sys.stdin)
if hasattr(mod, "validate"):
    inputs = mod.validate(inputs) or inputs
async def progress(pct, msg=None):
    print(json.dumps({"progress": pct, "message": msg}), flush=True)
async def main():
    if "progress_callback" in inspect.signature(mod.run).parameters:
        r = mod.run(inputs, progress_callback=progress)
    else:
        r = mod.run(inputs)
    if inspect.isawaitable(r):
        r = await r
    return r
print(json.dumps({"result": asyncio.run(main())}), flush=True)
`

const (
	maxLineSize   = 1024 * 1024
	maxStderrSize = 64 * 1024
)

// Subprocess runs a version's task file with an interpreter chosen by
// file extension. Inputs are written to stdin as JSON. Every stdout line
// that is a JSON object is a message:
//
//	{"progress": 40, "message": "halfway"}
//	{"result": {...}}
//	{"error": "reason"}
//
// Other lines are logged. Python task files are run through a harness
// that adapts run(inputs, progress_callback) to this protocol.
type Subprocess struct {
	interpreters map[string]string
	logger       *slog.Logger
}

var _ Loader = (*Subprocess)(nil)

// SubprocessOption configures Subprocess.
type SubprocessOption func(*Subprocess)

// WithSubprocessLogger sets the logger.
func WithSubprocessLogger(l *slog.Logger) SubprocessOption {
	return func(s *Subprocess) { s.logger = l }
}

// NewSubprocess returns a loader for the extension -> interpreter table,
// e.g. {".py": "python3", ".sh": "sh"}.
func NewSubprocess(interpreters map[string]string, opts ...SubprocessOption) *Subprocess {
	s := &Subprocess{
		interpreters: maps.Clone(interpreters),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load implements Loader.
func (s *Subprocess) Load(_ context.Context, d *catalog.Descriptor, dir string) (Task, error) {
	if dir == "" {
		return nil, fmt.Errorf("jobboard/runner: %s: no local sources: %w", d.Ref(), jobboard.ErrLoaderNotFound)
	}
	name := catalog.TaskFile(dir)
	if name == "" {
		return nil, fmt.Errorf("jobboard/runner: %s: no task file in %s: %w", d.Ref(), dir, jobboard.ErrLoaderNotFound)
	}
	ext := filepath.Ext(name)
	interp, ok := s.interpreters[ext]
	if !ok {
		return nil, fmt.Errorf("jobboard/runner: %s: no interpreter for %q: %w", d.Ref(), ext, jobboard.ErrLoaderNotFound)
	}
	path := filepath.Join(dir, name)
	args := []string{path}
	if ext == ".py" {
		args = []string{"-c", pythonHarness, path}
	}
	return &process{ref: d.Ref(), dir: dir, command: interp, args: args, logger: s.logger}, nil
}

type process struct {
	ref     string
	dir     string
	command string
	args    []string
	logger  *slog.Logger
}

type message struct {
	Progress *float64        `json:"progress"`
	Message  string          `json:"message"`
	Result   json.RawMessage `json:"result"`
	Error    string          `json:"error"`
}

func (p *process) Run(ctx context.Context, inputs map[string]any, progress Progress) (any, error) {
	stdin, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("jobboard/runner: encode inputs: %w", err)
	}

	cmd := exec.CommandContext(ctx, p.command, p.args...)
	cmd.Dir = p.dir
	cmd.Stdin = bytes.NewReader(stdin)
	stderr := &limitedBuffer{max: maxStderrSize}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("jobboard/runner: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("jobboard/runner: start %s: %w", p.command, err)
	}

	var (
		result  json.RawMessage
		failure string
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		var msg message
		if len(line) == 0 || line[0] != '{' || json.Unmarshal(line, &msg) != nil {
			p.logger.Debug("catalog task output", slog.String("ref", p.ref), slog.String("line", string(line)))
			continue
		}
		switch {
		case msg.Error != "":
			failure = msg.Error
		case msg.Result != nil:
			result = append(json.RawMessage(nil), msg.Result...)
		case msg.Progress != nil:
			report(ctx, progress, *msg.Progress, msg.Message)
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// Drain so Wait does not block on a full pipe.
		io.Copy(io.Discard, stdout) //nolint:errcheck // best effort drain
	}

	waitErr := cmd.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if failure != "" {
		return nil, fmt.Errorf("%w: %s: %s", jobboard.ErrEntrypointFailed, p.ref, failure)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("%w: %s: exit code %d: %s",
				jobboard.ErrEntrypointFailed, p.ref, exitErr.ExitCode(), lastLine(stderr.String()))
		}
		return nil, fmt.Errorf("jobboard/runner: %s: %w", p.ref, waitErr)
	}
	if scanErr != nil {
		return nil, fmt.Errorf("jobboard/runner: %s: read output: %w", p.ref, scanErr)
	}
	if result == nil {
		return nil, fmt.Errorf("%w: %s: task produced no result", jobboard.ErrEntrypointFailed, p.ref)
	}
	return result, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// limitedBuffer keeps the first max bytes written to it.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
