package mcp

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
)

// fakeProcess is an in-memory stand-in for a child process: it exposes
// stdin/stdout/stderr as io.Pipes, grounded in the teacher's mockMCPServer
// idiom, generalized to satisfy the Process interface directly instead of
// wrapping a *Client.
type fakeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	mu      sync.Mutex
	alive   bool
	waitErr error
	waitCh  chan struct{}
}

func newFakeProcess() *fakeProcess {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	return &fakeProcess{
		stdinR:  stdinR,
		stdinW:  stdinW,
		stdoutR: stdoutR,
		stdoutW: stdoutW,
		stderrR: stderrR,
		stderrW: stderrW,
		alive:   true,
		waitCh:  make(chan struct{}),
	}
}

// Stdin returns a writer whose Close both closes the underlying pipe and
// exits the fake process, mirroring a well-behaved child that shuts down
// once its stdin reaches EOF -- keeps Close() tests fast instead of waiting
// out the full grace period on every run.
func (p *fakeProcess) Stdin() io.WriteCloser { return fakeStdin{p} }
func (p *fakeProcess) Stdout() io.ReadCloser { return p.stdoutR }
func (p *fakeProcess) Stderr() io.ReadCloser { return p.stderrR }

type fakeStdin struct{ p *fakeProcess }

func (s fakeStdin) Write(b []byte) (int, error) { return s.p.stdinW.Write(b) }
func (s fakeStdin) Close() error {
	err := s.p.stdinW.Close()
	s.p.exit(nil)
	return err
}

func (p *fakeProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *fakeProcess) exit(err error) {
	p.mu.Lock()
	if !p.alive {
		p.mu.Unlock()
		return
	}
	p.alive = false
	p.waitErr = err
	p.mu.Unlock()
	close(p.waitCh)
	_ = p.stdoutW.Close()
	_ = p.stderrW.Close()
}

func (p *fakeProcess) Terminate() error {
	p.exit(nil)
	return nil
}

func (p *fakeProcess) Kill() error {
	p.exit(nil)
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.waitCh
	return p.waitErr
}

// fakeServer drives the other end of a fakeProcess's pipes: it reads
// JSON-RPC lines written to stdin and lets the test script responses back
// on stdout, mirroring the teacher's mockMCPServer.respondTo pattern.
type fakeServer struct {
	proc   *fakeProcess
	reader *bufio.Reader
}

func newFakeServer(proc *fakeProcess) *fakeServer {
	return &fakeServer{proc: proc, reader: bufio.NewReader(proc.stdinR)}
}

// readRequest reads one line written to stdin and decodes it into a generic
// JSON-RPC envelope.
func (s *fakeServer) readRequest() (map[string]any, error) {
	line, err := s.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var req map[string]any
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, err
	}
	return req, nil
}

// respondResult writes a success response with the given id and result.
func (s *fakeServer) respondResult(id any, result any) error {
	resp := map[string]any{"jsonrpc": "2.0", "id": id, "result": result}
	return s.writeLine(resp)
}

// respondError writes an error response with the given id.
func (s *fakeServer) respondError(id any, code int, message string) error {
	resp := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": message},
	}
	return s.writeLine(resp)
}

// writeRaw writes a raw line verbatim, used to inject non-JSON-RPC noise.
func (s *fakeServer) writeRaw(line string) error {
	_, err := s.proc.stdoutW.Write([]byte(line + "\n"))
	return err
}

func (s *fakeServer) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = s.proc.stdoutW.Write(data)
	return err
}

// fakeLauncher is a ProcessLauncher that hands out pre-seeded fakeProcesses
// keyed by command, adapted from the teacher's mockStarter.
type fakeLauncher struct {
	mu       sync.Mutex
	byCmd    map[string]*fakeProcess
	onLaunch func(command string) (*fakeProcess, error)
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{byCmd: make(map[string]*fakeProcess)}
}

func (l *fakeLauncher) seed(command string, proc *fakeProcess) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byCmd[command] = proc
}

func (l *fakeLauncher) Launch(command string, args []string, env map[string]string) (Process, error) {
	if l.onLaunch != nil {
		p, err := l.onLaunch(command)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	proc, ok := l.byCmd[command]
	if !ok {
		proc = newFakeProcess()
		l.byCmd[command] = proc
	}
	return proc, nil
}
