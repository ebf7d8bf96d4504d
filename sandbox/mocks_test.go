package sandbox

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type commandResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// MockCommandRunner implements CommandRunner for testing
type MockCommandRunner struct {
	mu             sync.Mutex
	commandResults map[string]commandResult
	defaultResult  commandResult
	// block makes RunCommand wait for ctx to end before returning
	block bool
	calls []commandCall
}

type commandCall struct {
	dir  string
	args []string
}

func (m *MockCommandRunner) RunCommand(ctx context.Context, dir string, args []string) (stdout, stderr string, exitCode int, err error) {
	m.mu.Lock()
	m.calls = append(m.calls, commandCall{dir: dir, args: append([]string(nil), args...)})
	m.mu.Unlock()

	if m.block {
		<-ctx.Done()
		return "", "", -1, ctx.Err()
	}

	cmdKey := strings.Join(args, " ")
	if result, exists := m.commandResults[cmdKey]; exists {
		return result.stdout, result.stderr, result.exitCode, result.err
	}

	return m.defaultResult.stdout, m.defaultResult.stderr, m.defaultResult.exitCode, m.defaultResult.err
}

func (m *MockCommandRunner) Calls() []commandCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]commandCall(nil), m.calls...)
}

// MockFileSystem implements FileSystem for testing. With delegate set, calls
// are recorded and then passed through.
type MockFileSystem struct {
	mu              sync.Mutex
	delegate        FileSystem
	mkdirTempError  error
	writeFileErrors map[string]error
	removeAllError  error
	writeFileData   map[string][]byte
	createdDirs     []string
	removedPaths    []string
}

func (m *MockFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	if m.mkdirTempError != nil {
		return "", m.mkdirTempError
	}

	path := dir + "/" + strings.ReplaceAll(pattern, "*", "test")
	if m.delegate != nil {
		var err error
		if path, err = m.delegate.MkdirTemp(dir, pattern); err != nil {
			return "", err
		}
	}

	m.mu.Lock()
	m.createdDirs = append(m.createdDirs, path)
	m.mu.Unlock()
	return path, nil
}

func (m *MockFileSystem) MkdirAll(path string, perm os.FileMode) error {
	if m.delegate != nil {
		return m.delegate.MkdirAll(path, perm)
	}
	return nil
}

func (m *MockFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	if err, exists := m.writeFileErrors[filename]; exists {
		return err
	}

	m.mu.Lock()
	if m.writeFileData == nil {
		m.writeFileData = make(map[string][]byte)
	}
	m.writeFileData[filename] = data
	m.mu.Unlock()

	if m.delegate != nil {
		return m.delegate.WriteFile(filename, data, perm)
	}
	return nil
}

func (m *MockFileSystem) RemoveAll(path string) error {
	m.mu.Lock()
	m.removedPaths = append(m.removedPaths, path)
	m.mu.Unlock()

	if m.removeAllError != nil {
		return m.removeAllError
	}
	if m.delegate != nil {
		return m.delegate.RemoveAll(path)
	}
	return nil
}

func (m *MockFileSystem) Written(filename string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.writeFileData[filename]
	return data, ok
}

func (m *MockFileSystem) CreatedDirs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.createdDirs...)
}

func (m *MockFileSystem) RemovedPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.removedPaths...)
}

// MockProcess implements Process for registry tests
type MockProcess struct {
	pid         int
	ignoreTerm  bool
	mu          sync.Mutex
	terminated  int
	killed      int
	done        chan struct{}
	closeOnce   sync.Once
	terminateCh chan struct{}
}

func newMockProcess(pid int) *MockProcess {
	return &MockProcess{pid: pid, done: make(chan struct{}), terminateCh: make(chan struct{}, 16)}
}

func (p *MockProcess) PID() int { return p.pid }

func (p *MockProcess) Terminate() error {
	p.mu.Lock()
	p.terminated++
	p.mu.Unlock()
	p.terminateCh <- struct{}{}
	if !p.ignoreTerm {
		p.exit()
	}
	return nil
}

func (p *MockProcess) Kill() error {
	p.mu.Lock()
	p.killed++
	p.mu.Unlock()
	p.exit()
	return nil
}

func (p *MockProcess) Done() <-chan struct{} { return p.done }

func (p *MockProcess) exit() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *MockProcess) counts() (terminated, killed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated, p.killed
}

// requireShell skips tests that spawn real processes when no POSIX shell is
// available. Scripts are run with /bin/sh so Python is not needed.
func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func requirePython(t *testing.T) string {
	t.Helper()
	py, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available")
	}
	return py
}

func testConfig(t *testing.T, interpreter string) Config {
	t.Helper()
	return Config{
		Interpreter:    interpreter,
		Timeout:        5 * time.Second,
		GracePeriod:    200 * time.Millisecond,
		MemoryMB:       256,
		BaseDir:        t.TempDir(),
		MaxOutputBytes: 64 * 1024,
		MaxCodeBytes:   64 * 1024,
		ScriptName:     "main.py",
		Environment:    []string{"PYEXEC_TEST=1"},
		Install: InstallConfig{
			Enabled:      true,
			Timeout:      5 * time.Second,
			ManifestName: "requirements.txt",
		},
	}
}

func testPolicy(t *testing.T) *Policy {
	t.Helper()
	policy, err := NewPolicy(nil, nil)
	if err != nil {
		t.Fatalf("default policy: %v", err)
	}
	return policy
}

func newTestRegistry(t *testing.T, grace time.Duration) *Registry {
	t.Helper()
	return NewRegistry(zaptest.NewLogger(t), grace)
}

// registerProcess reserves id and binds p to it
func registerProcess(registry *Registry, id string, p Process) error {
	res, err := registry.Reserve(id)
	if err != nil {
		return err
	}
	res.Bind(p)
	return nil
}

type fakeRecorder struct {
	mu            sync.Mutex
	executions    []string
	installs      []string
	cancellations []bool
}

func (r *fakeRecorder) ObserveExecution(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions = append(r.executions, outcome)
}

func (r *fakeRecorder) ObserveInstall(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.installs = append(r.installs, outcome)
}

func (r *fakeRecorder) ObserveCancellation(found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancellations = append(r.cancellations, found)
}

type panickingRunner struct{}

func (panickingRunner) RunCommand(context.Context, string, []string) (string, string, int, error) {
	panic("boom")
}
