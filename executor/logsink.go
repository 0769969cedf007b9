package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pipeworks-io/pipeworks/logbus"
)

// taskSinks bundles the log destinations attached to one running task: the
// live log bus topic plus the two rolling files under the task's tmp
// directory.
type taskSinks struct {
	dir      string
	infoFile *os.File
	errFile  *os.File
	pub      *logbus.Publisher
	taskID   string
}

func openSinks(tmpRoot, taskID string, pub *logbus.Publisher) (*taskSinks, error) {
	dir := filepath.Join(tmpRoot, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("executor: create log dir: %w", err)
	}
	info, err := os.OpenFile(filepath.Join(dir, "info.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("executor: open info.log: %w", err)
	}
	errf, err := os.OpenFile(filepath.Join(dir, "errors.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = info.Close()
		return nil, fmt.Errorf("executor: open errors.log: %w", err)
	}
	return &taskSinks{dir: dir, infoFile: info, errFile: errf, pub: pub, taskID: taskID}, nil
}

// rotate truncates both files, keeping only the current attempt's output.
func (s *taskSinks) rotate() error {
	for _, f := range []*os.File{s.infoFile, s.errFile} {
		if err := f.Truncate(0); err != nil {
			return err
		}
		if _, err := f.Seek(0, 0); err != nil {
			return err
		}
	}
	return nil
}

// contents reads both files back, keyed by filename.
func (s *taskSinks) contents() (map[string]string, error) {
	out := make(map[string]string, 2)
	for _, name := range []string{"info.log", "errors.log"} {
		raw, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, err
		}
		out[name] = string(raw)
	}
	return out, nil
}

// close closes the file handles and removes the tmp directory.
func (s *taskSinks) close() {
	_ = s.infoFile.Close()
	_ = s.errFile.Close()
	_ = os.RemoveAll(s.dir)
}

// busWriter adapts a log bus publisher into an io.Writer so the task logger
// can fan lines out to live subscribers. Partial lines are buffered until a
// newline arrives.
type busWriter struct {
	ctx context.Context
	pub *logbus.Publisher
	mu  sync.Mutex
	buf bytes.Buffer
}

func newBusWriter(ctx context.Context, pub *logbus.Publisher) *busWriter {
	return &busWriter{ctx: ctx, pub: pub}
}

func (w *busWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// incomplete line; keep it for the next write
			w.buf.WriteString(line)
			break
		}
		line = line[:len(line)-1]
		if line == "" {
			continue
		}
		if _, err := w.pub.Publish(w.ctx, line); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}
