package log

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// fileHookBufferSize is the number of entries a FileHook buffers before
// Fire blocks.
const fileHookBufferSize = 100

// FileHook writes log entries to a local file.
type FileHook struct {
	fallbackLogger logrus.FieldLogger
	path           string
	levels         []logrus.Level

	w     io.WriteCloser
	bw    *bufio.Writer
	lines chan []byte
	done  chan struct{}
}

// NewFileHook parses an output of the form "file=path[,level=lvl]", opens
// the file on fs and writes entries to it until ctx is done. Relative paths
// are resolved against the directory getCwd returns. Problems writing the
// file go to fallbackLogger.
func NewFileHook(
	ctx context.Context, fs afero.Fs, getCwd func() (string, error),
	fallbackLogger logrus.FieldLogger, output string,
) (*FileHook, error) {
	h := &FileHook{
		fallbackLogger: fallbackLogger,
		levels:         logrus.AllLevels,
		lines:          make(chan []byte, fileHookBufferSize),
		done:           make(chan struct{}),
	}
	if err := h.parse(output); err != nil {
		return nil, err
	}
	if !filepath.IsAbs(h.path) {
		cwd, err := getCwd()
		if err != nil {
			return nil, fmt.Errorf("resolving log file path: %w", err)
		}
		h.path = filepath.Join(cwd, h.path)
	}
	if err := h.open(fs); err != nil {
		return nil, err
	}
	go h.loop(ctx)

	return h, nil
}

func (h *FileHook) parse(output string) error {
	key, _, _ := strings.Cut(output, "=")
	if key != "file" {
		return fmt.Errorf("log output should be in the form `file=path[,level=lvl]` but is `%s`", output)
	}

	pathSet := false
	for _, kv := range strings.Split(output, ",") {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("log output option %q has no value", kv)
		}
		switch key {
		case "file":
			if value == "" {
				return fmt.Errorf("log file path must not be empty")
			}
			h.path, pathSet = value, true
		case "level":
			levels, err := levelsUpTo(value)
			if err != nil {
				return err
			}
			h.levels = levels
		default:
			return fmt.Errorf("unknown log output option %s", key)
		}
	}
	if !pathSet {
		return fmt.Errorf("log file path must not be empty")
	}
	return nil
}

func (h *FileHook) open(fs afero.Fs) error {
	dir := filepath.Dir(h.path)
	if ok, _ := afero.DirExists(fs, dir); !ok {
		return fmt.Errorf("log directory %q does not exist", dir)
	}
	f, err := fs.OpenFile(h.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", h.path, err)
	}
	h.w = f
	h.bw = bufio.NewWriter(f)
	return nil
}

func (h *FileHook) loop(ctx context.Context) {
	defer close(h.done)

	write := func(line []byte) {
		if _, err := h.bw.Write(line); err != nil {
			h.fallbackLogger.Errorf("writing to the log file: %v", err)
		}
	}
	for {
		select {
		case line := <-h.lines:
			write(line)
		case <-ctx.Done():
		drain:
			for {
				select {
				case line := <-h.lines:
					write(line)
				default:
					break drain
				}
			}
			if err := h.bw.Flush(); err != nil {
				h.fallbackLogger.Errorf("flushing the log file: %v", err)
			}
			if err := h.w.Close(); err != nil {
				h.fallbackLogger.Errorf("closing the log file: %v", err)
			}
			return
		}
	}
}

// Path returns the path of the log file.
func (h *FileHook) Path() string { return h.path }

// Done is closed once the file is flushed and closed.
func (h *FileHook) Done() <-chan struct{} { return h.done }

// Fire queues entry for writing. Entries fired after the hook stopped are
// dropped.
func (h *FileHook) Fire(entry *logrus.Entry) error {
	line, err := entry.Bytes()
	if err != nil {
		return fmt.Errorf("formatting log entry: %w", err)
	}
	select {
	case h.lines <- line:
	case <-h.done:
	}
	return nil
}

// Levels returns the levels written to the file.
func (h *FileHook) Levels() []logrus.Level {
	return h.levels
}

// levelsUpTo returns level and every level more severe than it.
func levelsUpTo(level string) ([]logrus.Level, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("unknown log level %s", level)
	}
	i := sort.Search(len(logrus.AllLevels), func(i int) bool {
		return logrus.AllLevels[i] > lvl
	})
	return logrus.AllLevels[:i], nil
}
