package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/platinummonkey/salonguard/pkg/async"
)

// FileLoggerConfig configures the file logger
type FileLoggerConfig struct {
	// Path of the active NDJSON file; rotated files sit next to it
	Path string
	// MaxSize in bytes before rotation (default: 100MB)
	MaxSize int64
	// MaxFiles is the number of rotated files kept (default: 10)
	MaxFiles int
}

// FileLogger appends entries as one JSON object per line
type FileLogger struct {
	path     string
	maxSize  int64
	maxFiles int

	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	now     func() time.Time
}

// NewFileLogger opens (or creates) the log file
func NewFileLogger(config FileLoggerConfig) (*FileLogger, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("audit file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	l := &FileLogger{
		path:     config.Path,
		maxSize:  config.MaxSize,
		maxFiles: config.MaxFiles,
		now:      time.Now,
	}
	if l.maxSize <= 0 {
		l.maxSize = 100 * 1024 * 1024
	}
	if l.maxFiles <= 0 {
		l.maxFiles = 10
	}

	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLogger) open() error {
	if info, err := os.Stat(l.path); err == nil && info.Size() >= l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("failed to rotate log file: %w", err)
		}
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	l.file = file
	l.encoder = json.NewEncoder(file)
	return nil
}

// rotatedName sorts lexically in time order
func (l *FileLogger) rotatedName() string {
	ext := filepath.Ext(l.path)
	base := strings.TrimSuffix(l.path, ext)
	return fmt.Sprintf("%s-%s%s", base, l.now().UTC().Format("20060102T150405.000000000"), ext)
}

func (l *FileLogger) rotate() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	if err := os.Rename(l.path, l.rotatedName()); err != nil {
		return fmt.Errorf("failed to rename log file: %w", err)
	}
	return l.cleanup()
}

// cleanup removes the oldest rotated files beyond maxFiles
func (l *FileLogger) cleanup() error {
	ext := filepath.Ext(l.path)
	pattern := strings.TrimSuffix(l.path, ext) + "-*" + ext
	files, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	if len(files) <= l.maxFiles {
		return nil
	}

	sort.Strings(files)
	var errs []error
	for _, f := range files[:len(files)-l.maxFiles] {
		if err := os.Remove(f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log appends entry, rotating first when the file is full
func (l *FileLogger) Log(_ context.Context, entry *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log file is closed")
	}

	if info, err := l.file.Stat(); err == nil && info.Size() >= l.maxSize {
		if err := l.open(); err != nil {
			return err
		}
	}

	if err := l.encoder.Encode(entry); err != nil {
		var badValue *json.UnsupportedValueError
		var badType *json.UnsupportedTypeError
		if errors.As(err, &badValue) || errors.As(err, &badType) {
			return async.Permanent(fmt.Errorf("failed to encode audit entry: %w", err))
		}
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// Close closes the file
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadEntries reads up to count entries from the active file (0 = all)
func ReadEntries(path string, count int) ([]*Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	var entries []*Entry
	decoder := json.NewDecoder(file)
	for {
		var e Entry
		if err := decoder.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to decode audit log entry: %w", err)
		}
		entries = append(entries, &e)
		if count > 0 && len(entries) >= count {
			break
		}
	}
	return entries, nil
}
