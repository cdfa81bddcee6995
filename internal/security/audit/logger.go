// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// DefaultMaxFileSize is the size at which the log is rotated (10MB).
const DefaultMaxFileSize int64 = 10 * 1024 * 1024

// ErrClosed is returned when logging to a closed Logger.
var ErrClosed = errors.New("audit: logger closed")

var codec = sonic.ConfigStd

// =============================================================================
// REDACTION
// =============================================================================

var secretPatterns = []struct {
	pattern *regexp.Regexp
	replace string
}{
	{regexp.MustCompile(`(?i)(password|passwd|pwd|otp|code)\s*[=:]\s*\S+`), "[SECRET_REDACTED]"},
	{regexp.MustCompile(`Bearer\s+[a-zA-Z0-9\-_.]+`), "Bearer [TOKEN_REDACTED]"},
}

// Redact strips credentials from free text before it reaches the log.
func Redact(input string) string {
	for _, sp := range secretPatterns {
		input = sp.pattern.ReplaceAllString(input, sp.replace)
	}
	return input
}

// =============================================================================
// LOGGER
// =============================================================================

// Option configures a Logger.
type Option func(*Logger)

// WithHMACKey enables chained HMAC-SHA256 signatures.
func WithHMACKey(key []byte) Option {
	return func(l *Logger) {
		if len(key) > 0 {
			l.key = append([]byte(nil), key...)
		}
	}
}

// WithMaxSize sets the rotation threshold. Zero disables rotation.
func WithMaxSize(size int64) Option {
	return func(l *Logger) {
		l.maxSize = size
	}
}

// WithOnFailure registers a callback run after a failed write, outside the
// logger's lock.
func WithOnFailure(fn func(error)) Option {
	return func(l *Logger) {
		l.onFailure = fn
	}
}

// Logger appends events to a file as JSON lines.
type Logger struct {
	path      string
	file      *os.File
	mu        sync.Mutex
	enabled   bool
	maxSize   int64
	key       []byte
	prevMAC   string
	onFailure func(error)
}

// DefaultPath returns ~/.sessionguard/audit.log.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".sessionguard", "audit.log")
	}
	return filepath.Join(home, ".sessionguard", "audit.log")
}

// NewLogger opens (or creates) the log at path. An empty path uses
// DefaultPath.
func NewLogger(path string, opts ...Option) (*Logger, error) {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	l := &Logger{
		path:    path,
		enabled: true,
		maxSize: DefaultMaxFileSize,
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.key != nil {
		prev, err := lastMAC(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read audit chain: %w", err)
		}
		l.prevMAC = prev
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	l.file = file
	return l, nil
}

// Log writes one event.
func (l *Logger) Log(event Event) error {
	err := l.write(event)
	if err != nil && l.onFailure != nil {
		l.onFailure(err)
	}
	return err
}

func (l *Logger) write(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrClosed
	}
	if !l.enabled {
		return nil
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Timestamp = event.Timestamp.UTC()
	event.Error = Redact(event.Error)
	if event.Metadata != nil {
		clean := make(map[string]string, len(event.Metadata))
		for k, v := range event.Metadata {
			clean[k] = Redact(v)
		}
		event.Metadata = clean
	}

	if err := l.checkRotationLocked(); err != nil {
		return fmt.Errorf("audit rotation failed: %w", err)
	}

	event.MAC = ""
	if l.key != nil {
		mac, err := sign(l.key, l.prevMAC, event)
		if err != nil {
			return err
		}
		event.MAC = mac
	}

	line, err := codec.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	l.prevMAC = event.MAC
	return nil
}

// checkRotationLocked moves a full log aside and starts a new chain.
func (l *Logger) checkRotationLocked() error {
	if l.maxSize <= 0 {
		return nil
	}
	info, err := l.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() < l.maxSize {
		return nil
	}

	if err := l.file.Close(); err != nil {
		return err
	}
	rotated := fmt.Sprintf("%s.%s", l.path, time.Now().UTC().Format("20060102-150405.000000000"))
	if err := os.Rename(l.path, rotated); err != nil {
		return err
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		l.file = nil
		return err
	}
	l.file = file
	l.prevMAC = ""
	return nil
}

// SetEnabled toggles writing. A disabled logger drops events silently.
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// IsEnabled reports whether events are written.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Path returns the log file path.
func (l *Logger) Path() string {
	return l.path
}

// Close closes the file. Further Log calls return ErrClosed.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// lastMAC returns the MAC of the final record in path, or "" for a missing
// or empty file.
func lastMAC(path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	var last []byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			last = append(last[:0], scanner.Bytes()...)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if last == nil {
		return "", nil
	}

	var event Event
	if err := codec.Unmarshal(last, &event); err != nil {
		return "", fmt.Errorf("last record is not valid JSON: %w", err)
	}
	return event.MAC, nil
}
