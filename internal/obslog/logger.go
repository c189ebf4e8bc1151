// Package obslog persists per-link traffic observations to append-only
// text files.
package obslog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Observation is one timestamped counter snapshot pair for a directed
// tunnel path: what the source device sent into the tunnel and what the
// destination device received out of it.
type Observation struct {
	Src             string
	Dst             string
	TunnelID        uint64
	SentPackets     uint64
	SentBytes       uint64
	ReceivedPackets uint64
	ReceivedBytes   uint64
	Time            time.Time
}

type destination struct {
	mu   sync.Mutex
	file *os.File
}

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Option configures a Logger.
type Option func(*options)

// WithLog sets the logger for diagnostics.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// Logger appends observation records to one file per unordered link.
// Both directions of a link share the same destination. Files are
// truncated exactly once, when the logger is created; afterwards every
// append is flushed to disk before returning.
type Logger struct {
	dir   string
	dests map[string]*destination
	log   *zap.SugaredLogger
}

// New creates the log destination for every given link name under dir,
// truncating any previous content.
func New(dir string, linkNames []string, opts ...Option) (*Logger, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	l := &Logger{
		dir:   dir,
		dests: map[string]*destination{},
		log:   o.Log,
	}

	for _, name := range linkNames {
		path := filepath.Join(dir, strings.ToUpper(name)+".txt")
		file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("failed to initialize log destination %q: %w", path, err)
		}
		l.dests[name] = &destination{file: file}
		l.log.Infow("initialized observation log", zap.String("path", path))
	}

	return l, nil
}

// Append writes one observation to the destination of the given link:
// a "sent" line for the source device and a "received" line for the
// destination device. The write is synced before returning.
func (l *Logger) Append(link string, obs Observation) error {
	dest, ok := l.dests[link]
	if !ok {
		return fmt.Errorf("no log destination for link %q", link)
	}

	ts := obs.Time.Format(time.RFC3339)
	record := fmt.Sprintf("%s %s sent %d packets, counter id: %d\n", ts, obs.Src, obs.SentPackets, obs.TunnelID) +
		fmt.Sprintf("%s %s received %d packets, counter id: %d\n", ts, obs.Dst, obs.ReceivedPackets, obs.TunnelID)

	dest.mu.Lock()
	defer dest.mu.Unlock()

	if _, err := dest.file.WriteString(record); err != nil {
		return fmt.Errorf("failed to append observation for link %q: %w", link, err)
	}
	return dest.file.Sync()
}

// Close closes every destination.
func (l *Logger) Close() error {
	var errs []string
	for name, dest := range l.dests {
		dest.mu.Lock()
		if err := dest.file.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
		dest.mu.Unlock()
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to close log destinations: %s", strings.Join(errs, "; "))
	}
	return nil
}
