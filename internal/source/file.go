// Package source loads event snapshots produced by the scraping collaborator.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/albapepper/alphawatch/internal/event"
)

// Source yields the current snapshot of event records.
type Source interface {
	Load(ctx context.Context, now time.Time) ([]event.Record, error)
}

// Func adapts a function to Source.
type Func func(ctx context.Context, now time.Time) ([]event.Record, error)

func (f Func) Load(ctx context.Context, now time.Time) ([]event.Record, error) { return f(ctx, now) }

// Static always returns the same records. Used by tests and one-shot runs.
type Static []event.Record

func (s Static) Load(context.Context, time.Time) ([]event.Record, error) {
	return append([]event.Record(nil), s...), nil
}

// fileRecord is the on-disk shape. start_time is kept as text so both quoted
// JSON strings and bare YAML timestamps parse the same way.
type fileRecord struct {
	Token     string         `yaml:"token"`
	Section   string         `yaml:"section"`
	RawTime   string         `yaml:"raw_time"`
	StartTime string         `yaml:"start_time"`
	Details   map[string]any `yaml:"details"`
	Origin    string         `yaml:"origin"`
}

type fileSnapshot struct {
	Events []fileRecord `yaml:"events"`
}

// Decode parses a YAML or JSON snapshot. Both a bare list of records and an
// object with an "events" list are accepted. Records without an explicit
// start time get one parsed from raw_time relative to now.
func Decode(data []byte, loc *time.Location, now time.Time) ([]event.Record, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	if len(node.Content) == 0 {
		return nil, nil
	}

	var raw []fileRecord
	switch root := node.Content[0]; root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode records: %w", err)
		}
	case yaml.MappingNode:
		var snap fileSnapshot
		if err := root.Decode(&snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		raw = snap.Events
	default:
		return nil, errors.New("snapshot must be a list of events or an object with an events list")
	}

	records := make([]event.Record, 0, len(raw))
	for _, fr := range raw {
		r := event.Record{
			Token:   fr.Token,
			Section: fr.Section,
			RawTime: fr.RawTime,
			Details: fr.Details,
			Origin:  event.Origin(fr.Origin),
		}
		if r.Origin == "" {
			r.Origin = event.OriginNetwork
		}
		if s := strings.TrimSpace(fr.StartTime); s != "" {
			if t, ok := event.ParseTime(s, loc, now); ok {
				r.StartTime = &t
			}
		}
		records = append(records, r)
	}
	return event.Resolve(records, loc, now), nil
}

// File reads a snapshot file on every Load.
type File struct {
	path   string
	loc    *time.Location
	logger *slog.Logger
}

// NewFile creates a file source.
func NewFile(path string, loc *time.Location, logger *slog.Logger) *File {
	if logger == nil {
		logger = slog.Default()
	}
	return &File{path: path, loc: loc, logger: logger}
}

func (f *File) Path() string { return f.path }

// Load reads and decodes the snapshot. A missing file is an empty snapshot.
func (f *File) Load(_ context.Context, now time.Time) ([]event.Record, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		f.logger.Debug("Events file not found", "path", f.path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read events file: %w", err)
	}
	records, err := Decode(data, f.loc, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.path, err)
	}
	return records, nil
}

const watchDebounce = 250 * time.Millisecond

// Watch calls onChange after the snapshot file is written, created or
// replaced. Bursts of events within the debounce window collapse into one
// call. The parent directory is watched so editors that rename over the file
// are still seen. Blocks until ctx is cancelled.
func (f *File) Watch(ctx context.Context, onChange func()) error {
	dir := filepath.Dir(f.path)
	name := filepath.Base(f.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	f.logger.Info("Events file watcher started", "path", f.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			if ctx.Err() == nil {
				onChange()
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if !strings.EqualFold(filepath.Base(ev.Name), name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				f.logger.Debug("Events file changed", "op", ev.Op.String())
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			f.logger.Warn("Events file watch error", "error", err)
		}
	}
}
