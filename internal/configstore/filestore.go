package configstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// fileDocument is the on-disk shape of DATA_DIR/config.json. It is opaque
// to the rest of the core (spec §6: "persistence medium is unspecified")
// and exists purely as this Store implementation's serialization format.
type fileDocument struct {
	Rooms    []Room       `json:"rooms"`
	Pumps    []Pump       `json:"pumps"`
	Zones    []Zone       `json:"zones"`
	Events   []WaterEvent `json:"events"`
	Settings Settings     `json:"settings"`
}

// FileStore reads configuration from a single JSON file under DATA_DIR and
// watches it with fsnotify, re-reading and notifying on every write. This
// is the default backend for single-node deployments, matching spec §6's
// DATA_DIR env var directly.
type FileStore struct {
	path   string
	log    zerolog.Logger
	watcher *fsnotify.Watcher

	mu   sync.RWMutex
	snap Snapshot

	mu2       sync.Mutex
	listeners []chan struct{}
}

// NewFileStore loads dataDir/config.json and starts watching it for
// changes. The caller must call Close when the store is no longer needed.
func NewFileStore(dataDir string, log zerolog.Logger) (*FileStore, error) {
	path := filepath.Join(dataDir, "config.json")

	fs := &FileStore{path: path, log: log}
	if err := fs.reload(); err != nil {
		return nil, fmt.Errorf("filestore: initial load: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filestore: watcher: %w", err)
	}
	if err := w.Add(dataDir); err != nil {
		w.Close()
		return nil, fmt.Errorf("filestore: watch %s: %w", dataDir, err)
	}
	fs.watcher = w

	go fs.watchLoop()
	return fs, nil
}

func (f *FileStore) watchLoop() {
	for {
		select {
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(f.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := f.reload(); err != nil {
				f.log.Warn().Err(err).Str("path", f.path).Msg("filestore: reload failed, keeping previous snapshot")
				continue
			}
			f.notify()
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.Warn().Err(err).Msg("filestore: watcher error")
		}
	}
}

func (f *FileStore) reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return err
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", f.path, err)
	}

	snap := Snapshot{
		Rooms:    make(map[string]Room, len(doc.Rooms)),
		Pumps:    make(map[string]Pump, len(doc.Pumps)),
		Zones:    make(map[string]Zone, len(doc.Zones)),
		Events:   make(map[string]WaterEvent, len(doc.Events)),
		Settings: doc.Settings,
	}
	if snap.Settings == (Settings{}) {
		snap.Settings = DefaultSettings()
	}
	for _, r := range doc.Rooms {
		snap.Rooms[r.ID] = r
	}
	for _, p := range doc.Pumps {
		snap.Pumps[p.ID] = p
	}
	for _, z := range doc.Zones {
		snap.Zones[z.ID] = z
	}
	for _, e := range doc.Events {
		snap.Events[e.ID] = e
	}
	if err := validate(snap); err != nil {
		return err
	}

	f.mu.Lock()
	f.snap = snap
	f.mu.Unlock()
	return nil
}

func (f *FileStore) Snapshot(ctx context.Context) (Snapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return cloneSnapshot(f.snap), nil
}

func (f *FileStore) Changes(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	f.mu2.Lock()
	f.listeners = append(f.listeners, ch)
	f.mu2.Unlock()

	go func() {
		<-ctx.Done()
		f.mu2.Lock()
		defer f.mu2.Unlock()
		for i, l := range f.listeners {
			if l == ch {
				f.listeners = append(f.listeners[:i], f.listeners[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (f *FileStore) notify() {
	f.mu2.Lock()
	defer f.mu2.Unlock()
	for _, l := range f.listeners {
		select {
		case l <- struct{}{}:
		default:
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (f *FileStore) Close() error {
	if f.watcher == nil {
		return nil
	}
	return f.watcher.Close()
}
