package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce coalesces the burst of events an editor save produces
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads the config file when it changes on disk and hands every
// valid result to onChange. Invalid files are logged and ignored.
type Watcher struct {
	loader   *Loader
	onChange func(*Config)
	debounce time.Duration
	logger   zerolog.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	timer   *time.Timer
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher starts watching the loader's config file
func NewWatcher(loader *Loader, debounce time.Duration, onChange func(*Config), logger zerolog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory; editors often replace the file instead of writing it.
	dir := filepath.Dir(loader.GetConfigPath())
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config dir: %w", err)
	}

	w := &Watcher{
		loader:   loader,
		onChange: onChange,
		debounce: debounce,
		logger:   logger.With().Str("component", "config").Logger(),
		watcher:  fw,
		done:     make(chan struct{}),
	}

	w.wg.Add(1)
	go w.loop()

	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	target := filepath.Clean(w.loader.GetConfigPath())
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Config watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}

	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to reload config")
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Error().Err(err).Msg("Reloaded config is invalid, keeping previous")
		return
	}

	w.logger.Info().Str("path", w.loader.GetConfigPath()).Msg("Config reloaded")
	w.onChange(cfg)
}

// Close stops watching
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	close(w.done)

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
