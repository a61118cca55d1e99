package policy

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher hot-reloads the engine's ruleset when the rules file changes
// on disk. Events are debounced so an editor's write-rename dance
// triggers one reload, not five. A reload that fails to parse keeps the
// previous rules in effect.
type Watcher struct {
	watcher  *fsnotify.Watcher
	engine   *Engine
	path     string
	logger   zerolog.Logger
	debounce time.Duration
	timer    *time.Timer
	stopCh   chan struct{}
}

// NewWatcher starts watching the rules file's directory. Watching the
// directory instead of the file survives atomic replace-by-rename.
func NewWatcher(engine *Engine, path string, logger zerolog.Logger) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  watcher,
		engine:   engine,
		path:     path,
		logger:   logger.With().Str("component", "policywatcher").Logger(),
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	go w.run()

	w.logger.Info().Str("path", path).Msg("Watching policy rules")
	return w, nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.logger.Debug().
					Str("op", event.Op.String()).
					Msg("Rules file change detected")
				w.scheduleReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Rules watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	if w.timer != nil {
		w.timer.Stop()
	}

	w.timer = time.AfterFunc(w.debounce, func() {
		rules, err := LoadRules(w.path)
		if err != nil {
			w.logger.Error().Err(err).Msg("Failed to load rules, keeping previous set")
			return
		}
		if err := w.engine.Reload(rules); err != nil {
			w.logger.Error().Err(err).Msg("Failed to apply rules, keeping previous set")
			return
		}
		w.logger.Info().Msg("Policy rules reloaded")
	})
}
