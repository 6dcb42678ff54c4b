package records

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// watchDebounce coalesces the burst of events editors emit on save.
const watchDebounce = 300 * time.Millisecond

// Watcher reports character file changes in a FileStore directory.
type Watcher struct {
	dir      string
	onChange func(characterID string)
	debounce time.Duration

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewWatcher creates a watcher over dir. onChange runs once per character
// after its file has been quiet for the debounce interval.
func NewWatcher(dir string, onChange func(characterID string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		dir:      dir,
		onChange: onChange,
		debounce: watchDebounce,
		fsw:      fsw,
		timers:   make(map[string]*time.Timer),
	}, nil
}

// SetDebounce overrides the quiet interval. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) { w.debounce = d }

// Start begins watching.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fsw.Add(w.dir); err != nil {
		return err
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)

	log.Info().Str("component", "records").Str("dir", w.dir).Msg("character watcher started")
	return nil
}

// Stop shuts down the watcher and drops pending notifications.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.fsw.Close()

	w.mu.Lock()
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
	w.mu.Unlock()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if id, ok := CharacterIDFromFile(event.Name); ok {
				w.schedule(id)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Str("component", "records").Err(err).Msg("character watcher error")
		}
	}
}

func (w *Watcher) schedule(characterID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[characterID]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[characterID] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, characterID)
		w.mu.Unlock()

		log.Debug().Str("component", "records").Str("character", characterID).Msg("character file changed")
		w.onChange(characterID)
	})
}
