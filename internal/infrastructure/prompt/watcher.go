package prompt

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDebounce absorbs editor save bursts (write + chmod + rename)
// into one Discover call.
const reloadDebounce = 500 * time.Millisecond

// Watch hot-reloads the engine whenever a soul.md or prompts/*.md in
// any layer changes, until ctx is cancelled. Directories that don't
// exist yet are skipped; Discover created the standard ones already.
func (e *PromptEngine) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dirs := []string{
		e.systemDir,
		filepath.Join(e.systemDir, "prompts"),
		filepath.Join(e.systemDir, "prompts", "variants"),
	}
	for _, channel := range overlayChannels {
		dirs = append(dirs,
			filepath.Join(e.systemDir, channel),
			filepath.Join(e.systemDir, channel, "prompts"),
		)
	}
	if e.wsDir != "" {
		dirs = append(dirs,
			e.wsDir,
			filepath.Join(e.wsDir, "prompts"),
			filepath.Join(e.wsDir, "prompts", "variants"),
		)
	}
	watching := 0
	for _, dir := range dirs {
		if err := w.Add(dir); err == nil {
			watching++
		}
	}
	e.logger.Info("prompt: watching for changes", zap.Int("dirs", watching))

	go func() {
		defer w.Close()
		var reload *time.Timer
		for {
			select {
			case <-ctx.Done():
				if reload != nil {
					reload.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, ".md") {
					continue
				}
				if reload != nil {
					reload.Stop()
				}
				reload = time.AfterFunc(reloadDebounce, func() {
					e.logger.Info("prompt: file changed, reloading", zap.String("file", filepath.Base(ev.Name)))
					if err := e.Discover(); err != nil {
						e.logger.Warn("prompt: reload failed", zap.Error(err))
					}
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				e.logger.Warn("prompt: watch error", zap.Error(err))
			}
		}
	}()
	return nil
}
