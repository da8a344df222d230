package config

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/stellite/stellite/rewrite"
)

// debounce window for editors that emit several write events per save
const reloadSettleDelay = 250 * time.Millisecond

// WatchForRewriteChanges watches the JSON config file and invokes apply with a
// freshly compiled rewrite table on every successful reload. Only the rewrite
// table is hot-swappable; socket and TLS changes require a restart. Blocks
// until ctx is done.
func WatchForRewriteChanges(
	ctx context.Context,
	configPath string,
	apply func(*rewrite.Rewriter),
	log *zerolog.Logger,
) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(configPath); err != nil {
		return err
	}
	log.Info().Msgf("Watching %s for rewrite rule changes", configPath)

	var settle *time.Timer
	settleC := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if settle != nil {
				settle.Stop()
			}
			settle = time.AfterFunc(reloadSettleDelay, func() {
				select {
				case settleC <- struct{}{}:
				default:
				}
			})
		case <-settleC:
			reloadRewriteRules(configPath, apply, log)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("Config watcher error")
		}
	}
}

func reloadRewriteRules(configPath string, apply func(*rewrite.Rewriter), log *zerolog.Logger) {
	cfg := NewDefaultConfig()
	if err := cfg.loadFile(configPath); err != nil {
		log.Error().Err(err).Msg("Ignoring config reload")
		return
	}
	rewriter, err := cfg.BuildRewriter()
	if err != nil {
		log.Error().Err(err).Msg("Ignoring config reload with bad rewrite rules")
		return
	}
	apply(rewriter)
	log.Info().Msgf("Reloaded %d rewrite rules", rewriter.Len())
}
