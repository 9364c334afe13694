package server

import (
	"crypto"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/muvusoft/talkscribe-license/internal/webhook"
	"github.com/muvusoft/talkscribe-license/pkg/licensing"
	"github.com/rs/zerolog/log"
)

const keyReloadDebounce = 100 * time.Millisecond

// LoadWebhookKey returns the provider public key from the inline setting or,
// when set, the key file (the file wins).
func LoadWebhookKey(cfg *Config) (crypto.PublicKey, error) {
	if cfg.WebhookPublicKeyFile != "" {
		return readKeyFile(cfg.WebhookPublicKeyFile)
	}
	key, err := licensing.DecodePublicKey(cfg.WebhookPublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode TALKSCRIBE_WEBHOOK_PUBLIC_KEY: %w", err)
	}
	return key, nil
}

func readKeyFile(path string) (crypto.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read webhook key file: %w", err)
	}
	key, err := licensing.DecodePublicKey(string(data))
	if err != nil {
		return nil, fmt.Errorf("decode webhook key file %s: %w", path, err)
	}
	return key, nil
}

// KeyWatcher reloads the webhook public key when its file changes. A file
// that fails to parse leaves the previous key in place.
type KeyWatcher struct {
	path     string
	keys     *webhook.KeyStore
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewKeyWatcher creates a watcher for path that updates keys.
func NewKeyWatcher(path string, keys *webhook.KeyStore) (*KeyWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &KeyWatcher{
		path:     path,
		keys:     keys,
		watcher:  watcher,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching the key file's directory; editors and secret
// mounts replace files rather than writing in place.
func (kw *KeyWatcher) Start() error {
	dir := filepath.Dir(kw.path)
	if err := kw.watcher.Add(dir); err != nil {
		_ = kw.watcher.Close()
		close(kw.done)
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	go kw.watchForChanges()
	log.Info().Str("path", kw.path).Msg("Started watching webhook key file")
	return nil
}

// Stop stops the watcher and waits for its goroutine.
func (kw *KeyWatcher) Stop() {
	kw.stopOnce.Do(func() {
		close(kw.stopChan)
		_ = kw.watcher.Close()
	})
	<-kw.done
}

// Reload re-reads the key file now.
func (kw *KeyWatcher) Reload() error {
	key, err := readKeyFile(kw.path)
	if err != nil {
		return err
	}
	kw.keys.Set(key)
	log.Info().Str("fingerprint", licensing.PublicKeyFingerprint(key)).Msg("Webhook public key reloaded")
	return nil
}

func (kw *KeyWatcher) watchForChanges() {
	defer close(kw.done)
	target := filepath.Clean(kw.path)
	for {
		select {
		case event, ok := <-kw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce - wait a bit for write to complete
			time.Sleep(keyReloadDebounce)
			if err := kw.Reload(); err != nil {
				log.Error().Err(err).Msg("Webhook key reload failed, keeping previous key")
			}

		case err, ok := <-kw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Webhook key watcher error")

		case <-kw.stopChan:
			return
		}
	}
}
