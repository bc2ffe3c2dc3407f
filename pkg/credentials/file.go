package credentials

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/netonboard/pkg/engine"
)

// fileEntry is one reference in a credentials file.
type fileEntry struct {
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	Secret         string `yaml:"secret"`
	Community      string `yaml:"community"`
	PrivateKeyFile string `yaml:"private_key_file"`
}

type fileDocument struct {
	Credentials map[string]fileEntry `yaml:"credentials"`
}

// FileProvider serves credentials from a YAML file:
//
//	credentials:
//	  lab:
//	    username: admin
//	    password: secret
//	  core-snmp:
//	    community: public
//
// Watch reloads the file when it changes. A reload that fails keeps the
// previous set.
type FileProvider struct {
	path   string
	logger zerolog.Logger

	mu      sync.RWMutex
	entries map[string]engine.Credentials
	loaded  time.Time

	watcher *fsnotify.Watcher
}

// NewFileProvider loads path.
func NewFileProvider(path string) (*FileProvider, error) {
	p := &FileProvider{
		path:   path,
		logger: log.With().Str("component", "credentials-file").Str("path", path).Logger(),
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the file.
func (p *FileProvider) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("failed to read credentials file: %w", err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse credentials file: %w", err)
	}

	entries := make(map[string]engine.Credentials, len(doc.Credentials))
	for ref, e := range doc.Credentials {
		creds := engine.Credentials{
			Username:  e.Username,
			Password:  e.Password,
			Secret:    e.Secret,
			Community: e.Community,
		}
		if e.PrivateKeyFile != "" {
			keyPath := e.PrivateKeyFile
			if !filepath.IsAbs(keyPath) {
				keyPath = filepath.Join(filepath.Dir(p.path), keyPath)
			}
			key, err := os.ReadFile(keyPath)
			if err != nil {
				return fmt.Errorf("credential %s: failed to read private key: %w", ref, err)
			}
			creds.PrivateKey = key
		}
		entries[ref] = creds
	}

	p.mu.Lock()
	p.entries = entries
	p.loaded = time.Now()
	p.mu.Unlock()

	p.logger.Debug().Int("count", len(entries)).Msg("Credentials loaded")
	return nil
}

// Resolve implements engine.CredentialProvider.
func (p *FileProvider) Resolve(_ context.Context, ref string) (engine.Credentials, error) {
	p.mu.RLock()
	creds, ok := p.entries[ref]
	p.mu.RUnlock()

	if !ok {
		return engine.Credentials{}, Unknown(ref)
	}
	return creds, nil
}

// Refs returns the number of references currently loaded.
func (p *FileProvider) Refs() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Watch reloads the file on change until ctx is done. The parent directory is
// watched so editors that replace the file by rename are seen.
func (p *FileProvider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(p.path), err)
	}
	p.watcher = watcher

	go p.processEvents(ctx)
	return nil
}

func (p *FileProvider) processEvents(ctx context.Context) {
	defer p.watcher.Close()

	var reloadTimer *time.Timer
	reloadDelay := 200 * time.Millisecond
	target := filepath.Clean(p.path)

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			return

		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := p.Reload(); err != nil {
					p.logger.Error().Err(err).Msg("Failed to reload credentials, keeping previous set")
					return
				}
				p.logger.Info().Msg("Credentials reloaded")
			})

		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
