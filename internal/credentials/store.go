// Package credentials holds the bearer token used for backend calls and the
// process-wide session expiry signal.
package credentials

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Store persists a single bearer credential.
type Store interface {
	Get(ctx context.Context) (string, error)
	Set(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

// Memory keeps the credential for the lifetime of the process.
type Memory struct {
	mu    sync.RWMutex
	token string
}

// NewMemory returns a Memory store seeded with token.
func NewMemory(token string) *Memory {
	return &Memory{token: token}
}

func (m *Memory) Get(context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token, nil
}

func (m *Memory) Set(_ context.Context, token string) error {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
	return nil
}

func (m *Memory) Clear(ctx context.Context) error {
	return m.Set(ctx, "")
}

type fileEntry struct {
	Token     string    `yaml:"token"`
	UpdatedAt time.Time `yaml:"updatedAt"`
}

type fileDocument struct {
	Credentials map[string]fileEntry `yaml:"credentials"`
}

// File stores credentials per CLI context in a YAML file readable only by the owner.
type File struct {
	path    string
	context string
	mu      sync.Mutex
}

// NewFile returns a File store for the named context.
func NewFile(path, contextName string) *File {
	if contextName == "" {
		contextName = "default"
	}
	return &File{path: path, context: contextName}
}

// DefaultFilePath returns the credential file location next to the CLI config.
func DefaultFilePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "./agentdesk-credentials.yaml"
	}
	return filepath.Join(dir, "agentdesk", "credentials.yaml")
}

func (f *File) Get(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return "", err
	}
	return doc.Credentials[f.context].Token, nil
}

func (f *File) Set(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return err
	}
	if token == "" {
		delete(doc.Credentials, f.context)
	} else {
		doc.Credentials[f.context] = fileEntry{Token: token, UpdatedAt: time.Now().UTC()}
	}
	return f.save(doc)
}

func (f *File) Clear(ctx context.Context) error {
	return f.Set(ctx, "")
}

func (f *File) load() (*fileDocument, error) {
	doc := &fileDocument{Credentials: map[string]fileEntry{}}
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return nil, errors.Wrap(err, "read credential file")
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, errors.Wrap(err, "parse credential file")
	}
	if doc.Credentials == nil {
		doc.Credentials = map[string]fileEntry{}
	}
	return doc, nil
}

func (f *File) save(doc *fileDocument) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "encode credential file")
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return errors.Wrap(err, "create credential directory")
	}
	return errors.Wrap(os.WriteFile(f.path, data, 0o600), "write credential file")
}

// Redis shares one credential between processes through a Redis key.
type Redis struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewRedis returns a store holding the token under key. A zero ttl keeps the
// key forever.
func NewRedis(client redis.UniversalClient, key string, ttl time.Duration) *Redis {
	return &Redis{client: client, key: key, ttl: ttl}
}

func (r *Redis) Get(ctx context.Context) (string, error) {
	token, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "redis get credential")
	}
	return token, nil
}

func (r *Redis) Set(ctx context.Context, token string) error {
	if token == "" {
		return r.Clear(ctx)
	}
	return errors.Wrap(r.client.Set(ctx, r.key, token, r.ttl).Err(), "redis set credential")
}

func (r *Redis) Clear(ctx context.Context) error {
	return errors.Wrap(r.client.Del(ctx, r.key).Err(), "redis clear credential")
}
