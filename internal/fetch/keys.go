package fetch

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"streamdl/internal/logger"
)

// KeyService fetches segment decryption keys and caches them by URI.
// HLS playlists typically repeat one key URI across hundreds of
// segments, so each distinct URI is fetched once. Safe for concurrent
// use by the scheduler's workers.
type KeyService struct {
	client *http.Client
	logger logger.Logger

	mutex sync.Mutex
	cache map[string][]byte
}

// NewKeyService creates a key service backed by the given client.
func NewKeyService(client *http.Client, log logger.Logger) *KeyService {
	return &KeyService{
		client: client,
		logger: log,
		cache:  make(map[string][]byte),
	}
}

// Get returns the key material for a key URI, fetching it on first
// use. AES-128 keys must be exactly 16 bytes.
func (s *KeyService) Get(ctx context.Context, uri string) ([]byte, error) {
	s.mutex.Lock()
	key, found := s.cache[uri]
	s.mutex.Unlock()
	if found {
		return key, nil
	}

	s.logger.Debugf("Fetching decryption key from %s", uri)
	key, err := FetchBody(ctx, s.client, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key from %s: %w", uri, err)
	}
	if len(key) != 16 {
		return nil, fmt.Errorf("key from %s has invalid length %d, want 16", uri, len(key))
	}

	s.mutex.Lock()
	s.cache[uri] = key
	s.mutex.Unlock()
	return key, nil
}
