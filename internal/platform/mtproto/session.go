package mtproto

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/gotd/td/session"
)

// tokenStorage is a session.Storage round-tripping gotd session blobs through
// opaque base64 tokens. The engine never inspects token contents; callers own
// the token after the auth flow hands it out.
type tokenStorage struct {
	mu   sync.Mutex
	data []byte
}

func newTokenStorage(token string) (*tokenStorage, error) {
	s := &tokenStorage{}
	if token == "" {
		return s, nil
	}
	b, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, err
	}
	s.data = b
	return s, nil
}

func (s *tokenStorage) LoadSession(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.data) == 0 {
		return nil, session.ErrNotFound
	}
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out, nil
}

func (s *tokenStorage) StoreSession(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make([]byte, len(data))
	copy(s.data, data)
	return nil
}

// Token exports the current session as an opaque string ("" when empty).
func (s *tokenStorage) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.data) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.data)
}
