package router

import (
	"sync"

	"github.com/google/uuid"
)

// AuthType selects how a server credential is presented on the wire.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "api_key"
)

// Auth is the caller-supplied credential for a server registration. The
// raw value never appears in a server record; it is written into the
// router's private secret store and referenced indirectly.
type Auth struct {
	Type AuthType

	// Token is the bearer token or API key value.
	Token string

	// Header names the API-key header; defaults to X-API-Key.
	Header string
}

// secret is the resolved credential held only inside the secret store.
type secret struct {
	authType AuthType
	value    string
	header   string
}

// secretStore is the router's private credential table. It is unexported
// and only reachable from within this package; references resolve back to
// plaintext at the last moment before an outbound request is built.
type secretStore struct {
	mu      sync.RWMutex
	secrets map[string]secret
}

func newSecretStore() *secretStore {
	return &secretStore{secrets: make(map[string]secret)}
}

// put stores a credential under a freshly generated reference.
func (s *secretStore) put(auth Auth) string {
	header := auth.Header
	if header == "" {
		header = "X-API-Key"
	}

	ref := "authref-" + uuid.NewString()

	s.mu.Lock()
	s.secrets[ref] = secret{
		authType: auth.Type,
		value:    auth.Token,
		header:   header,
	}
	s.mu.Unlock()

	return ref
}

// resolve returns the credential for a reference.
func (s *secretStore) resolve(ref string) (secret, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sec, ok := s.secrets[ref]
	return sec, ok
}

// revoke deletes a reference, used when its server is unregistered.
func (s *secretStore) revoke(ref string) {
	s.mu.Lock()
	delete(s.secrets, ref)
	s.mu.Unlock()
}
