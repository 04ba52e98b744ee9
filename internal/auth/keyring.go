package auth

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ashita-ai/tsumugi/internal/model"
)

// Keyring holds the API clients allowed to request tokens. Keys are kept only
// as Argon2id hashes.
type Keyring struct {
	mu      sync.RWMutex
	clients map[string]model.Client
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{clients: make(map[string]model.Client)}
}

// Add registers a client, replacing any previous key for the same id.
func (k *Keyring) Add(clientID string, role model.ClientRole, apiKey string) error {
	if clientID == "" || apiKey == "" {
		return fmt.Errorf("auth: client id and api key are required")
	}
	hash, err := HashAPIKey(apiKey)
	if err != nil {
		return err
	}
	k.mu.Lock()
	k.clients[clientID] = model.Client{ID: clientID, Role: role, APIKeyHash: hash}
	k.mu.Unlock()
	return nil
}

// Verify returns the client when apiKey matches. Unknown client ids still pay
// for one hash so timing does not reveal which ids exist.
func (k *Keyring) Verify(clientID, apiKey string) (model.Client, bool) {
	k.mu.RLock()
	c, ok := k.clients[clientID]
	k.mu.RUnlock()
	if !ok {
		DummyVerify()
		return model.Client{}, false
	}
	valid, err := VerifyAPIKey(apiKey, c.APIKeyHash)
	if err != nil || !valid {
		return model.Client{}, false
	}
	return c, true
}

// Len returns the number of registered clients.
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.clients)
}

// ParseClientKeys parses "id:role:key" entries separated by commas, the
// format of TSUMUGI_CLIENT_KEYS.
func ParseClientKeys(s string) ([]ClientKey, error) {
	var out []ClientKey
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
			return nil, fmt.Errorf("auth: client key entry %q: expected id:role:key", redact(entry))
		}
		role, ok := model.ParseClientRole(parts[1])
		if !ok {
			return nil, fmt.Errorf("auth: client %q: unknown role %q", parts[0], parts[1])
		}
		out = append(out, ClientKey{ID: parts[0], Role: role, Key: parts[2]})
	}
	return out, nil
}

// ClientKey is one parsed client key entry.
type ClientKey struct {
	ID   string
	Role model.ClientRole
	Key  string
}

func redact(entry string) string {
	if i := strings.LastIndex(entry, ":"); i >= 0 {
		return entry[:i+1] + "***"
	}
	return "***"
}
