package backchannel

import (
	"fmt"
	"sort"
	"strings"

	"github.com/latchwell/countersign/internal/secret"
)

// ClientSpec declares an agent client allowed to initiate backchannel
// authorization requests. Provider names the upstream service the client's
// agent redeems credentials against; AgentID is the identity grants bind to
// and defaults to the client ID.
type ClientSpec struct {
	ID       string `json:"client_id"`
	Secret   string `json:"client_secret"`
	Name     string `json:"client_name,omitempty"`
	Provider string `json:"provider"`
	AgentID  string `json:"agent_id,omitempty"`
}

// ClientRegistry is an immutable, config-time validated set of client specs.
type ClientRegistry struct {
	clients map[string]ClientSpec
}

// NewClientRegistry validates the given specs and builds a registry. Client
// IDs must be unique and every client needs a secret and a provider.
func NewClientRegistry(specs []ClientSpec) (*ClientRegistry, error) {
	clients := make(map[string]ClientSpec, len(specs))
	for _, spec := range specs {
		clientID := strings.TrimSpace(spec.ID)
		if clientID == "" {
			return nil, fmt.Errorf("client id is required")
		}
		if _, ok := clients[clientID]; ok {
			return nil, fmt.Errorf("duplicate client %q", clientID)
		}
		if spec.Secret == "" {
			return nil, fmt.Errorf("client %q has no secret", clientID)
		}

		provider := strings.ToLower(strings.TrimSpace(spec.Provider))
		if provider == "" {
			return nil, fmt.Errorf("client %q has no provider", clientID)
		}

		name := strings.TrimSpace(spec.Name)
		if name == "" {
			name = clientID
		}
		agentID := strings.TrimSpace(spec.AgentID)
		if agentID == "" {
			agentID = clientID
		}

		clients[clientID] = ClientSpec{
			ID:       clientID,
			Secret:   spec.Secret,
			Name:     name,
			Provider: provider,
			AgentID:  agentID,
		}
	}

	return &ClientRegistry{clients: clients}, nil
}

// Lookup returns the spec for the given client ID.
func (r *ClientRegistry) Lookup(clientID string) (ClientSpec, bool) {
	if r == nil {
		return ClientSpec{}, false
	}
	spec, ok := r.clients[strings.TrimSpace(clientID)]
	return spec, ok
}

// Authenticate verifies a client secret. Digests are compared instead of the
// secrets themselves so comparison time tracks the digest length, not the
// secret's; unknown clients burn the same compare as known ones.
func (r *ClientRegistry) Authenticate(clientID string, clientSecret string) (ClientSpec, bool) {
	spec, ok := r.Lookup(clientID)

	expected := ""
	if ok {
		expected = spec.Secret
	}
	match := secret.ConstantTimeEquals(
		[]byte(secret.DigestString(clientSecret)),
		[]byte(secret.DigestString(expected)),
	)
	if !ok || !match {
		return ClientSpec{}, false
	}
	return spec, true
}

// List returns all client specs sorted by ID.
func (r *ClientRegistry) List() []ClientSpec {
	if r == nil {
		return nil
	}
	specs := make([]ClientSpec, 0, len(r.clients))
	for _, spec := range r.clients {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs
}
