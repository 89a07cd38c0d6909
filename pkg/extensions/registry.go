package extensions

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/risedotdev/rise/internal/httpserver"
)

// Registry holds the process-wide provider set keyed by extension type.
// It is populated once at startup and read-only afterward.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider; a duplicate extension type is a startup bug.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := p.ExtensionType()
	if _, exists := r.providers[t]; exists {
		return fmt.Errorf("extension type %q registered twice", t)
	}
	r.providers[t] = p
	return nil
}

// Get resolves the provider owning an extension type.
func (r *Registry) Get(extensionType string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[extensionType]
	return p, ok
}

// All returns every registered provider, ordered by type for stable
// iteration.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExtensionType() < out[j].ExtensionType() })
	return out
}

// ProviderInfo is the discovery representation of a provider.
type ProviderInfo struct {
	Type          string          `json:"type"`
	DisplayName   string          `json:"display_name"`
	Description   string          `json:"description"`
	Documentation string          `json:"documentation"`
	SpecSchema    json.RawMessage `json:"spec_schema"`
}

// Mount attaches the provider discovery endpoint.
func (r *Registry) Mount(router chi.Router) {
	router.Get("/extensions/providers", r.handleList)
}

func (r *Registry) handleList(w http.ResponseWriter, _ *http.Request) {
	providers := r.All()
	out := make([]ProviderInfo, 0, len(providers))
	for _, p := range providers {
		out = append(out, ProviderInfo{
			Type:          p.ExtensionType(),
			DisplayName:   p.DisplayName(),
			Description:   p.Description(),
			Documentation: p.Documentation(),
			SpecSchema:    p.SpecSchema(),
		})
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"providers": out})
}
