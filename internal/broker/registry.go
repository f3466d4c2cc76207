package broker

import (
	"fmt"
	"sort"

	"tradebridge/internal/apperr"
)

type Status string

const (
	StatusActive     Status = "active"
	StatusComingSoon Status = "coming_soon"
)

type Info struct {
	Type                string   `json:"type"`
	Name                string   `json:"name"`
	DisplayName         string   `json:"display_name"`
	Description         string   `json:"description"`
	Status              Status   `json:"status"`
	Features            []string `json:"features"`
	RequiredCredentials []string `json:"required_credentials"`
	Website             string   `json:"website,omitempty"`
	SupportURL          string   `json:"support_url,omitempty"`
}

type entry struct {
	info    Info
	adapter Adapter
}

// Registry maps broker type discriminators to their metadata and adapter.
type Registry struct {
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a broker. Adapter may be nil for coming-soon entries.
func (r *Registry) Register(info Info, adapter Adapter) {
	r.entries[info.Type] = entry{info: info, adapter: adapter}
}

func (r *Registry) Supported() []Info {
	infos := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, e.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Type < infos[j].Type })
	return infos
}

// Info returns metadata for a broker type, falling back to the bare type name
// for connections whose broker is no longer registered.
func (r *Registry) Info(brokerType string) Info {
	if e, ok := r.entries[brokerType]; ok {
		return e.info
	}
	return Info{Type: brokerType, Name: brokerType, DisplayName: brokerType, Features: []string{}}
}

// Active returns the adapter for a broker that can accept connections.
func (r *Registry) Active(brokerType string) (Info, Adapter, error) {
	e, ok := r.entries[brokerType]
	if !ok {
		return Info{}, nil, apperr.Validation(fmt.Sprintf("Unsupported broker type: %s", brokerType))
	}
	if e.info.Status != StatusActive || e.adapter == nil {
		return Info{}, nil, apperr.Unavailable(fmt.Sprintf("%s is not available yet", e.info.DisplayName))
	}
	return e.info, e.adapter, nil
}

// AngelInfo is the registry entry for Angel One.
func AngelInfo() Info {
	return Info{
		Type:                AngelType,
		Name:                "Angel One",
		DisplayName:         "Angel One",
		Description:         "India's leading discount broker with comprehensive trading features",
		Status:              StatusActive,
		Features:            []string{"equity", "derivatives", "commodities", "currency"},
		RequiredCredentials: []string{"client_id", "pin", "totp", "api_key"},
		Website:             "https://www.angelone.in/",
		SupportURL:          "https://www.angelone.in/support",
	}
}
