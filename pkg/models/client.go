package models

// AssetKind classifies a client asset for scope seeding.
type AssetKind string

const (
	AssetDomain AssetKind = "domain"
	AssetIP     AssetKind = "ip"
	AssetCIDR   AssetKind = "cidr"
	AssetURL    AssetKind = "url"
)

// Asset is one in-scope item owned by a client.
type Asset struct {
	ID      string    `json:"id"`
	Value   string    `json:"value"`
	Kind    AssetKind `json:"kind"`
	AddedAt string    `json:"added_at"`
}

// Client is an engagement customer with its registered assets.
type Client struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Contact   string  `json:"contact,omitempty"`
	Notes     string  `json:"notes,omitempty"`
	CreatedAt string  `json:"created_at"`
	Assets    []Asset `json:"assets"`
}

// ScopeEntries returns the asset values suitable for seeding a session's
// target scope.
func (c *Client) ScopeEntries() []string {
	entries := make([]string, 0, len(c.Assets))
	for _, a := range c.Assets {
		if a.Value != "" {
			entries = append(entries, a.Value)
		}
	}
	return entries
}
