package model

import "time"

// ProviderRole distinguishes the two parallel membership registries.
type ProviderRole string

const (
	RoleInsurer ProviderRole = "INSURER" // self-funded insurance providers
	RoleOracle  ProviderRole = "ORACLE"  // flight-data oracle providers
)

// IndexesPerOracle is the size of the index triple drawn for each oracle
// provider at registration.
const IndexesPerOracle = 3

// ProviderInfo is the authoritative record for a registered service provider.
// Records are never deleted; a renounced provider is soft-removed so that its
// vote history stays intact.
type ProviderInfo struct {
	ObjectType        string          `json:"objectType"` // "Provider"
	Role              ProviderRole    `json:"role"`
	Address           string          `json:"address"` // full client identity of the provider
	Registered        bool            `json:"registered"`
	Activated         bool            `json:"activated"`
	Renounced         bool            `json:"renounced"`
	FundedAmount      uint64          `json:"fundedAmount"`      // cumulative funding, smallest currency unit
	Voters            map[string]bool `json:"voters"`            // addresses that cast an activation vote
	VoteCount         int             `json:"voteCount"`
	RegistrationOrder uint64          `json:"registrationOrder"` // 1-based registration sequence within the role
	Indexes           []int           `json:"indexes"`           // oracle role only; drawn once, immutable
	RegisteredBy      string          `json:"registeredBy"`
	RegisteredAt      time.Time       `json:"registeredAt"`
	ActivatedAt       time.Time       `json:"activatedAt"`
	LastUpdatedAt     time.Time       `json:"lastUpdatedAt"`
}

// HoldsIndex reports whether the provider's index triple contains idx.
// Duplicate values inside a triple are permitted, so this is a simple scan.
func (p *ProviderInfo) HoldsIndex(idx int) bool {
	for _, v := range p.Indexes {
		if v == idx {
			return true
		}
	}
	return false
}
