package model

import "time"

// ProposalKind routes an amendment proposal to one of the two settings
// registry instances. It is a typed tag, matched by switch in the contract,
// never by string lookup against free-form input beyond the initial parse.
type ProposalKind string

const (
	KindMembershipFee ProposalKind = "MEMBERSHIP_FEE"
	KindCoverageRatio ProposalKind = "COVERAGE_RATIO"
)

// Proposal is a settings-amendment proposal. Proposals of the same kind are
// independent and can coexist; the current value is overwritten only when a
// proposal is explicitly activated after reaching consensus.
type Proposal struct {
	ObjectType     string          `json:"objectType"` // "Proposal"
	Kind           ProposalKind    `json:"kind"`
	ID             uint64          `json:"id"`
	Proposer       string          `json:"proposer"`
	Value          uint64          `json:"value"`
	CreatedTxID    string          `json:"createdTxId"`
	CreatedAt      time.Time       `json:"createdAt"`
	Voters         map[string]bool `json:"voters"` // per-proposal, never reused across proposals
	VoteCount      int             `json:"voteCount"`
	HolderSnapshot int             `json:"holderSnapshot"` // share-holder population at creation
	Resolved       bool            `json:"resolved"`
	ResolvedAt     time.Time       `json:"resolvedAt"`
}

// Settings is the singleton record of currently effective governance values.
// Written once at bootstrap, then amended only through activated proposals.
type Settings struct {
	ObjectType            string    `json:"objectType"` // "Settings"
	Operational           bool      `json:"operational"`
	MembershipFee         uint64    `json:"membershipFee"`         // insurer funding requirement
	OracleFee             uint64    `json:"oracleFee"`             // oracle registration fee
	CoverageRatio         uint64    `json:"coverageRatio"`         // payout multiplier, scaled x100 (150 = 1.5x)
	DelayToleranceMinutes uint64    `json:"delayToleranceMinutes"` // authorized delay before a flight counts as late
	MaxPolicyValue        uint64    `json:"maxPolicyValue"`        // per-policy premium cap
	LastUpdatedAt         time.Time `json:"lastUpdatedAt"`
}

// ShareAccount is one fungible-share balance. Any address with a positive
// balance is a holder and counts toward vote quorums.
type ShareAccount struct {
	ObjectType    string    `json:"objectType"` // "ShareAccount"
	Address       string    `json:"address"`
	Balance       uint64    `json:"balance"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}
