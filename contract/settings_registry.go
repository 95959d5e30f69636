package contract

import (
	"encoding/json"
	"fmt"

	"skysurety/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/hyperledger/fabric/common/flogging"
)

var govLogger = flogging.MustGetLogger("skysurety.settings")

// proposalObjectType is used for composite keys. Attributes: kind, ID.
const proposalObjectType = "Proposal"

// SettingsRegistry is the generic settings-amendment engine. Two parallel
// instances exist, one per model.ProposalKind (membership fee, coverage
// ratio). Unlike membership voting, crossing the consensus threshold does NOT
// activate a proposal: the amended value is read by many unrelated operations
// and must not change mid-stream as a side effect of a vote, so activation is
// a separate, explicit check-and-commit restricted to the authorized caller.
type SettingsRegistry struct {
	Ctx  contractapi.TransactionContextInterface
	Kind model.ProposalKind
}

// NewSettingsRegistry creates a registry instance bound to one proposal kind.
func NewSettingsRegistry(ctx contractapi.TransactionContextInterface, kind model.ProposalKind) *SettingsRegistry {
	return &SettingsRegistry{Ctx: ctx, Kind: kind}
}

func (g *SettingsRegistry) counterName() string {
	return fmt.Sprintf("proposals:%s", g.Kind)
}

func (g *SettingsRegistry) proposalKey(id uint64) (string, error) {
	return g.Ctx.GetStub().CreateCompositeKey(proposalObjectType, []string{string(g.Kind), fmt.Sprintf("%020d", id)})
}

// GetProposal loads one proposal record.
func (g *SettingsRegistry) GetProposal(id uint64) (*model.Proposal, error) {
	key, err := g.proposalKey(id)
	if err != nil {
		return nil, fmt.Errorf("failed to create proposal key %s/%d: %w", g.Kind, id, err)
	}
	raw, err := g.Ctx.GetStub().GetState(key)
	if err != nil {
		return nil, fmt.Errorf("ledger error reading proposal %s/%d: %w", g.Kind, id, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("proposal %s/%d: %w", g.Kind, id, ErrNotFound)
	}
	var p model.Proposal
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal proposal %s/%d: %w", g.Kind, id, err)
	}
	return &p, nil
}

func (g *SettingsRegistry) putProposal(p *model.Proposal) error {
	key, err := g.proposalKey(p.ID)
	if err != nil {
		return fmt.Errorf("failed to create proposal key %s/%d: %w", g.Kind, p.ID, err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal proposal %s/%d: %w", g.Kind, p.ID, err)
	}
	if err := g.Ctx.GetStub().PutState(key, raw); err != nil {
		return fmt.Errorf("failed to save proposal %s/%d: %w", g.Kind, p.ID, err)
	}
	return nil
}

// RegisterProposal creates a new proposal with an auto-incrementing ID and a
// zero vote count. Proposals are independent: prior proposals need not have
// resolved, and several can coexist. The holder population is snapshotted at
// creation and is the quorum base for this proposal's consensus check.
func (g *SettingsRegistry) RegisterProposal(proposer string, value uint64, holderSnapshot int) (*model.Proposal, error) {
	now, err := getCurrentTxTimestamp(g.Ctx)
	if err != nil {
		return nil, err
	}
	id, err := nextCounter(g.Ctx, g.counterName())
	if err != nil {
		return nil, err
	}
	p := &model.Proposal{
		ObjectType:     proposalObjectType,
		Kind:           g.Kind,
		ID:             id,
		Proposer:       proposer,
		Value:          value,
		CreatedTxID:    g.Ctx.GetStub().GetTxID(),
		CreatedAt:      now,
		Voters:         map[string]bool{},
		HolderSnapshot: holderSnapshot,
	}
	if err := g.putProposal(p); err != nil {
		return nil, err
	}
	govLogger.Infof("Proposal %s/%d registered by '%s' with value %d (quorum base %d)", g.Kind, id, proposer, value, holderSnapshot)
	return p, nil
}

// VoteProposal records one affirmative vote. Each voter counts once per
// proposal; voter sets are per-proposal and never reused.
func (g *SettingsRegistry) VoteProposal(voter string, id uint64) (*model.Proposal, error) {
	p, err := g.GetProposal(id)
	if err != nil {
		return nil, err
	}
	if p.Resolved {
		return nil, fmt.Errorf("proposal %s/%d already resolved: %w", g.Kind, id, ErrAlreadyActivated)
	}
	if p.Voters[voter] {
		return nil, fmt.Errorf("voter '%s' on proposal %s/%d: %w", voter, g.Kind, id, ErrAlreadyVoted)
	}
	p.Voters[voter] = true
	p.VoteCount++
	if err := g.putProposal(p); err != nil {
		return nil, err
	}
	return p, nil
}

// ActivateProposal performs the atomic check-and-commit: it fails with
// ErrConsensusNotReached while affirmative votes are below 50% of the
// snapshotted holder population, otherwise overwrites the current value
// exactly once and marks the proposal resolved.
func (g *SettingsRegistry) ActivateProposal(id uint64) (*model.Proposal, error) {
	p, err := g.GetProposal(id)
	if err != nil {
		return nil, err
	}
	if p.Resolved {
		return nil, fmt.Errorf("proposal %s/%d: %w", g.Kind, id, ErrAlreadyActivated)
	}
	if !reachedConsensus(p.VoteCount, p.HolderSnapshot) {
		return nil, fmt.Errorf("proposal %s/%d has %d of %d votes: %w", g.Kind, id, p.VoteCount, p.HolderSnapshot, ErrConsensusNotReached)
	}

	now, err := getCurrentTxTimestamp(g.Ctx)
	if err != nil {
		return nil, err
	}
	settings, err := loadSettings(g.Ctx)
	if err != nil {
		return nil, err
	}
	switch g.Kind {
	case model.KindMembershipFee:
		settings.MembershipFee = p.Value
	case model.KindCoverageRatio:
		settings.CoverageRatio = p.Value
	default:
		return nil, fmt.Errorf("unknown proposal kind '%s'", g.Kind)
	}
	settings.LastUpdatedAt = now
	if err := saveSettings(g.Ctx, settings); err != nil {
		return nil, err
	}

	p.Resolved = true
	p.ResolvedAt = now
	if err := g.putProposal(p); err != nil {
		return nil, err
	}
	govLogger.Infof("Proposal %s/%d activated: current value now %d", g.Kind, id, p.Value)
	return p, nil
}

// CurrentValue returns the currently effective value for this kind.
func (g *SettingsRegistry) CurrentValue() (uint64, error) {
	settings, err := loadSettings(g.Ctx)
	if err != nil {
		return 0, err
	}
	switch g.Kind {
	case model.KindMembershipFee:
		return settings.MembershipFee, nil
	case model.KindCoverageRatio:
		return settings.CoverageRatio, nil
	}
	return 0, fmt.Errorf("unknown proposal kind '%s'", g.Kind)
}

// VoteCount returns the affirmative vote count for a proposal.
func (g *SettingsRegistry) VoteCount(id uint64) (int, error) {
	p, err := g.GetProposal(id)
	if err != nil {
		return 0, err
	}
	return p.VoteCount, nil
}

// HasReachedConsensus reports whether the proposal has met the 50% quorum of
// its snapshotted holder population.
func (g *SettingsRegistry) HasReachedConsensus(id uint64) (bool, error) {
	p, err := g.GetProposal(id)
	if err != nil {
		return false, err
	}
	return reachedConsensus(p.VoteCount, p.HolderSnapshot), nil
}

// reachedConsensus is the 50% quorum rule shared by both registry kinds.
func reachedConsensus(votes, population int) bool {
	return population > 0 && votes*2 >= population
}
