package contract

import (
	"fmt"

	"skysurety/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
)

// --- Governance: shares and settings amendments ---

// IssueShares mints cooperative shares to an address. Admin only. Holders
// form the voting population for member activation and settings proposals.
func (s *SkysuretySmartContract) IssueShares(ctx contractapi.TransactionContextInterface, to string, amount uint64) error {
	caller, err := s.requireAdmin(ctx)
	if err != nil {
		return fmt.Errorf("IssueShares: %w", err)
	}
	if err := validateRequiredString(to, "to"); err != nil {
		return err
	}
	balance, err := NewShareLedger(ctx).Issue(to, amount)
	if err != nil {
		return fmt.Errorf("IssueShares: %w", err)
	}
	return emitFact(ctx, "SharesIssued", map[string]interface{}{
		"to":       to,
		"amount":   amount,
		"balance":  balance,
		"issuedBy": caller,
	})
}

// TransferShares moves shares from the caller to another address.
func (s *SkysuretySmartContract) TransferShares(ctx contractapi.TransactionContextInterface, to string, amount uint64) error {
	caller, err := getCallerAddress(ctx)
	if err != nil {
		return fmt.Errorf("TransferShares: %w", err)
	}
	if err := validateRequiredString(to, "to"); err != nil {
		return err
	}
	if err := NewShareLedger(ctx).Transfer(caller, to, amount); err != nil {
		return fmt.Errorf("TransferShares: %w", err)
	}
	return emitFact(ctx, "SharesTransferred", map[string]interface{}{
		"from":   caller,
		"to":     to,
		"amount": amount,
	})
}

// GetMyShares returns the caller's share balance.
func (s *SkysuretySmartContract) GetMyShares(ctx contractapi.TransactionContextInterface) (uint64, error) {
	caller, err := getCallerAddress(ctx)
	if err != nil {
		return 0, fmt.Errorf("GetMyShares: %w", err)
	}
	return NewShareLedger(ctx).BalanceOf(caller)
}

// settingsRegistryFor routes a proposal kind tag to the matching registry
// instance. The two instances are concrete handles selected by switch; there
// is no string-keyed dispatch past this parse.
func settingsRegistryFor(ctx contractapi.TransactionContextInterface, kind string) (*SettingsRegistry, error) {
	k, err := parseProposalKind(kind)
	if err != nil {
		return nil, err
	}
	switch k {
	case model.KindMembershipFee:
		return NewSettingsRegistry(ctx, model.KindMembershipFee), nil
	case model.KindCoverageRatio:
		return NewSettingsRegistry(ctx, model.KindCoverageRatio), nil
	}
	return nil, fmt.Errorf("invalid proposal kind '%s'", kind)
}

// ProposeSetting registers an amendment proposal for the membership fee or
// the coverage ratio. Share holders only. The current holder population is
// snapshotted as this proposal's quorum base.
func (s *SkysuretySmartContract) ProposeSetting(ctx contractapi.TransactionContextInterface, kind string, value uint64) (*model.Proposal, error) {
	caller, err := s.requireShareHolder(ctx)
	if err != nil {
		return nil, fmt.Errorf("ProposeSetting: %w", err)
	}
	if value == 0 {
		return nil, fmt.Errorf("ProposeSetting: proposed value must be positive")
	}
	registry, err := settingsRegistryFor(ctx, kind)
	if err != nil {
		return nil, err
	}
	snapshot, err := NewShareLedger(ctx).HolderCount()
	if err != nil {
		return nil, fmt.Errorf("ProposeSetting: %w", err)
	}
	p, err := registry.RegisterProposal(caller, value, snapshot)
	if err != nil {
		return nil, fmt.Errorf("ProposeSetting: %w", err)
	}
	if err := emitFact(ctx, "ProposalRegistered", map[string]interface{}{
		"kind":           string(p.Kind),
		"proposalId":     p.ID,
		"proposer":       caller,
		"value":          value,
		"holderSnapshot": snapshot,
	}); err != nil {
		return nil, err
	}
	return p, nil
}

// VoteSettingProposal casts one affirmative vote on a proposal. Share
// holders only; each holder counts once per proposal.
func (s *SkysuretySmartContract) VoteSettingProposal(ctx contractapi.TransactionContextInterface, kind string, proposalID uint64) error {
	caller, err := s.requireShareHolder(ctx)
	if err != nil {
		return fmt.Errorf("VoteSettingProposal: %w", err)
	}
	registry, err := settingsRegistryFor(ctx, kind)
	if err != nil {
		return err
	}
	p, err := registry.VoteProposal(caller, proposalID)
	if err != nil {
		return fmt.Errorf("VoteSettingProposal: %w", err)
	}
	return emitFact(ctx, "ProposalVoted", map[string]interface{}{
		"kind":       string(p.Kind),
		"proposalId": proposalID,
		"voter":      caller,
		"voteCount":  p.VoteCount,
	})
}

// ActivateSettingProposal commits a proposal that has reached consensus,
// overwriting the current value exactly once. Restricted to admins so the
// amended value never changes as a side effect of an unrelated vote.
func (s *SkysuretySmartContract) ActivateSettingProposal(ctx contractapi.TransactionContextInterface, kind string, proposalID uint64) error {
	caller, err := s.requireAdmin(ctx)
	if err != nil {
		return fmt.Errorf("ActivateSettingProposal: %w", err)
	}
	registry, err := settingsRegistryFor(ctx, kind)
	if err != nil {
		return err
	}
	p, err := registry.ActivateProposal(proposalID)
	if err != nil {
		return fmt.Errorf("ActivateSettingProposal: %w", err)
	}
	return emitFact(ctx, "ProposalActivated", map[string]interface{}{
		"kind":        string(p.Kind),
		"proposalId":  proposalID,
		"value":       p.Value,
		"activatedBy": caller,
	})
}

// GetSettingProposal returns one proposal record. Allow-listed readers only.
func (s *SkysuretySmartContract) GetSettingProposal(ctx contractapi.TransactionContextInterface, kind string, proposalID uint64) (*model.Proposal, error) {
	if _, err := s.requireAuthorizedReader(ctx); err != nil {
		return nil, fmt.Errorf("GetSettingProposal: %w", err)
	}
	registry, err := settingsRegistryFor(ctx, kind)
	if err != nil {
		return nil, err
	}
	return registry.GetProposal(proposalID)
}

// GetCurrentSettingValue returns the currently effective value for a kind.
// Allow-listed readers only.
func (s *SkysuretySmartContract) GetCurrentSettingValue(ctx contractapi.TransactionContextInterface, kind string) (uint64, error) {
	if _, err := s.requireAuthorizedReader(ctx); err != nil {
		return 0, fmt.Errorf("GetCurrentSettingValue: %w", err)
	}
	registry, err := settingsRegistryFor(ctx, kind)
	if err != nil {
		return 0, err
	}
	return registry.CurrentValue()
}
