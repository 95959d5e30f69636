package contract

import (
	"fmt"

	"skysurety/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
)

// --- Lifecycle: Insurer Operations ---

// RegisterInsurer registers a new insurance provider. Sponsorship model: the
// caller must be an activated insurer or an admin. The new provider is
// pending until it is activated by community vote or by full funding.
func (s *SkysuretySmartContract) RegisterInsurer(ctx contractapi.TransactionContextInterface, address string) error {
	caller, err := getCallerAddress(ctx)
	if err != nil {
		return fmt.Errorf("RegisterInsurer: %w", err)
	}
	if _, err := s.requireOperational(ctx); err != nil {
		return fmt.Errorf("RegisterInsurer: %w", err)
	}
	if err := validateRequiredString(address, "address"); err != nil {
		return err
	}

	registry := NewMembershipRegistry(ctx, model.RoleInsurer)
	sponsorActivated, err := registry.IsActivated(caller)
	if err != nil {
		return fmt.Errorf("RegisterInsurer: %w", err)
	}
	if !sponsorActivated {
		isAdmin, err := s.isAdmin(ctx, caller)
		if err != nil {
			return fmt.Errorf("RegisterInsurer: %w", err)
		}
		if !isAdmin {
			return fmt.Errorf("RegisterInsurer: caller '%s' is neither an activated insurer nor an admin: %w", caller, ErrUnauthorized)
		}
	}

	p, err := registry.Register(address, caller)
	if err != nil {
		return fmt.Errorf("RegisterInsurer: %w", err)
	}
	return emitFact(ctx, "ProviderRegistered", map[string]interface{}{
		"role":              string(p.Role),
		"address":           p.Address,
		"registeredBy":      caller,
		"registrationOrder": p.RegistrationOrder,
	})
}

// VoteInsurerActivation casts one activation vote for a pending insurer.
// Voting is restricted to current share holders; crossing the 50% quorum of
// the current holder population activates the votee in the same transaction.
func (s *SkysuretySmartContract) VoteInsurerActivation(ctx contractapi.TransactionContextInterface, votee string) error {
	voter, err := s.requireShareHolder(ctx)
	if err != nil {
		return fmt.Errorf("VoteInsurerActivation: %w", err)
	}
	if _, err := s.requireOperational(ctx); err != nil {
		return fmt.Errorf("VoteInsurerActivation: %w", err)
	}

	holderCount, err := NewShareLedger(ctx).HolderCount()
	if err != nil {
		return fmt.Errorf("VoteInsurerActivation: %w", err)
	}
	p, err := NewMembershipRegistry(ctx, model.RoleInsurer).Vote(voter, votee, holderCount)
	if err != nil {
		return fmt.Errorf("VoteInsurerActivation: %w", err)
	}

	// One fact per transaction: the vote that crosses the quorum emits the
	// activation fact with the vote folded in.
	if p.Activated {
		return emitFact(ctx, "ProviderActivated", map[string]interface{}{
			"role":      string(p.Role),
			"address":   votee,
			"trigger":   "vote",
			"voter":     voter,
			"voteCount": p.VoteCount,
		})
	}
	return emitFact(ctx, "ProviderVoted", map[string]interface{}{
		"role":      string(p.Role),
		"voter":     voter,
		"votee":     votee,
		"voteCount": p.VoteCount,
	})
}

// FundInsurer pays the membership fee for the calling insurer. The fee must
// be paid in full in one transaction; any other amount fails with
// ErrIncorrectFee. Full funding activates the provider and the amount joins
// the pooled funds backing outstanding coverage.
func (s *SkysuretySmartContract) FundInsurer(ctx contractapi.TransactionContextInterface, amount uint64) error {
	caller, err := getCallerAddress(ctx)
	if err != nil {
		return fmt.Errorf("FundInsurer: %w", err)
	}
	settings, err := s.requireOperational(ctx)
	if err != nil {
		return fmt.Errorf("FundInsurer: %w", err)
	}

	registry := NewMembershipRegistry(ctx, model.RoleInsurer)
	p, err := registry.GetProvider(caller)
	if err != nil {
		return fmt.Errorf("FundInsurer: %w", err)
	}
	if p.FundedAmount > 0 {
		return fmt.Errorf("FundInsurer: insurer '%s' already funded %d: %w", caller, p.FundedAmount, ErrIncorrectFee)
	}
	if amount != settings.MembershipFee {
		return fmt.Errorf("FundInsurer: amount %d does not match membership fee %d: %w", amount, settings.MembershipFee, ErrIncorrectFee)
	}

	if err := registry.FundProvider(p, amount, settings.MembershipFee); err != nil {
		return fmt.Errorf("FundInsurer: %w", err)
	}
	if _, err := adjustAccumulator(ctx, accPoolFunds, int64(amount)); err != nil {
		return fmt.Errorf("FundInsurer: %w", err)
	}

	// One fact per transaction: funding that activates emits the activation
	// fact with the amount folded in.
	if p.Activated {
		return emitFact(ctx, "ProviderActivated", map[string]interface{}{
			"role":    string(p.Role),
			"address": caller,
			"trigger": "funding",
			"amount":  amount,
		})
	}
	return emitFact(ctx, "ProviderFunded", map[string]interface{}{
		"role":    string(p.Role),
		"address": caller,
		"amount":  amount,
	})
}

// RenounceInsurer soft-removes the calling insurer. The record and its vote
// history stay on the ledger. Funded amounts remain in the pool; they back
// coverage already sold.
func (s *SkysuretySmartContract) RenounceInsurer(ctx contractapi.TransactionContextInterface) error {
	caller, err := getCallerAddress(ctx)
	if err != nil {
		return fmt.Errorf("RenounceInsurer: %w", err)
	}
	p, err := NewMembershipRegistry(ctx, model.RoleInsurer).Renounce(caller)
	if err != nil {
		return fmt.Errorf("RenounceInsurer: %w", err)
	}
	return emitFact(ctx, "ProviderRenounced", map[string]interface{}{
		"role":    string(p.Role),
		"address": caller,
	})
}

// RegisterFlight registers a flight for sale of delay coverage. Only an
// activated insurer may register flights; the scheduled window must lie in
// the future. Departure and arrival are RFC3339 timestamps; rate is the
// price per unit of coverage in the smallest currency unit.
func (s *SkysuretySmartContract) RegisterFlight(ctx contractapi.TransactionContextInterface,
	ref, departure, arrival string, rate uint64) (*model.Flight, error) {

	caller, err := getCallerAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("RegisterFlight: %w", err)
	}
	if _, err := s.requireOperational(ctx); err != nil {
		return nil, fmt.Errorf("RegisterFlight: %w", err)
	}
	if err := validateRequiredString(ref, "ref"); err != nil {
		return nil, err
	}
	dep, err := parseTimestampString(departure, "departure")
	if err != nil {
		return nil, err
	}
	arr, err := parseTimestampString(arrival, "arrival")
	if err != nil {
		return nil, err
	}

	activated, err := NewMembershipRegistry(ctx, model.RoleInsurer).IsActivated(caller)
	if err != nil {
		return nil, fmt.Errorf("RegisterFlight: %w", err)
	}
	if !activated {
		return nil, fmt.Errorf("RegisterFlight: caller '%s' is not an activated insurer: %w", caller, ErrUnauthorized)
	}

	f, err := NewFlightLedger(ctx).RegisterFlight(caller, ref, dep, arr, rate)
	if err != nil {
		return nil, fmt.Errorf("RegisterFlight: %w", err)
	}
	if err := emitFact(ctx, "FlightRegistered", map[string]interface{}{
		"flightId":           f.ID,
		"ref":                f.Ref,
		"insurer":            caller,
		"scheduledDeparture": f.ScheduledDeparture,
		"scheduledArrival":   f.ScheduledArrival,
		"rate":               f.SettlementRate,
	}); err != nil {
		return nil, err
	}
	return f, nil
}
