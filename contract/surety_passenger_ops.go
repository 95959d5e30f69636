package contract

import (
	"encoding/json"
	"fmt"

	"skysurety/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
)

const payoutCreditObjectType = "PayoutCredit"

// --- Lifecycle: Passenger Operations ---

// BuyInsurance purchases delay coverage on a flight. The premium joins the
// pooled funds before the coverage gate runs, so the invariant checked is:
// (outstanding insured value + this premium) x coverage ratio <= pool funds
// including this premium. A purchase that would break it fails with
// ErrInsufficientCoverage and leaves every accumulator unchanged.
func (s *SkysuretySmartContract) BuyInsurance(ctx contractapi.TransactionContextInterface, flightID, value uint64) (*model.InsurancePolicy, error) {
	caller, err := getCallerAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("BuyInsurance: %w", err)
	}
	settings, err := s.requireOperational(ctx)
	if err != nil {
		return nil, fmt.Errorf("BuyInsurance: %w", err)
	}
	if value == 0 {
		return nil, fmt.Errorf("BuyInsurance: value must be positive: %w", ErrIncorrectFee)
	}
	if settings.MaxPolicyValue > 0 && value > settings.MaxPolicyValue {
		return nil, fmt.Errorf("BuyInsurance: value %d exceeds policy cap %d: %w", value, settings.MaxPolicyValue, ErrIncorrectFee)
	}

	poolFunds, err := readAccumulator(ctx, accPoolFunds)
	if err != nil {
		return nil, fmt.Errorf("BuyInsurance: %w", err)
	}
	policy, err := NewFlightLedger(ctx).Insure(caller, flightID, value, settings.CoverageRatio, poolFunds+value)
	if err != nil {
		return nil, fmt.Errorf("BuyInsurance: %w", err)
	}
	if _, err := adjustAccumulator(ctx, accPoolFunds, int64(value)); err != nil {
		return nil, fmt.Errorf("BuyInsurance: %w", err)
	}

	if err := emitFact(ctx, "PolicyPurchased", map[string]interface{}{
		"policyId":  policy.ID,
		"flightId":  flightID,
		"passenger": caller,
		"value":     value,
	}); err != nil {
		return nil, err
	}
	return policy, nil
}

// ClaimInsurance pays out one policy on a late flight. The caller must own
// the policy, the flight must have settled late, and the policy must not
// have been claimed before; the claimed flag is the single double-payout
// gate. The payout (insured value x coverage ratio / 100) moves from the
// pool into the passenger's withdrawable credit, and the policy's value
// leaves the outstanding insured-value accumulator.
func (s *SkysuretySmartContract) ClaimInsurance(ctx contractapi.TransactionContextInterface, insuranceID uint64) (uint64, error) {
	caller, err := getCallerAddress(ctx)
	if err != nil {
		return 0, fmt.Errorf("ClaimInsurance: %w", err)
	}
	settings, err := s.requireOperational(ctx)
	if err != nil {
		return 0, fmt.Errorf("ClaimInsurance: %w", err)
	}

	ledger := NewFlightLedger(ctx)
	policy, err := ledger.GetPolicy(insuranceID)
	if err != nil {
		return 0, fmt.Errorf("ClaimInsurance: %w", err)
	}
	if policy.Passenger != caller {
		return 0, fmt.Errorf("ClaimInsurance: caller '%s' does not own policy %d: %w", caller, insuranceID, ErrUnauthorized)
	}
	flight, err := ledger.GetFlight(policy.FlightID)
	if err != nil {
		return 0, fmt.Errorf("ClaimInsurance: %w", err)
	}
	if !flight.Settled {
		return 0, fmt.Errorf("ClaimInsurance: flight %d has no accepted outcome yet", policy.FlightID)
	}
	if !flight.Late {
		return 0, fmt.Errorf("ClaimInsurance: flight %d arrived within the authorized delay; nothing to claim", policy.FlightID)
	}

	policy, err = ledger.SetClaimed(insuranceID)
	if err != nil {
		return 0, fmt.Errorf("ClaimInsurance: %w", err)
	}

	payout := policy.Value * settings.CoverageRatio / 100
	if _, err := adjustAccumulator(ctx, accPoolFunds, -int64(payout)); err != nil {
		return 0, fmt.Errorf("ClaimInsurance: %w", err)
	}
	if _, err := ledger.AdjustTotalInsuredValue(-int64(policy.Value)); err != nil {
		return 0, fmt.Errorf("ClaimInsurance: %w", err)
	}
	if err := s.creditPayout(ctx, caller, payout); err != nil {
		return 0, fmt.Errorf("ClaimInsurance: %w", err)
	}

	if err := emitFact(ctx, "PolicyClaimed", map[string]interface{}{
		"policyId":  insuranceID,
		"flightId":  policy.FlightID,
		"passenger": caller,
		"value":     policy.Value,
		"payout":    payout,
	}); err != nil {
		return 0, err
	}
	logger.Infof("Policy %d claimed by '%s': payout %d credited", insuranceID, caller, payout)
	return payout, nil
}

// WithdrawPayout debits the caller's credited payout balance. The transfer
// itself executes on an external settlement rail; the ledger only accounts
// for it and emits the fact the rail acts on.
func (s *SkysuretySmartContract) WithdrawPayout(ctx contractapi.TransactionContextInterface, amount uint64) error {
	caller, err := getCallerAddress(ctx)
	if err != nil {
		return fmt.Errorf("WithdrawPayout: %w", err)
	}
	if amount == 0 {
		return fmt.Errorf("WithdrawPayout: amount must be positive")
	}
	credit, err := s.getPayoutCredit(ctx, caller)
	if err != nil {
		return fmt.Errorf("WithdrawPayout: %w", err)
	}
	if credit.Balance < amount {
		return fmt.Errorf("WithdrawPayout: credit %d is less than requested %d", credit.Balance, amount)
	}
	now, err := getCurrentTxTimestamp(ctx)
	if err != nil {
		return fmt.Errorf("WithdrawPayout: %w", err)
	}
	credit.Balance -= amount
	credit.LastUpdatedAt = now
	if err := s.putPayoutCredit(ctx, credit); err != nil {
		return fmt.Errorf("WithdrawPayout: %w", err)
	}
	return emitFact(ctx, "PayoutWithdrawn", map[string]interface{}{
		"passenger": caller,
		"amount":    amount,
		"remaining": credit.Balance,
	})
}

// GetMyCredit returns the caller's withdrawable payout balance.
func (s *SkysuretySmartContract) GetMyCredit(ctx contractapi.TransactionContextInterface) (uint64, error) {
	caller, err := getCallerAddress(ctx)
	if err != nil {
		return 0, fmt.Errorf("GetMyCredit: %w", err)
	}
	credit, err := s.getPayoutCredit(ctx, caller)
	if err != nil {
		return 0, fmt.Errorf("GetMyCredit: %w", err)
	}
	return credit.Balance, nil
}

// --- Payout credit bookkeeping ---

func (s *SkysuretySmartContract) payoutCreditKey(ctx contractapi.TransactionContextInterface, address string) (string, error) {
	return ctx.GetStub().CreateCompositeKey(payoutCreditObjectType, []string{address})
}

func (s *SkysuretySmartContract) getPayoutCredit(ctx contractapi.TransactionContextInterface, address string) (*model.PayoutCredit, error) {
	key, err := s.payoutCreditKey(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to create payout credit key for '%s': %w", address, err)
	}
	raw, err := ctx.GetStub().GetState(key)
	if err != nil {
		return nil, fmt.Errorf("ledger error reading payout credit for '%s': %w", address, err)
	}
	if raw == nil {
		return &model.PayoutCredit{ObjectType: payoutCreditObjectType, Address: address}, nil
	}
	var c model.PayoutCredit
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payout credit for '%s': %w", address, err)
	}
	return &c, nil
}

func (s *SkysuretySmartContract) putPayoutCredit(ctx contractapi.TransactionContextInterface, c *model.PayoutCredit) error {
	key, err := s.payoutCreditKey(ctx, c.Address)
	if err != nil {
		return fmt.Errorf("failed to create payout credit key for '%s': %w", c.Address, err)
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal payout credit for '%s': %w", c.Address, err)
	}
	if err := ctx.GetStub().PutState(key, raw); err != nil {
		return fmt.Errorf("failed to save payout credit for '%s': %w", c.Address, err)
	}
	return nil
}

func (s *SkysuretySmartContract) creditPayout(ctx contractapi.TransactionContextInterface, address string, amount uint64) error {
	credit, err := s.getPayoutCredit(ctx, address)
	if err != nil {
		return err
	}
	now, err := getCurrentTxTimestamp(ctx)
	if err != nil {
		return err
	}
	credit.Balance += amount
	credit.LastUpdatedAt = now
	return s.putPayoutCredit(ctx, credit)
}
