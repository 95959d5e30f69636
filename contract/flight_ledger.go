package contract

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"time"

	"skysurety/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/hyperledger/fabric/common/flogging"
)

var ledgerLogger = flogging.MustGetLogger("skysurety.flightledger")

// Object types for composite keys.
const (
	flightObjectType = "Flight"
	policyObjectType = "Policy"
)

// FlightLedger owns flights, insurance policies and the global insured-value
// accumulator. The coverage ratio and the available pool funds are owned by
// the contract and passed in, so this component never reads settings itself.
type FlightLedger struct {
	Ctx contractapi.TransactionContextInterface
}

// NewFlightLedger creates a ledger instance for the current transaction.
func NewFlightLedger(ctx contractapi.TransactionContextInterface) *FlightLedger {
	return &FlightLedger{Ctx: ctx}
}

func (l *FlightLedger) flightKey(id uint64) (string, error) {
	return l.Ctx.GetStub().CreateCompositeKey(flightObjectType, []string{fmt.Sprintf("%020d", id)})
}

func (l *FlightLedger) policyKey(id uint64) (string, error) {
	return l.Ctx.GetStub().CreateCompositeKey(policyObjectType, []string{fmt.Sprintf("%020d", id)})
}

// GetFlight loads one flight record.
func (l *FlightLedger) GetFlight(id uint64) (*model.Flight, error) {
	key, err := l.flightKey(id)
	if err != nil {
		return nil, fmt.Errorf("failed to create flight key %d: %w", id, err)
	}
	raw, err := l.Ctx.GetStub().GetState(key)
	if err != nil {
		return nil, fmt.Errorf("ledger error reading flight %d: %w", id, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("flight %d: %w", id, ErrNotFound)
	}
	var f model.Flight
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flight %d: %w", id, err)
	}
	return &f, nil
}

func (l *FlightLedger) putFlight(f *model.Flight) error {
	key, err := l.flightKey(f.ID)
	if err != nil {
		return fmt.Errorf("failed to create flight key %d: %w", f.ID, err)
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal flight %d: %w", f.ID, err)
	}
	if err := l.Ctx.GetStub().PutState(key, raw); err != nil {
		return fmt.Errorf("failed to save flight %d: %w", f.ID, err)
	}
	return nil
}

// GetPolicy loads one insurance policy record.
func (l *FlightLedger) GetPolicy(id uint64) (*model.InsurancePolicy, error) {
	key, err := l.policyKey(id)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy key %d: %w", id, err)
	}
	raw, err := l.Ctx.GetStub().GetState(key)
	if err != nil {
		return nil, fmt.Errorf("ledger error reading policy %d: %w", id, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("policy %d: %w", id, ErrNotFound)
	}
	var p model.InsurancePolicy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy %d: %w", id, err)
	}
	return &p, nil
}

func (l *FlightLedger) putPolicy(p *model.InsurancePolicy) error {
	key, err := l.policyKey(p.ID)
	if err != nil {
		return fmt.Errorf("failed to create policy key %d: %w", p.ID, err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal policy %d: %w", p.ID, err)
	}
	if err := l.Ctx.GetStub().PutState(key, raw); err != nil {
		return fmt.Errorf("failed to save policy %d: %w", p.ID, err)
	}
	return nil
}

// RegisterFlight creates a new flight. The scheduled window must be coherent
// (departure strictly before arrival) and entirely in the future of ledger
// time, otherwise the call fails with ErrInvalidFlightWindow.
func (l *FlightLedger) RegisterFlight(insurer, ref string, departure, arrival time.Time, rate uint64) (*model.Flight, error) {
	now, err := getCurrentTxTimestamp(l.Ctx)
	if err != nil {
		return nil, err
	}
	if !departure.Before(arrival) {
		return nil, fmt.Errorf("departure %s is not before arrival %s: %w", departure.Format(time.RFC3339), arrival.Format(time.RFC3339), ErrInvalidFlightWindow)
	}
	if !departure.After(now) {
		return nil, fmt.Errorf("departure %s is not in the future of ledger time %s: %w", departure.Format(time.RFC3339), now.Format(time.RFC3339), ErrInvalidFlightWindow)
	}

	id, err := nextCounter(l.Ctx, ctrFlights)
	if err != nil {
		return nil, err
	}
	f := &model.Flight{
		ObjectType:         flightObjectType,
		ID:                 id,
		Ref:                ref,
		Insurer:            insurer,
		ScheduledDeparture: departure,
		ScheduledArrival:   arrival,
		SettlementRate:     rate,
		CreatedAt:          now,
		LastUpdatedAt:      now,
	}
	if err := l.putFlight(f); err != nil {
		return nil, err
	}
	ledgerLogger.Infof("Flight %d ('%s') registered by insurer '%s'", id, ref, insurer)
	return f, nil
}

// UpdateFlight commits an accepted settlement outcome onto an already-loaded
// flight record and persists it. It is reachable only through the oracle
// engine's accepted-outcome path. Actual times and the late flag are set
// exactly once per flight; a re-call with identical accepted values is
// tolerated as a no-op, but a committed outcome is never rewritten and a late
// flight never reverts.
func (l *FlightLedger) UpdateFlight(f *model.Flight, actualDeparture, actualArrival time.Time, isLate bool) (*model.Flight, error) {
	if f.Settled {
		if f.ActualDeparture.Equal(actualDeparture) && f.ActualArrival.Equal(actualArrival) && f.Late == isLate {
			return f, nil
		}
		return nil, fmt.Errorf("flight %d already settled with a different outcome: %w", f.ID, ErrRequestNotOpen)
	}
	now, err := getCurrentTxTimestamp(l.Ctx)
	if err != nil {
		return nil, err
	}
	f.ActualDeparture = actualDeparture
	f.ActualArrival = actualArrival
	f.Late = isLate
	f.Settled = true
	f.LastUpdatedAt = now
	if err := l.putFlight(f); err != nil {
		return nil, err
	}
	ledgerLogger.Infof("Flight %d settled: actual arrival %s, late=%v", f.ID, actualArrival.Format(time.RFC3339), isLate)
	return f, nil
}

// Insure creates a policy after the coverage gate passes. The invariant: the
// sum of outstanding insured values, times the coverage ratio, must never
// exceed the available pool funds. availableFunds already includes this
// premium; coverageRatio is scaled x100. On success the policy, the flight's
// accumulator and the global accumulator are all written in this operation,
// so they commit or fail together.
func (l *FlightLedger) Insure(passenger string, flightID, value, coverageRatio, availableFunds uint64) (*model.InsurancePolicy, error) {
	f, err := l.GetFlight(flightID)
	if err != nil {
		return nil, err
	}
	total, err := l.TotalInsuredValue()
	if err != nil {
		return nil, err
	}
	// Overflow-checked: a value large enough to wrap the product must fail
	// the gate, not slip past it.
	sum, carry := bits.Add64(total, value, 0)
	hi, lo := bits.Mul64(sum, coverageRatio)
	if carry != 0 || hi != 0 || lo/100 > availableFunds {
		return nil, fmt.Errorf("outstanding %d + value %d at ratio %d exceeds pool funds %d: %w",
			total, value, coverageRatio, availableFunds, ErrInsufficientCoverage)
	}

	now, err := getCurrentTxTimestamp(l.Ctx)
	if err != nil {
		return nil, err
	}
	id, err := nextCounter(l.Ctx, ctrPolicies)
	if err != nil {
		return nil, err
	}
	p := &model.InsurancePolicy{
		ObjectType:  policyObjectType,
		ID:          id,
		Passenger:   passenger,
		FlightID:    flightID,
		Value:       value,
		PurchasedAt: now,
	}
	if err := l.putPolicy(p); err != nil {
		return nil, err
	}
	f.InsuredValue += value
	f.LastUpdatedAt = now
	if err := l.putFlight(f); err != nil {
		return nil, err
	}
	if _, err := adjustAccumulator(l.Ctx, accTotalInsuredValue, int64(value)); err != nil {
		return nil, err
	}
	ledgerLogger.Infof("Policy %d: passenger '%s' insured flight %d for %d", id, passenger, flightID, value)
	return p, nil
}

// SetClaimed flips the claimed flag exactly once. This is the single gate
// preventing double payout.
func (l *FlightLedger) SetClaimed(insuranceID uint64) (*model.InsurancePolicy, error) {
	p, err := l.GetPolicy(insuranceID)
	if err != nil {
		return nil, err
	}
	if p.Claimed {
		return nil, fmt.Errorf("policy %d: %w", insuranceID, ErrAlreadyClaimed)
	}
	now, err := getCurrentTxTimestamp(l.Ctx)
	if err != nil {
		return nil, err
	}
	p.Claimed = true
	p.ClaimedAt = now
	if err := l.putPolicy(p); err != nil {
		return nil, err
	}
	return p, nil
}

// TotalInsuredValue returns the global outstanding insured-value accumulator.
func (l *FlightLedger) TotalInsuredValue() (uint64, error) {
	return readAccumulator(l.Ctx, accTotalInsuredValue)
}

// AdjustTotalInsuredValue applies a signed delta to the global accumulator,
// e.g. removing a policy's value once it has been claimed.
func (l *FlightLedger) AdjustTotalInsuredValue(delta int64) (uint64, error) {
	return adjustAccumulator(l.Ctx, accTotalInsuredValue, delta)
}
