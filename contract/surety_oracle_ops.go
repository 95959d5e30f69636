package contract

import (
	"fmt"
	"time"

	"skysurety/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
)

// --- Lifecycle: Oracle Operations ---

// RegisterOracle self-registers the caller as a flight-data oracle. The
// exact oracle registration fee must accompany the call; it joins the pool.
// Registration, funding-triggered activation and index assignment happen in
// one transaction, so an oracle is never observable in a half-initialized
// state.
func (s *SkysuretySmartContract) RegisterOracle(ctx contractapi.TransactionContextInterface, fee uint64) ([]int, error) {
	caller, err := getCallerAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("RegisterOracle: %w", err)
	}
	settings, err := s.requireOperational(ctx)
	if err != nil {
		return nil, fmt.Errorf("RegisterOracle: %w", err)
	}
	if fee != settings.OracleFee {
		return nil, fmt.Errorf("RegisterOracle: fee %d does not match oracle registration fee %d: %w", fee, settings.OracleFee, ErrIncorrectFee)
	}

	// The record flows through register, fund and index assignment in
	// memory; re-reading it would hit the committed snapshot, which does
	// not hold this transaction's writes.
	registry := NewMembershipRegistry(ctx, model.RoleOracle)
	p, err := registry.Register(caller, caller)
	if err != nil {
		return nil, fmt.Errorf("RegisterOracle: %w", err)
	}
	if err := registry.FundProvider(p, fee, settings.OracleFee); err != nil {
		return nil, fmt.Errorf("RegisterOracle: %w", err)
	}
	if _, err := adjustAccumulator(ctx, accPoolFunds, int64(fee)); err != nil {
		return nil, fmt.Errorf("RegisterOracle: %w", err)
	}
	indexes, err := registry.AssignIndexes(p)
	if err != nil {
		return nil, fmt.Errorf("RegisterOracle: %w", err)
	}

	// One fact per transaction; activation folds into the registration fact.
	if err := emitFact(ctx, "ProviderRegistered", map[string]interface{}{
		"role":              string(model.RoleOracle),
		"address":           caller,
		"registeredBy":      caller,
		"registrationOrder": p.RegistrationOrder,
		"indexes":           indexes,
		"activated":         true,
		"trigger":           "funding",
	}); err != nil {
		return nil, err
	}
	return indexes, nil
}

// GetMyIndexes returns the calling oracle's index triple.
func (s *SkysuretySmartContract) GetMyIndexes(ctx contractapi.TransactionContextInterface) ([]int, error) {
	caller, err := getCallerAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("GetMyIndexes: %w", err)
	}
	p, err := NewMembershipRegistry(ctx, model.RoleOracle).GetProvider(caller)
	if err != nil {
		return nil, fmt.Errorf("GetMyIndexes: %w", err)
	}
	return p.Indexes, nil
}

// RenounceOracle soft-removes the calling oracle provider.
func (s *SkysuretySmartContract) RenounceOracle(ctx contractapi.TransactionContextInterface) error {
	caller, err := getCallerAddress(ctx)
	if err != nil {
		return fmt.Errorf("RenounceOracle: %w", err)
	}
	p, err := NewMembershipRegistry(ctx, model.RoleOracle).Renounce(caller)
	if err != nil {
		return fmt.Errorf("RenounceOracle: %w", err)
	}
	return emitFact(ctx, "ProviderRenounced", map[string]interface{}{
		"role":    string(p.Role),
		"address": caller,
	})
}

// RequestFlightSettlement opens a settlement round for a flight. The caller
// must be an activated oracle; the off-chain scheduler invokes this through
// an oracle identity it controls. Only oracles holding the drawn target
// index may respond to the round.
func (s *SkysuretySmartContract) RequestFlightSettlement(ctx contractapi.TransactionContextInterface, flightID uint64) (*model.SettlementRequest, error) {
	caller, err := getCallerAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("RequestFlightSettlement: %w", err)
	}
	if _, err := s.requireOperational(ctx); err != nil {
		return nil, fmt.Errorf("RequestFlightSettlement: %w", err)
	}

	req, err := NewOracleEngine(ctx).CreateRequest(caller, flightID)
	if err != nil {
		return nil, fmt.Errorf("RequestFlightSettlement: %w", err)
	}
	if err := emitFact(ctx, "SettlementRequested", map[string]interface{}{
		"requestId":   req.ID,
		"flightId":    req.FlightID,
		"flightRef":   req.FlightRef,
		"targetIndex": req.TargetIndex,
		"requester":   caller,
	}); err != nil {
		return nil, err
	}
	return req, nil
}

// SubmitSettlementResponse reports a flight's actual (departure, arrival)
// pair for an open settlement request. Timestamps are RFC3339. When the
// response completes a group of three identical pairs, the round resolves
// and the accepted outcome is committed to the flight. One fact per
// transaction: a resolving response emits SettlementResolved carrying the
// accepted outcome, any other response emits SettlementResponded.
func (s *SkysuretySmartContract) SubmitSettlementResponse(ctx contractapi.TransactionContextInterface,
	requestID uint64, actualDeparture, actualArrival string) error {

	caller, err := getCallerAddress(ctx)
	if err != nil {
		return fmt.Errorf("SubmitSettlementResponse: %w", err)
	}
	settings, err := s.requireOperational(ctx)
	if err != nil {
		return fmt.Errorf("SubmitSettlementResponse: %w", err)
	}
	dep, err := parseTimestampString(actualDeparture, "actualDeparture")
	if err != nil {
		return err
	}
	arr, err := parseTimestampString(actualArrival, "actualArrival")
	if err != nil {
		return err
	}

	tolerance := time.Duration(settings.DelayToleranceMinutes) * time.Minute
	req, flight, err := NewOracleEngine(ctx).SubmitResponse(caller, requestID, dep, arr, tolerance)
	if err != nil {
		return fmt.Errorf("SubmitSettlementResponse: %w", err)
	}

	if req.State == model.RequestResolved {
		return emitFact(ctx, "SettlementResolved", map[string]interface{}{
			"requestId":       requestID,
			"flightId":        req.FlightID,
			"oracle":          caller,
			"actualDeparture": flight.ActualDeparture,
			"actualArrival":   flight.ActualArrival,
			"late":            flight.Late,
		})
	}
	return emitFact(ctx, "SettlementResponded", map[string]interface{}{
		"requestId":       requestID,
		"oracle":          caller,
		"actualDeparture": dep,
		"actualArrival":   arr,
	})
}
