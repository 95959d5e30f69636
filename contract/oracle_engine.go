package contract

import (
	"encoding/json"
	"fmt"
	"time"

	"skysurety/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/hyperledger/fabric/common/flogging"
)

var oracleLogger = flogging.MustGetLogger("skysurety.oracleengine")

// Object types for composite keys.
const (
	requestObjectType  = "OracleRequest"  // attribute: request ID
	responseObjectType = "OracleResponse" // attributes: request ID, oracle address
)

// oracleConsensusThreshold is the number of identical (departure, arrival)
// pairs required to accept an outcome. Matching whole pairs, not per-field
// majorities, prevents an outcome stitched together from mismatched partial
// reports.
const oracleConsensusThreshold = 3

// OracleEngine reconciles conflicting settlement reports into one accepted
// flight outcome. Each request is an independent voting round over the
// subset of oracles holding its target index.
type OracleEngine struct {
	Ctx      contractapi.TransactionContextInterface
	Registry *MembershipRegistry
	Ledger   *FlightLedger
}

// NewOracleEngine wires the engine to the oracle-role registry and the
// flight ledger for the current transaction.
func NewOracleEngine(ctx contractapi.TransactionContextInterface) *OracleEngine {
	return &OracleEngine{
		Ctx:      ctx,
		Registry: NewMembershipRegistry(ctx, model.RoleOracle),
		Ledger:   NewFlightLedger(ctx),
	}
}

func (e *OracleEngine) requestKey(id uint64) (string, error) {
	return e.Ctx.GetStub().CreateCompositeKey(requestObjectType, []string{fmt.Sprintf("%020d", id)})
}

func (e *OracleEngine) responseKey(requestID uint64, oracle string) (string, error) {
	return e.Ctx.GetStub().CreateCompositeKey(responseObjectType, []string{fmt.Sprintf("%020d", requestID), oracle})
}

// GetRequest loads one settlement request.
func (e *OracleEngine) GetRequest(id uint64) (*model.SettlementRequest, error) {
	key, err := e.requestKey(id)
	if err != nil {
		return nil, fmt.Errorf("failed to create request key %d: %w", id, err)
	}
	raw, err := e.Ctx.GetStub().GetState(key)
	if err != nil {
		return nil, fmt.Errorf("ledger error reading request %d: %w", id, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("settlement request %d: %w", id, ErrNotFound)
	}
	var r model.SettlementRequest
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request %d: %w", id, err)
	}
	return &r, nil
}

func (e *OracleEngine) putRequest(r *model.SettlementRequest) error {
	key, err := e.requestKey(r.ID)
	if err != nil {
		return fmt.Errorf("failed to create request key %d: %w", r.ID, err)
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal request %d: %w", r.ID, err)
	}
	if err := e.Ctx.GetStub().PutState(key, raw); err != nil {
		return fmt.Errorf("failed to save request %d: %w", r.ID, err)
	}
	return nil
}

// CreateRequest opens a settlement round for a flight. Only an activated
// oracle provider may open one. The target index is drawn pseudo-randomly
// with the same derivation as index assignment, so no trusted randomness
// source is needed. Multiple concurrent open requests for the same flight
// are allowed; an abandoned round simply stops accumulating responses.
func (e *OracleEngine) CreateRequest(requester string, flightID uint64) (*model.SettlementRequest, error) {
	activated, err := e.Registry.IsActivated(requester)
	if err != nil {
		return nil, err
	}
	if !activated {
		return nil, fmt.Errorf("requester '%s' is not an activated oracle provider: %w", requester, ErrUnauthorized)
	}
	flight, err := e.Ledger.GetFlight(flightID)
	if err != nil {
		return nil, err
	}

	now, err := getCurrentTxTimestamp(e.Ctx)
	if err != nil {
		return nil, err
	}
	id, err := nextCounter(e.Ctx, ctrRequests)
	if err != nil {
		return nil, err
	}
	r := &model.SettlementRequest{
		ObjectType:  requestObjectType,
		ID:          id,
		FlightID:    flightID,
		FlightRef:   flight.Ref,
		TargetIndex: deriveIndex(e.Ctx.GetStub().GetTxID(), requester, id, oracleIndexBound),
		Requester:   requester,
		State:       model.RequestOpen,
		CreatedAt:   now,
	}
	if err := e.putRequest(r); err != nil {
		return nil, err
	}
	oracleLogger.Infof("Settlement request %d opened for flight %d ('%s'), target index %d", id, flightID, flight.Ref, r.TargetIndex)
	return r, nil
}

// SubmitResponse appends one oracle's reported (departure, arrival) pair to
// an open request and tallies the round. Only oracles whose index triple
// contains the request's target index may respond, and only the first
// response per oracle counts. When a group of identical pairs reaches the
// acceptance threshold, the request transitions to Resolved, the late flag is
// computed from the accepted arrival against the schedule plus the authorized
// delay tolerance, and the accepted outcome is committed to the flight
// ledger; the updated flight is returned alongside the request. A response to
// an already-resolved request is a stale interaction and fails with
// ErrRequestNotOpen; racing submitters should treat that as an expected
// outcome, not a fault.
func (e *OracleEngine) SubmitResponse(oracle string, requestID uint64, actualDeparture, actualArrival time.Time, delayTolerance time.Duration) (*model.SettlementRequest, *model.Flight, error) {
	req, err := e.GetRequest(requestID)
	if err != nil {
		return nil, nil, err
	}
	if req.State != model.RequestOpen {
		return nil, nil, fmt.Errorf("settlement request %d is %s: %w", requestID, req.State, ErrRequestNotOpen)
	}

	provider, err := e.Registry.GetProvider(oracle)
	if err != nil {
		return nil, nil, err
	}
	if !provider.Activated {
		return nil, nil, fmt.Errorf("oracle '%s' is not activated: %w", oracle, ErrUnauthorized)
	}
	if !provider.HoldsIndex(req.TargetIndex) {
		return nil, nil, fmt.Errorf("oracle '%s' does not hold target index %d (has %v): %w", oracle, req.TargetIndex, provider.Indexes, ErrUnauthorized)
	}

	respKey, err := e.responseKey(requestID, oracle)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create response key %d/'%s': %w", requestID, oracle, err)
	}
	existing, err := e.Ctx.GetStub().GetState(respKey)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger error checking response %d/'%s': %w", requestID, oracle, err)
	}
	if existing != nil {
		return nil, nil, fmt.Errorf("oracle '%s' already responded to request %d: %w", oracle, requestID, ErrAlreadyVoted)
	}

	now, err := getCurrentTxTimestamp(e.Ctx)
	if err != nil {
		return nil, nil, err
	}
	resp := &model.SettlementResponse{
		ObjectType:      responseObjectType,
		RequestID:       requestID,
		Oracle:          oracle,
		ActualDeparture: actualDeparture,
		ActualArrival:   actualArrival,
		RespondedAt:     now,
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal response %d/'%s': %w", requestID, oracle, err)
	}
	if err := e.Ctx.GetStub().PutState(respKey, raw); err != nil {
		return nil, nil, fmt.Errorf("failed to save response %d/'%s': %w", requestID, oracle, err)
	}

	// The submitted pair counts once, locally. Stored responses come from
	// the committed snapshot, which never holds this transaction's write;
	// the submitter's own key is skipped so the count is the same on any
	// state backend.
	matching, err := e.countMatchingResponses(requestID, oracle, actualDeparture, actualArrival)
	if err != nil {
		return nil, nil, err
	}
	matching++
	if matching < oracleConsensusThreshold {
		oracleLogger.Debugf("Request %d: %d of %d matching responses for pair (%s, %s)",
			requestID, matching, oracleConsensusThreshold, actualDeparture.Format(time.RFC3339), actualArrival.Format(time.RFC3339))
		return req, nil, nil
	}

	// Threshold reached: commit the accepted outcome and close the round.
	flight, err := e.Ledger.GetFlight(req.FlightID)
	if err != nil {
		return nil, nil, err
	}
	isLate := actualArrival.After(flight.ScheduledArrival.Add(delayTolerance))
	flight, err = e.Ledger.UpdateFlight(flight, actualDeparture, actualArrival, isLate)
	if err != nil {
		return nil, nil, err
	}
	req.State = model.RequestResolved
	req.ResolvedAt = now
	if err := e.putRequest(req); err != nil {
		return nil, nil, err
	}
	oracleLogger.Infof("Request %d resolved for flight %d: accepted arrival %s, late=%v (%d matching responses)",
		requestID, req.FlightID, actualArrival.Format(time.RFC3339), isLate, matching)
	return req, flight, nil
}

// countMatchingResponses counts stored responses for a request whose
// (departure, arrival) pair equals the given pair, excluding the named
// oracle's own record. Responses are grouped by identical pairs; arrival
// order does not matter, so the resolved outcome is the same for any
// permutation of the same response set.
func (e *OracleEngine) countMatchingResponses(requestID uint64, submitter string, departure, arrival time.Time) (int, error) {
	responses, err := e.ListResponses(requestID)
	if err != nil {
		return 0, err
	}
	matching := 0
	for _, r := range responses {
		if r.Oracle == submitter {
			continue
		}
		if r.ActualDeparture.Equal(departure) && r.ActualArrival.Equal(arrival) {
			matching++
		}
	}
	return matching, nil
}

// ListResponses returns every stored response for a request, including
// responses from rounds that never reached consensus. Responses are retained
// and never overwritten.
func (e *OracleEngine) ListResponses(requestID uint64) ([]model.SettlementResponse, error) {
	iterator, err := e.Ctx.GetStub().GetStateByPartialCompositeKey(responseObjectType, []string{fmt.Sprintf("%020d", requestID)})
	if err != nil {
		return nil, fmt.Errorf("failed to get responses iterator for request %d: %w", requestID, err)
	}
	defer iterator.Close()

	responses := []model.SettlementResponse{}
	for iterator.HasNext() {
		kv, iterErr := iterator.Next()
		if iterErr != nil {
			oracleLogger.Warningf("Failed to get next response for request %d: %v. Skipping.", requestID, iterErr)
			continue
		}
		var r model.SettlementResponse
		if err := json.Unmarshal(kv.Value, &r); err != nil {
			oracleLogger.Warningf("Failed to unmarshal response at key '%s': %v. Skipping.", kv.Key, err)
			continue
		}
		responses = append(responses, r)
	}
	return responses, nil
}
