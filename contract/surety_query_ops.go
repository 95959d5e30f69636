package contract

import (
	"encoding/json"
	"fmt"

	"skysurety/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
)

// --- Queries ---
//
// Flights are public: passengers need to see what is on sale before buying.
// Provider records, proposals and oracle rounds are internal bookkeeping and
// go through the read allow-list. Policies are visible to their owner.

// GetFlight returns one flight record.
func (s *SkysuretySmartContract) GetFlight(ctx contractapi.TransactionContextInterface, flightID uint64) (*model.Flight, error) {
	return NewFlightLedger(ctx).GetFlight(flightID)
}

// ListFlights returns every registered flight in ID order.
func (s *SkysuretySmartContract) ListFlights(ctx contractapi.TransactionContextInterface) ([]model.Flight, error) {
	iterator, err := ctx.GetStub().GetStateByPartialCompositeKey(flightObjectType, []string{})
	if err != nil {
		return nil, fmt.Errorf("ListFlights: failed to get flights iterator: %w", err)
	}
	defer iterator.Close()

	flights := []model.Flight{}
	for iterator.HasNext() {
		kv, iterErr := iterator.Next()
		if iterErr != nil {
			logger.Warningf("ListFlights: failed to get next flight: %v. Skipping.", iterErr)
			continue
		}
		var f model.Flight
		if err := json.Unmarshal(kv.Value, &f); err != nil {
			logger.Warningf("ListFlights: failed to unmarshal flight at key '%s': %v. Skipping.", kv.Key, err)
			continue
		}
		flights = append(flights, f)
	}
	return flights, nil
}

// GetPolicy returns one policy record. The policy owner may always read it;
// anyone else must be on the read allow-list.
func (s *SkysuretySmartContract) GetPolicy(ctx contractapi.TransactionContextInterface, insuranceID uint64) (*model.InsurancePolicy, error) {
	caller, err := getCallerAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("GetPolicy: %w", err)
	}
	p, err := NewFlightLedger(ctx).GetPolicy(insuranceID)
	if err != nil {
		return nil, fmt.Errorf("GetPolicy: %w", err)
	}
	if p.Passenger != caller {
		if _, err := s.requireAuthorizedReader(ctx); err != nil {
			return nil, fmt.Errorf("GetPolicy: %w", err)
		}
	}
	return p, nil
}

// GetMyPolicies returns every policy owned by the caller.
func (s *SkysuretySmartContract) GetMyPolicies(ctx contractapi.TransactionContextInterface) ([]model.InsurancePolicy, error) {
	caller, err := getCallerAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("GetMyPolicies: %w", err)
	}
	iterator, err := ctx.GetStub().GetStateByPartialCompositeKey(policyObjectType, []string{})
	if err != nil {
		return nil, fmt.Errorf("GetMyPolicies: failed to get policies iterator: %w", err)
	}
	defer iterator.Close()

	policies := []model.InsurancePolicy{}
	for iterator.HasNext() {
		kv, iterErr := iterator.Next()
		if iterErr != nil {
			logger.Warningf("GetMyPolicies: failed to get next policy: %v. Skipping.", iterErr)
			continue
		}
		var p model.InsurancePolicy
		if err := json.Unmarshal(kv.Value, &p); err != nil {
			logger.Warningf("GetMyPolicies: failed to unmarshal policy at key '%s': %v. Skipping.", kv.Key, err)
			continue
		}
		if p.Passenger == caller {
			policies = append(policies, p)
		}
	}
	return policies, nil
}

// GetProvider returns one provider record for a role. Allow-listed readers
// only; providers read their own record through the role-specific accessors.
func (s *SkysuretySmartContract) GetProvider(ctx contractapi.TransactionContextInterface, role, address string) (*model.ProviderInfo, error) {
	if _, err := s.requireAuthorizedReader(ctx); err != nil {
		return nil, fmt.Errorf("GetProvider: %w", err)
	}
	r, err := parseProviderRole(role)
	if err != nil {
		return nil, err
	}
	return NewMembershipRegistry(ctx, r).GetProvider(address)
}

// GetRegisteredCount returns the lifetime registration count for a role.
func (s *SkysuretySmartContract) GetRegisteredCount(ctx contractapi.TransactionContextInterface, role string) (uint64, error) {
	if _, err := s.requireAuthorizedReader(ctx); err != nil {
		return 0, fmt.Errorf("GetRegisteredCount: %w", err)
	}
	r, err := parseProviderRole(role)
	if err != nil {
		return 0, err
	}
	return NewMembershipRegistry(ctx, r).RegisteredCount()
}

// GetActivatedCount returns the currently active provider count for a role.
func (s *SkysuretySmartContract) GetActivatedCount(ctx contractapi.TransactionContextInterface, role string) (uint64, error) {
	if _, err := s.requireAuthorizedReader(ctx); err != nil {
		return 0, fmt.Errorf("GetActivatedCount: %w", err)
	}
	r, err := parseProviderRole(role)
	if err != nil {
		return 0, err
	}
	return NewMembershipRegistry(ctx, r).ActivatedCount()
}

// GetSettlementRequest returns one settlement round. Allow-listed readers only.
func (s *SkysuretySmartContract) GetSettlementRequest(ctx contractapi.TransactionContextInterface, requestID uint64) (*model.SettlementRequest, error) {
	if _, err := s.requireAuthorizedReader(ctx); err != nil {
		return nil, fmt.Errorf("GetSettlementRequest: %w", err)
	}
	return NewOracleEngine(ctx).GetRequest(requestID)
}

// ListSettlementResponses returns every response recorded for a settlement
// round, accepted or not. Allow-listed readers only.
func (s *SkysuretySmartContract) ListSettlementResponses(ctx contractapi.TransactionContextInterface, requestID uint64) ([]model.SettlementResponse, error) {
	if _, err := s.requireAuthorizedReader(ctx); err != nil {
		return nil, fmt.Errorf("ListSettlementResponses: %w", err)
	}
	return NewOracleEngine(ctx).ListResponses(requestID)
}

// GetPoolFunds returns the pooled funds balance. Allow-listed readers only.
func (s *SkysuretySmartContract) GetPoolFunds(ctx contractapi.TransactionContextInterface) (uint64, error) {
	if _, err := s.requireAuthorizedReader(ctx); err != nil {
		return 0, fmt.Errorf("GetPoolFunds: %w", err)
	}
	return readAccumulator(ctx, accPoolFunds)
}

// GetTotalInsuredValue returns the outstanding insured-value accumulator.
// Allow-listed readers only.
func (s *SkysuretySmartContract) GetTotalInsuredValue(ctx contractapi.TransactionContextInterface) (uint64, error) {
	if _, err := s.requireAuthorizedReader(ctx); err != nil {
		return 0, fmt.Errorf("GetTotalInsuredValue: %w", err)
	}
	return NewFlightLedger(ctx).TotalInsuredValue()
}
