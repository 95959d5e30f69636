package contract

import (
	"encoding/json"
	"fmt"

	"skysurety/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/hyperledger/fabric/common/flogging"
)

var regLogger = flogging.MustGetLogger("skysurety.membership")

// providerObjectType is used for composite keys. Attributes: role, address.
const providerObjectType = "Provider"

// oracleIndexBound is the exclusive upper bound of the index range oracles
// draw from. Duplicate indexes within a triple are permitted; that mirrors
// real-world load distribution and is accepted behavior.
const oracleIndexBound = 10

// MembershipRegistry manages one provider role's registration, activation
// voting and index assignment. Two parallel instances exist: one per
// model.ProviderRole. Caller authorization (token-holder checks, admin
// checks) is owned by the contract, not by this component.
type MembershipRegistry struct {
	Ctx  contractapi.TransactionContextInterface
	Role model.ProviderRole
}

// NewMembershipRegistry creates a registry instance bound to one role.
func NewMembershipRegistry(ctx contractapi.TransactionContextInterface, role model.ProviderRole) *MembershipRegistry {
	return &MembershipRegistry{Ctx: ctx, Role: role}
}

func (r *MembershipRegistry) registeredCounterName() string {
	return fmt.Sprintf("providers:%s:registered", r.Role)
}

func (r *MembershipRegistry) activatedCounterName() string {
	return fmt.Sprintf("providers:%s:activated", r.Role)
}

func (r *MembershipRegistry) providerKey(address string) (string, error) {
	return r.Ctx.GetStub().CreateCompositeKey(providerObjectType, []string{string(r.Role), address})
}

// GetProvider loads one provider record, wrapping ErrNotFound when absent.
func (r *MembershipRegistry) GetProvider(address string) (*model.ProviderInfo, error) {
	key, err := r.providerKey(address)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider key for '%s': %w", address, err)
	}
	raw, err := r.Ctx.GetStub().GetState(key)
	if err != nil {
		return nil, fmt.Errorf("ledger error reading provider '%s': %w", address, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%s provider '%s': %w", r.Role, address, ErrNotFound)
	}
	var p model.ProviderInfo
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal provider '%s': %w", address, err)
	}
	return &p, nil
}

func (r *MembershipRegistry) putProvider(p *model.ProviderInfo) error {
	key, err := r.providerKey(p.Address)
	if err != nil {
		return fmt.Errorf("failed to create provider key for '%s': %w", p.Address, err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal provider '%s': %w", p.Address, err)
	}
	if err := r.Ctx.GetStub().PutState(key, raw); err != nil {
		return fmt.Errorf("failed to save provider '%s': %w", p.Address, err)
	}
	return nil
}

// Register creates a pending provider record. Registration succeeds before
// activation; registering the same address twice fails with
// ErrAlreadyRegistered. Renounced providers keep their record and cannot
// re-register under the same address.
func (r *MembershipRegistry) Register(address, registeredBy string) (*model.ProviderInfo, error) {
	key, err := r.providerKey(address)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider key for '%s': %w", address, err)
	}
	existing, err := r.Ctx.GetStub().GetState(key)
	if err != nil {
		return nil, fmt.Errorf("ledger error checking provider '%s': %w", address, err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%s provider '%s': %w", r.Role, address, ErrAlreadyRegistered)
	}

	now, err := getCurrentTxTimestamp(r.Ctx)
	if err != nil {
		return nil, err
	}
	order, err := nextCounter(r.Ctx, r.registeredCounterName())
	if err != nil {
		return nil, err
	}

	p := &model.ProviderInfo{
		ObjectType:        providerObjectType,
		Role:              r.Role,
		Address:           address,
		Registered:        true,
		Voters:            map[string]bool{},
		RegistrationOrder: order,
		Indexes:           []int{},
		RegisteredBy:      registeredBy,
		RegisteredAt:      now,
		LastUpdatedAt:     now,
	}
	if err := r.putProvider(p); err != nil {
		return nil, err
	}
	regLogger.Infof("Registered %s provider '%s' (order %d) by '%s'", r.Role, address, order, registeredBy)
	return p, nil
}

// Vote records one activation vote. If the affirmative count reaches 50% of
// holderCount the votee is activated atomically in the same operation; there
// is no separate finalize step, so no window exists between "vote recorded"
// and "activation pending".
func (r *MembershipRegistry) Vote(voter, votee string, holderCount int) (*model.ProviderInfo, error) {
	p, err := r.GetProvider(votee)
	if err != nil {
		return nil, err
	}
	if p.Activated {
		return nil, fmt.Errorf("%s provider '%s': %w", r.Role, votee, ErrAlreadyActivated)
	}
	if p.Voters[voter] {
		return nil, fmt.Errorf("voter '%s' on %s provider '%s': %w", voter, r.Role, votee, ErrAlreadyVoted)
	}

	now, err := getCurrentTxTimestamp(r.Ctx)
	if err != nil {
		return nil, err
	}
	p.Voters[voter] = true
	p.VoteCount++
	p.LastUpdatedAt = now

	if holderCount > 0 && p.VoteCount*2 >= holderCount {
		if err := r.activate(p); err != nil {
			return nil, err
		}
		regLogger.Infof("%s provider '%s' activated by vote (%d of %d holders)", r.Role, votee, p.VoteCount, holderCount)
	}
	if err := r.putProvider(p); err != nil {
		return nil, err
	}
	return p, nil
}

// FundProvider credits funding toward activation on an already-loaded record
// and persists it. When the cumulative funded amount reaches requiredAmount
// the provider is activated in the same operation. The record is passed in
// rather than re-read: a transaction reads only the committed snapshot, never
// its own writes, so registration and funding can share one transaction.
// Fee validation (exact-amount rules) is the contract's responsibility.
func (r *MembershipRegistry) FundProvider(p *model.ProviderInfo, amount, requiredAmount uint64) error {
	now, err := getCurrentTxTimestamp(r.Ctx)
	if err != nil {
		return err
	}
	p.FundedAmount += amount
	p.LastUpdatedAt = now
	if !p.Activated && p.FundedAmount >= requiredAmount {
		if err := r.activate(p); err != nil {
			return err
		}
		regLogger.Infof("%s provider '%s' activated by funding (%d)", r.Role, p.Address, p.FundedAmount)
	}
	return r.putProvider(p)
}

// activate flips the activation flag exactly once and bumps the activated
// count. Callers persist the record.
func (r *MembershipRegistry) activate(p *model.ProviderInfo) error {
	if p.Activated {
		return fmt.Errorf("%s provider '%s': %w", r.Role, p.Address, ErrAlreadyActivated)
	}
	now, err := getCurrentTxTimestamp(r.Ctx)
	if err != nil {
		return err
	}
	p.Activated = true
	p.ActivatedAt = now
	p.LastUpdatedAt = now
	if _, err := nextCounter(r.Ctx, r.activatedCounterName()); err != nil {
		return err
	}
	return nil
}

// AssignIndexes draws the oracle's three-index triple, deterministically from
// (transaction ID, address, registration order + slot), onto an
// already-loaded record and persists it. Indexes are drawn once and immutable
// afterward. Record-passing for the same reason as FundProvider: assignment
// runs in the registration transaction, before the record is committed.
func (r *MembershipRegistry) AssignIndexes(p *model.ProviderInfo) ([]int, error) {
	if r.Role != model.RoleOracle {
		return nil, fmt.Errorf("index assignment applies to the %s role only", model.RoleOracle)
	}
	if len(p.Indexes) > 0 {
		return nil, fmt.Errorf("indexes for oracle '%s' already assigned: %w", p.Address, ErrAlreadyRegistered)
	}
	now, err := getCurrentTxTimestamp(r.Ctx)
	if err != nil {
		return nil, err
	}
	txID := r.Ctx.GetStub().GetTxID()
	indexes := make([]int, model.IndexesPerOracle)
	for i := range indexes {
		indexes[i] = deriveIndex(txID, p.Address, p.RegistrationOrder+uint64(i), oracleIndexBound)
	}
	p.Indexes = indexes
	p.LastUpdatedAt = now
	if err := r.putProvider(p); err != nil {
		return nil, err
	}
	regLogger.Infof("Oracle '%s' assigned indexes %v", p.Address, indexes)
	return indexes, nil
}

// Renounce soft-removes a provider: the record and its vote history stay on
// the ledger, but the provider is no longer activated.
func (r *MembershipRegistry) Renounce(address string) (*model.ProviderInfo, error) {
	p, err := r.GetProvider(address)
	if err != nil {
		return nil, err
	}
	if p.Renounced {
		return nil, fmt.Errorf("%s provider '%s' already renounced: %w", r.Role, address, ErrAlreadyRegistered)
	}
	now, err := getCurrentTxTimestamp(r.Ctx)
	if err != nil {
		return nil, err
	}
	wasActivated := p.Activated
	p.Renounced = true
	p.Activated = false
	p.LastUpdatedAt = now
	if wasActivated {
		count, err := readCounter(r.Ctx, r.activatedCounterName())
		if err != nil {
			return nil, err
		}
		if count > 0 {
			if err := writeCounter(r.Ctx, r.activatedCounterName(), count-1); err != nil {
				return nil, err
			}
		}
	}
	if err := r.putProvider(p); err != nil {
		return nil, err
	}
	regLogger.Infof("%s provider '%s' renounced membership", r.Role, address)
	return p, nil
}

// IsRegistered reports whether an address holds a provider record.
func (r *MembershipRegistry) IsRegistered(address string) (bool, error) {
	key, err := r.providerKey(address)
	if err != nil {
		return false, fmt.Errorf("failed to create provider key for '%s': %w", address, err)
	}
	raw, err := r.Ctx.GetStub().GetState(key)
	if err != nil {
		return false, fmt.Errorf("ledger error checking provider '%s': %w", address, err)
	}
	return raw != nil, nil
}

// IsActivated reports whether a provider is currently operational.
// Unregistered addresses are simply not activated.
func (r *MembershipRegistry) IsActivated(address string) (bool, error) {
	p, err := r.GetProvider(address)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return p.Activated, nil
}

// RegisteredCount returns the number of providers ever registered for this role.
func (r *MembershipRegistry) RegisteredCount() (uint64, error) {
	return readCounter(r.Ctx, r.registeredCounterName())
}

// ActivatedCount returns the number of currently activated providers.
func (r *MembershipRegistry) ActivatedCount() (uint64, error) {
	return readCounter(r.Ctx, r.activatedCounterName())
}
