package contract

import (
	"fmt"

	"skysurety/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/hyperledger/fabric/common/flogging"
)

var logger = flogging.MustGetLogger("skysurety.contract")

// Object types for composite keys owned by the contract layer.
const (
	adminFlagObjectType = "AdminFlag" // attribute: address
	authzFlagObjectType = "AuthzFlag" // attribute: address
)

// SkysuretySmartContract is the orchestrator of the flight-delay insurance
// cooperative. It is the sole entry point for end users and for the off-chain
// settlement trigger: it composes the membership registries, the settings
// registries, the flight ledger, the oracle engine and the share ledger, and
// owns every cross-component authorization and monetary gate.
// @contract:SkysuretySmartContract
type SkysuretySmartContract struct {
	contractapi.Contract
}

// Instantiate is called during chaincode instantiation.
func (s *SkysuretySmartContract) Instantiate(ctx contractapi.TransactionContextInterface) {
	logger.Info("SkysuretySmartContract Instantiated/Upgraded")
}

// Bootstrap initializes the cooperative exactly once: the caller becomes the
// first admin and the first activated insurer, receives one share so the
// quorum population is never empty, and the initial settings and pool seed
// are written. Re-running it is rejected.
func (s *SkysuretySmartContract) Bootstrap(ctx contractapi.TransactionContextInterface,
	membershipFee, oracleFee, coverageRatio, delayToleranceMinutes, maxPolicyValue, initialFunds uint64) error {

	anyAdmin, err := s.anyAdminExists(ctx)
	if err != nil {
		return fmt.Errorf("Bootstrap: failed to check for existing admins: %w", err)
	}
	if anyAdmin {
		return fmt.Errorf("Bootstrap: ledger already bootstrapped")
	}
	if coverageRatio == 0 {
		return fmt.Errorf("Bootstrap: coverageRatio must be positive (scaled x100)")
	}

	caller, err := getCallerAddress(ctx)
	if err != nil {
		return fmt.Errorf("Bootstrap: %w", err)
	}
	now, err := getCurrentTxTimestamp(ctx)
	if err != nil {
		return fmt.Errorf("Bootstrap: %w", err)
	}

	adminKey, err := ctx.GetStub().CreateCompositeKey(adminFlagObjectType, []string{caller})
	if err != nil {
		return fmt.Errorf("Bootstrap: failed to create admin flag key: %w", err)
	}
	if err := ctx.GetStub().PutState(adminKey, []byte("true")); err != nil {
		return fmt.Errorf("Bootstrap: failed to set admin flag for '%s': %w", caller, err)
	}

	settings := &model.Settings{
		ObjectType:            settingsObjectType,
		Operational:           true,
		MembershipFee:         membershipFee,
		OracleFee:             oracleFee,
		CoverageRatio:         coverageRatio,
		DelayToleranceMinutes: delayToleranceMinutes,
		MaxPolicyValue:        maxPolicyValue,
		LastUpdatedAt:         now,
	}
	if err := saveSettings(ctx, settings); err != nil {
		return fmt.Errorf("Bootstrap: %w", err)
	}
	if err := writeAccumulator(ctx, accPoolFunds, initialFunds); err != nil {
		return fmt.Errorf("Bootstrap: %w", err)
	}

	// First insurer: registered and funding-activated by the seed funds, so
	// the cooperative starts with one operational member able to register
	// flights and sponsor further registrations. The in-memory record flows
	// from Register into FundProvider; reading it back would hit the
	// committed snapshot, which does not hold this transaction's writes.
	registry := NewMembershipRegistry(ctx, model.RoleInsurer)
	first, err := registry.Register(caller, caller)
	if err != nil {
		return fmt.Errorf("Bootstrap: failed to register first insurer: %w", err)
	}
	if err := registry.FundProvider(first, initialFunds, membershipFee); err != nil {
		return fmt.Errorf("Bootstrap: failed to fund first insurer: %w", err)
	}
	if _, err := NewShareLedger(ctx).Issue(caller, 1); err != nil {
		return fmt.Errorf("Bootstrap: failed to issue bootstrap share: %w", err)
	}

	if err := emitFact(ctx, "LedgerBootstrapped", map[string]interface{}{
		"admin":         caller,
		"membershipFee": membershipFee,
		"oracleFee":     oracleFee,
		"coverageRatio": coverageRatio,
		"initialFunds":  initialFunds,
	}); err != nil {
		return err
	}
	logger.Infof("Ledger bootstrapped by '%s': fee=%d oracleFee=%d ratio=%d funds=%d", caller, membershipFee, oracleFee, coverageRatio, initialFunds)
	return nil
}

// --- Admin and allow-list management ---

func (s *SkysuretySmartContract) anyAdminExists(ctx contractapi.TransactionContextInterface) (bool, error) {
	iterator, err := ctx.GetStub().GetStateByPartialCompositeKey(adminFlagObjectType, []string{})
	if err != nil {
		return false, fmt.Errorf("failed to query admin flags: %w", err)
	}
	defer iterator.Close()
	return iterator.HasNext(), nil
}

func (s *SkysuretySmartContract) isAdmin(ctx contractapi.TransactionContextInterface, address string) (bool, error) {
	key, err := ctx.GetStub().CreateCompositeKey(adminFlagObjectType, []string{address})
	if err != nil {
		return false, fmt.Errorf("failed to create admin flag key for '%s': %w", address, err)
	}
	raw, err := ctx.GetStub().GetState(key)
	if err != nil {
		return false, fmt.Errorf("ledger error checking admin flag for '%s': %w", address, err)
	}
	return raw != nil && string(raw) == "true", nil
}

// requireAdmin rejects callers without the admin flag.
func (s *SkysuretySmartContract) requireAdmin(ctx contractapi.TransactionContextInterface) (string, error) {
	caller, err := getCallerAddress(ctx)
	if err != nil {
		return "", err
	}
	isAdmin, err := s.isAdmin(ctx, caller)
	if err != nil {
		return "", err
	}
	if !isAdmin {
		return "", fmt.Errorf("caller '%s' is not an admin: %w", caller, ErrUnauthorized)
	}
	return caller, nil
}

// MakeAdmin grants the admin flag to another identity. Admin only.
func (s *SkysuretySmartContract) MakeAdmin(ctx contractapi.TransactionContextInterface, address string) error {
	caller, err := s.requireAdmin(ctx)
	if err != nil {
		return fmt.Errorf("MakeAdmin: %w", err)
	}
	if err := validateRequiredString(address, "address"); err != nil {
		return err
	}
	key, err := ctx.GetStub().CreateCompositeKey(adminFlagObjectType, []string{address})
	if err != nil {
		return fmt.Errorf("MakeAdmin: failed to create admin flag key: %w", err)
	}
	if err := ctx.GetStub().PutState(key, []byte("true")); err != nil {
		return fmt.Errorf("MakeAdmin: failed to set admin flag for '%s': %w", address, err)
	}
	logger.Infof("Identity '%s' made admin by '%s'", address, caller)
	return nil
}

// AuthorizeCaller adds an identity to the read-accessor allow-list. The
// components trust only their directly authorized caller set; external
// collaborators consume the fact stream instead and are never added here.
func (s *SkysuretySmartContract) AuthorizeCaller(ctx contractapi.TransactionContextInterface, address string) error {
	caller, err := s.requireAdmin(ctx)
	if err != nil {
		return fmt.Errorf("AuthorizeCaller: %w", err)
	}
	if err := validateRequiredString(address, "address"); err != nil {
		return err
	}
	key, err := ctx.GetStub().CreateCompositeKey(authzFlagObjectType, []string{address})
	if err != nil {
		return fmt.Errorf("AuthorizeCaller: failed to create authz flag key: %w", err)
	}
	if err := ctx.GetStub().PutState(key, []byte("true")); err != nil {
		return fmt.Errorf("AuthorizeCaller: failed to set authz flag for '%s': %w", address, err)
	}
	logger.Infof("Caller '%s' authorized by admin '%s'", address, caller)
	return nil
}

// DeauthorizeCaller removes an identity from the allow-list.
func (s *SkysuretySmartContract) DeauthorizeCaller(ctx contractapi.TransactionContextInterface, address string) error {
	caller, err := s.requireAdmin(ctx)
	if err != nil {
		return fmt.Errorf("DeauthorizeCaller: %w", err)
	}
	key, err := ctx.GetStub().CreateCompositeKey(authzFlagObjectType, []string{address})
	if err != nil {
		return fmt.Errorf("DeauthorizeCaller: failed to create authz flag key: %w", err)
	}
	if err := ctx.GetStub().DelState(key); err != nil {
		return fmt.Errorf("DeauthorizeCaller: failed to clear authz flag for '%s': %w", address, err)
	}
	logger.Infof("Caller '%s' deauthorized by admin '%s'", address, caller)
	return nil
}

// IsCallerAuthorized reports whether an identity is on the allow-list.
func (s *SkysuretySmartContract) IsCallerAuthorized(ctx contractapi.TransactionContextInterface, address string) (bool, error) {
	key, err := ctx.GetStub().CreateCompositeKey(authzFlagObjectType, []string{address})
	if err != nil {
		return false, fmt.Errorf("IsCallerAuthorized: failed to create authz flag key: %w", err)
	}
	raw, err := ctx.GetStub().GetState(key)
	if err != nil {
		return false, fmt.Errorf("IsCallerAuthorized: ledger error for '%s': %w", address, err)
	}
	return raw != nil && string(raw) == "true", nil
}

// requireAuthorizedReader gates component read accessors: admins and
// explicitly authorized callers only.
func (s *SkysuretySmartContract) requireAuthorizedReader(ctx contractapi.TransactionContextInterface) (string, error) {
	caller, err := getCallerAddress(ctx)
	if err != nil {
		return "", err
	}
	isAdmin, err := s.isAdmin(ctx, caller)
	if err != nil {
		return "", err
	}
	if isAdmin {
		return caller, nil
	}
	authorized, err := s.IsCallerAuthorized(ctx, caller)
	if err != nil {
		return "", err
	}
	if !authorized {
		return "", fmt.Errorf("caller '%s' is not on the read allow-list: %w", caller, ErrUnauthorized)
	}
	return caller, nil
}

// --- Operational pause switch ---

// SetOperational toggles acceptance of state-mutating user operations.
// Admin only. Governance and admin operations stay available while paused.
func (s *SkysuretySmartContract) SetOperational(ctx contractapi.TransactionContextInterface, operational bool) error {
	caller, err := s.requireAdmin(ctx)
	if err != nil {
		return fmt.Errorf("SetOperational: %w", err)
	}
	settings, err := loadSettings(ctx)
	if err != nil {
		return fmt.Errorf("SetOperational: %w", err)
	}
	if settings.Operational == operational {
		logger.Infof("SetOperational: already %v, no change", operational)
		return nil
	}
	now, err := getCurrentTxTimestamp(ctx)
	if err != nil {
		return fmt.Errorf("SetOperational: %w", err)
	}
	settings.Operational = operational
	settings.LastUpdatedAt = now
	if err := saveSettings(ctx, settings); err != nil {
		return fmt.Errorf("SetOperational: %w", err)
	}
	logger.Infof("Operational status set to %v by '%s'", operational, caller)
	return nil
}

// IsOperational reports the pause switch state.
func (s *SkysuretySmartContract) IsOperational(ctx contractapi.TransactionContextInterface) (bool, error) {
	settings, err := loadSettings(ctx)
	if err != nil {
		return false, err
	}
	return settings.Operational, nil
}

// requireOperational loads settings and rejects mutating user operations
// while the cooperative is paused.
func (s *SkysuretySmartContract) requireOperational(ctx contractapi.TransactionContextInterface) (*model.Settings, error) {
	settings, err := loadSettings(ctx)
	if err != nil {
		return nil, err
	}
	if !settings.Operational {
		return nil, fmt.Errorf("cooperative is not operational: %w", ErrUnauthorized)
	}
	return settings, nil
}

// requireShareHolder enforces the token-holder gate on voting operations.
// This check is owned here, not by the registries.
func (s *SkysuretySmartContract) requireShareHolder(ctx contractapi.TransactionContextInterface) (string, error) {
	caller, err := getCallerAddress(ctx)
	if err != nil {
		return "", err
	}
	holder, err := NewShareLedger(ctx).IsHolder(caller)
	if err != nil {
		return "", err
	}
	if !holder {
		return "", fmt.Errorf("caller '%s' is not a share holder: %w", caller, ErrUnauthorized)
	}
	return caller, nil
}
