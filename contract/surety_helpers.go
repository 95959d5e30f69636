package contract

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"skysurety/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
)

// Object types for bookkeeping records shared across components.
const (
	counterObjectType     = "Counter"     // monotonic sequences (IDs, event ordering)
	accumulatorObjectType = "Accumulator" // owned incremental aggregates (pool funds, insured value)
	settingsObjectType    = "Settings"    // singleton governance settings record
)

// Accumulator and counter names.
const (
	accPoolFunds         = "poolFunds"
	accTotalInsuredValue = "totalInsuredValue"
	ctrEventSequence     = "eventSequence"
	ctrFlights           = "flights"
	ctrPolicies          = "policies"
	ctrRequests          = "settlementRequests"
)

const maxStringInputLength = 256

// --- Core helper methods ---

// getCurrentTxTimestamp retrieves the current transaction timestamp from the stub.
func getCurrentTxTimestamp(ctx contractapi.TransactionContextInterface) (time.Time, error) {
	ts, err := ctx.GetStub().GetTxTimestamp()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get transaction timestamp: %w", err)
	}
	return ts.AsTime(), nil
}

// getCallerAddress retrieves the full client identity of the current transactor.
func getCallerAddress(ctx contractapi.TransactionContextInterface) (string, error) {
	clientIdentity := ctx.GetClientIdentity()
	if clientIdentity == nil {
		return "", errors.New("client identity is nil from context")
	}
	id, err := clientIdentity.GetID()
	if err != nil {
		return "", fmt.Errorf("failed to get client identity ID from context: %w", err)
	}
	if id == "" {
		return "", errors.New("client identity ID from context is empty")
	}
	return id, nil
}

// --- Validation helpers ---

func validateRequiredString(input, field string) error {
	if strings.TrimSpace(input) == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}
	if len(input) > maxStringInputLength {
		return fmt.Errorf("%s exceeds max length %d", field, maxStringInputLength)
	}
	return nil
}

// parseTimestampString parses an RFC3339 timestamp argument.
func parseTimestampString(str, field string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(str))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid format for %s (expected RFC3339 'YYYY-MM-DDTHH:MM:SSZ'): %w", field, err)
	}
	return t, nil
}

func parseProviderRole(role string) (model.ProviderRole, error) {
	switch model.ProviderRole(strings.ToUpper(strings.TrimSpace(role))) {
	case model.RoleInsurer:
		return model.RoleInsurer, nil
	case model.RoleOracle:
		return model.RoleOracle, nil
	}
	return "", fmt.Errorf("invalid provider role '%s' (expected INSURER or ORACLE)", role)
}

func parseProposalKind(kind string) (model.ProposalKind, error) {
	switch model.ProposalKind(strings.ToUpper(strings.TrimSpace(kind))) {
	case model.KindMembershipFee:
		return model.KindMembershipFee, nil
	case model.KindCoverageRatio:
		return model.KindCoverageRatio, nil
	}
	return "", fmt.Errorf("invalid proposal kind '%s' (expected MEMBERSHIP_FEE or COVERAGE_RATIO)", kind)
}

// --- Counters and accumulators ---
// All aggregates are maintained incrementally inside their owning component;
// nothing is recomputed from scans at read time.

func counterKey(ctx contractapi.TransactionContextInterface, name string) (string, error) {
	return ctx.GetStub().CreateCompositeKey(counterObjectType, []string{name})
}

func readCounter(ctx contractapi.TransactionContextInterface, name string) (uint64, error) {
	key, err := counterKey(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("failed to create counter key '%s': %w", name, err)
	}
	raw, err := ctx.GetStub().GetState(key)
	if err != nil {
		return 0, fmt.Errorf("ledger error reading counter '%s': %w", name, err)
	}
	if raw == nil {
		return 0, nil
	}
	v, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt counter '%s' value '%s': %w", name, string(raw), err)
	}
	return v, nil
}

func writeCounter(ctx contractapi.TransactionContextInterface, name string, v uint64) error {
	key, err := counterKey(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to create counter key '%s': %w", name, err)
	}
	if err := ctx.GetStub().PutState(key, []byte(strconv.FormatUint(v, 10))); err != nil {
		return fmt.Errorf("failed to save counter '%s': %w", name, err)
	}
	return nil
}

// nextCounter increments the named counter and returns the new value. The
// first call returns 1, so auto-incrementing IDs start at 1.
func nextCounter(ctx contractapi.TransactionContextInterface, name string) (uint64, error) {
	v, err := readCounter(ctx, name)
	if err != nil {
		return 0, err
	}
	v++
	if err := writeCounter(ctx, name, v); err != nil {
		return 0, err
	}
	return v, nil
}

func accumulatorKey(ctx contractapi.TransactionContextInterface, name string) (string, error) {
	return ctx.GetStub().CreateCompositeKey(accumulatorObjectType, []string{name})
}

func readAccumulator(ctx contractapi.TransactionContextInterface, name string) (uint64, error) {
	key, err := accumulatorKey(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("failed to create accumulator key '%s': %w", name, err)
	}
	raw, err := ctx.GetStub().GetState(key)
	if err != nil {
		return 0, fmt.Errorf("ledger error reading accumulator '%s': %w", name, err)
	}
	if raw == nil {
		return 0, nil
	}
	v, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt accumulator '%s' value '%s': %w", name, string(raw), err)
	}
	return v, nil
}

func writeAccumulator(ctx contractapi.TransactionContextInterface, name string, v uint64) error {
	key, err := accumulatorKey(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to create accumulator key '%s': %w", name, err)
	}
	if err := ctx.GetStub().PutState(key, []byte(strconv.FormatUint(v, 10))); err != nil {
		return fmt.Errorf("failed to save accumulator '%s': %w", name, err)
	}
	return nil
}

// adjustAccumulator applies a signed delta, rejecting underflow outright.
func adjustAccumulator(ctx contractapi.TransactionContextInterface, name string, delta int64) (uint64, error) {
	v, err := readAccumulator(ctx, name)
	if err != nil {
		return 0, err
	}
	if delta < 0 && uint64(-delta) > v {
		return 0, fmt.Errorf("accumulator '%s' underflow: have %d, delta %d", name, v, delta)
	}
	if delta < 0 {
		v -= uint64(-delta)
	} else {
		v += uint64(delta)
	}
	if err := writeAccumulator(ctx, name, v); err != nil {
		return 0, err
	}
	return v, nil
}

// --- Settings singleton ---

func settingsKey(ctx contractapi.TransactionContextInterface) (string, error) {
	return ctx.GetStub().CreateCompositeKey(settingsObjectType, []string{"current"})
}

func loadSettings(ctx contractapi.TransactionContextInterface) (*model.Settings, error) {
	key, err := settingsKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create settings key: %w", err)
	}
	raw, err := ctx.GetStub().GetState(key)
	if err != nil {
		return nil, fmt.Errorf("ledger error reading settings: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("settings record: %w (ledger not bootstrapped)", ErrNotFound)
	}
	var s model.Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings record: %w", err)
	}
	return &s, nil
}

func saveSettings(ctx contractapi.TransactionContextInterface, s *model.Settings) error {
	key, err := settingsKey(ctx)
	if err != nil {
		return fmt.Errorf("failed to create settings key: %w", err)
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings record: %w", err)
	}
	if err := ctx.GetStub().PutState(key, raw); err != nil {
		return fmt.Errorf("failed to save settings record: %w", err)
	}
	return nil
}

// --- Pseudo-random index derivation ---
// Deterministic function of (transaction ID, identity, sequence counter).
// Every endorsing peer derives the same value for the same transaction.
// This is intentionally weak randomness: good enough for load distribution
// across oracles, not for adversarial unpredictability.

func deriveIndex(txID, address string, seq uint64, bound int) int {
	h := sha256.New()
	h.Write([]byte(txID))
	h.Write([]byte(address))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	h.Write(buf[:])
	sum := h.Sum(nil)
	return int(binary.BigEndian.Uint64(sum[:8]) % uint64(bound))
}

// --- Fact stream ---

// emitFact publishes one immutable fact about an accepted state change. The
// payload carries the event kind, a ledger-maintained monotonic sequence
// number, the transaction ID and timestamp as the ordering key, plus the
// caller-supplied fields. External collaborators consume only this stream and
// the read accessors.
func emitFact(ctx contractapi.TransactionContextInterface, kind string, fields map[string]interface{}) error {
	seq, err := nextCounter(ctx, ctrEventSequence)
	if err != nil {
		return fmt.Errorf("emitFact: failed to advance event sequence for '%s': %w", kind, err)
	}
	now, err := getCurrentTxTimestamp(ctx)
	if err != nil {
		return fmt.Errorf("emitFact: %w", err)
	}
	payload := map[string]interface{}{
		"kind":      kind,
		"sequence":  seq,
		"txId":      ctx.GetStub().GetTxID(),
		"timestamp": now.Format(time.RFC3339),
	}
	for k, v := range fields {
		if t, ok := v.(time.Time); ok {
			payload[k] = t.Format(time.RFC3339)
		} else {
			payload[k] = v
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("emitFact: failed to marshal payload for '%s': %w", kind, err)
	}
	if err := ctx.GetStub().SetEvent(kind, raw); err != nil {
		return fmt.Errorf("emitFact: failed to set event '%s': %w", kind, err)
	}
	return nil
}
