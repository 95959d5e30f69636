package contract

import (
	"testing"

	"skysurety/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMembershipRegisterAndDuplicate(t *testing.T) {
	ctx := newTestContext("admin")
	r := NewMembershipRegistry(ctx, model.RoleInsurer)

	p, err := r.Register("insurerA", "admin")
	require.NoError(t, err)
	assert.True(t, p.Registered)
	assert.False(t, p.Activated)
	assert.Equal(t, uint64(1), p.RegistrationOrder)
	assert.Equal(t, "admin", p.RegisteredBy)

	_, err = r.Register("insurerA", "admin")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	p2, err := r.Register("insurerB", "admin")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), p2.RegistrationOrder)

	count, err := r.RegisteredCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
}

func TestMembershipRolesAreIndependent(t *testing.T) {
	ctx := newTestContext("admin")
	insurers := NewMembershipRegistry(ctx, model.RoleInsurer)
	oracles := NewMembershipRegistry(ctx, model.RoleOracle)

	_, err := insurers.Register("sameAddress", "admin")
	require.NoError(t, err)

	// The same address registers independently under the other role.
	p, err := oracles.Register("sameAddress", "admin")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.RegistrationOrder)
}

func TestMembershipVoteActivation(t *testing.T) {
	ctx := newTestContext("admin")
	r := NewMembershipRegistry(ctx, model.RoleInsurer)
	_, err := r.Register("pending", "admin")
	require.NoError(t, err)

	// 4 holders: quorum is 2 affirmative votes.
	p, err := r.Vote("holder1", "pending", 4)
	require.NoError(t, err)
	assert.False(t, p.Activated)
	assert.Equal(t, 1, p.VoteCount)

	_, err = r.Vote("holder1", "pending", 4)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyVoted)

	p, err = r.Vote("holder2", "pending", 4)
	require.NoError(t, err)
	assert.True(t, p.Activated)

	activated, err := r.IsActivated("pending")
	require.NoError(t, err)
	assert.True(t, activated)

	count, err := r.ActivatedCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	// Voting on an already activated provider is rejected.
	_, err = r.Vote("holder3", "pending", 4)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyActivated)
}

func TestMembershipVoteUnregisteredVotee(t *testing.T) {
	ctx := newTestContext("admin")
	r := NewMembershipRegistry(ctx, model.RoleInsurer)

	_, err := r.Vote("holder1", "ghost", 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMembershipFundActivation(t *testing.T) {
	ctx := newTestContext("admin")
	r := NewMembershipRegistry(ctx, model.RoleInsurer)
	_, err := r.Register("funder", "admin")
	require.NoError(t, err)

	p, err := r.GetProvider("funder")
	require.NoError(t, err)
	require.NoError(t, r.FundProvider(p, 10000, 10000))
	assert.True(t, p.Activated)
	assert.Equal(t, uint64(10000), p.FundedAmount)

	stored, err := r.GetProvider("funder")
	require.NoError(t, err)
	assert.True(t, stored.Activated)

	count, err := r.ActivatedCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

// Registration and funding share one transaction, so the funding step must
// work on the in-memory record: the committed snapshot a transaction reads
// does not hold its own writes.
func TestMembershipRegisterAndFundOneTransaction(t *testing.T) {
	ctx := newBufferedTestContext("oracle1")
	r := NewMembershipRegistry(ctx, model.RoleOracle)

	p, err := r.Register("oracle1", "oracle1")
	require.NoError(t, err)
	require.NoError(t, r.FundProvider(p, 100, 100))
	indexes, err := r.AssignIndexes(p)
	require.NoError(t, err)
	require.Len(t, indexes, model.IndexesPerOracle)
	ctx.commit()

	stored, err := r.GetProvider("oracle1")
	require.NoError(t, err)
	assert.True(t, stored.Activated)
	assert.Equal(t, uint64(100), stored.FundedAmount)
	assert.Equal(t, indexes, stored.Indexes)
}

func TestMembershipAssignIndexes(t *testing.T) {
	ctx := newTestContext("admin").tx("assignment-tx")
	r := NewMembershipRegistry(ctx, model.RoleOracle)
	reg, err := r.Register("oracle1", "oracle1")
	require.NoError(t, err)

	indexes, err := r.AssignIndexes(reg)
	require.NoError(t, err)
	require.Len(t, indexes, model.IndexesPerOracle)
	for _, idx := range indexes {
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, oracleIndexBound)
	}

	// Drawing is deterministic in (txID, address, order).
	again := make([]int, model.IndexesPerOracle)
	p, err := r.GetProvider("oracle1")
	require.NoError(t, err)
	for i := range again {
		again[i] = deriveIndex("assignment-tx", "oracle1", p.RegistrationOrder+uint64(i), oracleIndexBound)
	}
	assert.Equal(t, again, indexes)
	assert.Equal(t, indexes, p.Indexes)

	// Indexes are drawn once.
	_, err = r.AssignIndexes(p)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestMembershipAssignIndexesInsurerRejected(t *testing.T) {
	ctx := newTestContext("admin")
	r := NewMembershipRegistry(ctx, model.RoleInsurer)
	p, err := r.Register("insurerA", "admin")
	require.NoError(t, err)

	_, err = r.AssignIndexes(p)
	require.Error(t, err)
}

func TestMembershipRenounce(t *testing.T) {
	ctx := newTestContext("admin")
	r := NewMembershipRegistry(ctx, model.RoleInsurer)
	_, err := r.Register("leaver", "admin")
	require.NoError(t, err)
	p, err := r.GetProvider("leaver")
	require.NoError(t, err)
	require.NoError(t, r.FundProvider(p, 500, 500))

	p, err = r.Renounce("leaver")
	require.NoError(t, err)
	assert.True(t, p.Renounced)
	assert.False(t, p.Activated)
	assert.True(t, p.Registered)

	count, err := r.ActivatedCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), count)

	// The record survives: re-registration under the same address is blocked.
	_, err = r.Register("leaver", "admin")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	_, err = r.Renounce("leaver")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestMembershipIsActivatedUnregistered(t *testing.T) {
	ctx := newTestContext("admin")
	r := NewMembershipRegistry(ctx, model.RoleOracle)

	activated, err := r.IsActivated("nobody")
	require.NoError(t, err)
	assert.False(t, activated)

	registered, err := r.IsRegistered("nobody")
	require.NoError(t, err)
	assert.False(t, registered)
}
