package contract

import (
	"fmt"
	"testing"
	"time"

	"skysurety/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDelayTolerance = 60 * time.Minute

// registerActivatedOracle registers and funding-activates an oracle provider
// holding exactly the given indexes.
func registerActivatedOracle(t *testing.T, ctx *mockContext, address string, indexes []int) {
	t.Helper()
	r := NewMembershipRegistry(ctx, model.RoleOracle)
	p, err := r.Register(address, address)
	require.NoError(t, err)
	require.NoError(t, r.FundProvider(p, 1000, 1000))
	p.Indexes = indexes
	require.NoError(t, r.putProvider(p))
}

func newEngineFixture(t *testing.T) (*mockContext, *OracleEngine, *model.Flight) {
	t.Helper()
	ctx := newTestContext("requester").at(ledgerNow)
	f, err := NewFlightLedger(ctx).RegisterFlight("insurerA", "AF-1234", depTime, arrTime, 500)
	require.NoError(t, err)
	return ctx, NewOracleEngine(ctx), f
}

func TestCreateRequestRequiresActivatedOracle(t *testing.T) {
	_, engine, f := newEngineFixture(t)

	_, err := engine.CreateRequest("requester", f.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestCreateRequestDrawsTargetIndex(t *testing.T) {
	ctx, engine, f := newEngineFixture(t)
	registerActivatedOracle(t, ctx, "requester", []int{0})

	req, err := engine.CreateRequest("requester", f.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), req.ID)
	assert.Equal(t, f.ID, req.FlightID)
	assert.Equal(t, "AF-1234", req.FlightRef)
	assert.Equal(t, model.RequestOpen, req.State)
	assert.GreaterOrEqual(t, req.TargetIndex, 0)
	assert.Less(t, req.TargetIndex, oracleIndexBound)

	// Several open rounds for the same flight are allowed.
	req2, err := engine.CreateRequest("requester", f.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), req2.ID)
}

func TestCreateRequestUnknownFlight(t *testing.T) {
	ctx, engine, _ := newEngineFixture(t)
	registerActivatedOracle(t, ctx, "requester", []int{0})

	_, err := engine.CreateRequest("requester", 42)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubmitResponseAuthorization(t *testing.T) {
	ctx, engine, f := newEngineFixture(t)
	registerActivatedOracle(t, ctx, "requester", []int{0})
	req, err := engine.CreateRequest("requester", f.ID)
	require.NoError(t, err)

	actualArr := arrTime.Add(2 * time.Hour)

	// Unregistered oracle.
	_, _, err = engine.SubmitResponse("ghost", req.ID, depTime, actualArr, testDelayTolerance)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	// Registered oracle not holding the target index.
	wrong := []int{(req.TargetIndex + 1) % oracleIndexBound}
	registerActivatedOracle(t, ctx, "wrongIndex", wrong)
	_, _, err = engine.SubmitResponse("wrongIndex", req.ID, depTime, actualArr, testDelayTolerance)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)

	// Holder of the target index, but renounced.
	registerActivatedOracle(t, ctx, "renounced", []int{req.TargetIndex})
	_, err = NewMembershipRegistry(ctx, model.RoleOracle).Renounce("renounced")
	require.NoError(t, err)
	_, _, err = engine.SubmitResponse("renounced", req.ID, depTime, actualArr, testDelayTolerance)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestSubmitResponseConsensusResolvesLate(t *testing.T) {
	ctx, engine, f := newEngineFixture(t)
	registerActivatedOracle(t, ctx, "requester", []int{0})
	req, err := engine.CreateRequest("requester", f.ID)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		registerActivatedOracle(t, ctx, fmt.Sprintf("oracle%d", i), []int{req.TargetIndex})
	}

	lateArr := arrTime.Add(2 * time.Hour)
	otherArr := arrTime.Add(30 * time.Minute)

	// Two matching pairs plus one outlier: still open.
	r, _, err := engine.SubmitResponse("oracle0", req.ID, depTime, lateArr, testDelayTolerance)
	require.NoError(t, err)
	assert.Equal(t, model.RequestOpen, r.State)
	_, _, err = engine.SubmitResponse("oracle1", req.ID, depTime, otherArr, testDelayTolerance)
	require.NoError(t, err)
	r, _, err = engine.SubmitResponse("oracle2", req.ID, depTime, lateArr, testDelayTolerance)
	require.NoError(t, err)
	assert.Equal(t, model.RequestOpen, r.State)

	// Duplicate submission from the same oracle.
	_, _, err = engine.SubmitResponse("oracle0", req.ID, depTime, lateArr, testDelayTolerance)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyVoted)

	// Third identical pair resolves the round.
	r, resolved, err := engine.SubmitResponse("oracle3", req.ID, depTime, lateArr, testDelayTolerance)
	require.NoError(t, err)
	assert.Equal(t, model.RequestResolved, r.State)
	require.NotNil(t, resolved)
	assert.True(t, resolved.Late)

	flight, err := engine.Ledger.GetFlight(f.ID)
	require.NoError(t, err)
	assert.True(t, flight.Settled)
	assert.True(t, flight.Late)
	assert.Equal(t, lateArr, flight.ActualArrival)

	// Late submission to the resolved round is a stale interaction.
	registerActivatedOracle(t, ctx, "straggler", []int{req.TargetIndex})
	_, _, err = engine.SubmitResponse("straggler", req.ID, depTime, lateArr, testDelayTolerance)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequestNotOpen)

	// The outlier response stays on the ledger.
	responses, err := engine.ListResponses(req.ID)
	require.NoError(t, err)
	assert.Len(t, responses, 4)
}

func TestSubmitResponseWithinToleranceIsNotLate(t *testing.T) {
	ctx, engine, f := newEngineFixture(t)
	registerActivatedOracle(t, ctx, "requester", []int{0})
	req, err := engine.CreateRequest("requester", f.ID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		registerActivatedOracle(t, ctx, fmt.Sprintf("oracle%d", i), []int{req.TargetIndex})
	}

	// 30 minutes past schedule, tolerance is 60: on time.
	okArr := arrTime.Add(30 * time.Minute)
	for i := 0; i < 3; i++ {
		_, _, err = engine.SubmitResponse(fmt.Sprintf("oracle%d", i), req.ID, depTime, okArr, testDelayTolerance)
		require.NoError(t, err)
	}

	flight, err := engine.Ledger.GetFlight(f.ID)
	require.NoError(t, err)
	assert.True(t, flight.Settled)
	assert.False(t, flight.Late)
}

// Each response lands in its own committed transaction, the way a peer
// applies them: the tally sees only previously committed responses plus the
// pair being submitted. Exactly three identical pairs resolve the round.
func TestSubmitResponseConsensusAcrossCommittedTransactions(t *testing.T) {
	ctx := newBufferedTestContext("requester").at(ledgerNow)
	f, err := NewFlightLedger(ctx).RegisterFlight("insurerA", "AF-1234", depTime, arrTime, 500)
	require.NoError(t, err)
	ctx.commit()

	engine := NewOracleEngine(ctx)
	registerActivatedOracle(t, ctx, "requester", []int{0})
	ctx.commit()
	req, err := engine.CreateRequest("requester", f.ID)
	require.NoError(t, err)
	ctx.commit()
	for i := 0; i < 3; i++ {
		registerActivatedOracle(t, ctx, fmt.Sprintf("oracle%d", i), []int{req.TargetIndex})
		ctx.commit()
	}

	lateArr := arrTime.Add(2 * time.Hour)
	r, _, err := engine.SubmitResponse("oracle0", req.ID, depTime, lateArr, testDelayTolerance)
	require.NoError(t, err)
	assert.Equal(t, model.RequestOpen, r.State)
	ctx.commit()
	r, _, err = engine.SubmitResponse("oracle1", req.ID, depTime, lateArr, testDelayTolerance)
	require.NoError(t, err)
	assert.Equal(t, model.RequestOpen, r.State)
	ctx.commit()

	// Third matching pair: two committed matches plus the one in flight.
	r, flight, err := engine.SubmitResponse("oracle2", req.ID, depTime, lateArr, testDelayTolerance)
	require.NoError(t, err)
	assert.Equal(t, model.RequestResolved, r.State)
	require.NotNil(t, flight)
	assert.True(t, flight.Late)
	assert.Equal(t, lateArr, flight.ActualArrival)
	ctx.commit()

	stored, err := engine.Ledger.GetFlight(f.ID)
	require.NoError(t, err)
	assert.True(t, stored.Settled)
	assert.True(t, stored.Late)
}

func TestSubmitResponseUnknownRequest(t *testing.T) {
	ctx, engine, _ := newEngineFixture(t)
	registerActivatedOracle(t, ctx, "oracle0", []int{0})

	_, _, err := engine.SubmitResponse("oracle0", 42, depTime, arrTime, testDelayTolerance)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}
