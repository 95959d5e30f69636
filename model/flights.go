package model

import "time"

// Flight is the ledger record for a registered flight. Actual times and the
// late flag are written only through the oracle engine's accepted-outcome
// path; the insured-value accumulator is maintained by the insurance ledger.
type Flight struct {
	ObjectType         string    `json:"objectType"` // "Flight"
	ID                 uint64    `json:"id"`
	Ref                string    `json:"ref"` // airline reference code, e.g. "SK1234"
	Insurer            string    `json:"insurer"`
	ScheduledDeparture time.Time `json:"scheduledDeparture"`
	ScheduledArrival   time.Time `json:"scheduledArrival"`
	ActualDeparture    time.Time `json:"actualDeparture"` // zero until settled
	ActualArrival      time.Time `json:"actualArrival"`   // zero until settled
	Late               bool      `json:"late"`
	SettlementRate     uint64    `json:"settlementRate"` // price per unit of coverage
	InsuredValue       uint64    `json:"insuredValue"`   // sum of outstanding policy values on this flight
	Settled            bool      `json:"settled"`
	CreatedAt          time.Time `json:"createdAt"`
	LastUpdatedAt      time.Time `json:"lastUpdatedAt"`
}

// InsurancePolicy is one passenger's coverage on one flight. Immutable after
// purchase except for the claimed flag, which flips exactly once.
type InsurancePolicy struct {
	ObjectType  string    `json:"objectType"` // "Policy"
	ID          uint64    `json:"id"`
	Passenger   string    `json:"passenger"`
	FlightID    uint64    `json:"flightId"`
	Value       uint64    `json:"value"` // amount paid in, smallest currency unit
	Claimed     bool      `json:"claimed"`
	PurchasedAt time.Time `json:"purchasedAt"`
	ClaimedAt   time.Time `json:"claimedAt"`
}

// PayoutCredit is a passenger's withdrawable balance. Claims credit it; the
// actual transfer out happens on an external settlement rail and is only
// accounted for here.
type PayoutCredit struct {
	ObjectType    string    `json:"objectType"` // "PayoutCredit"
	Address       string    `json:"address"`
	Balance       uint64    `json:"balance"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}
