package model

import "time"

// RequestState is the settlement-request state machine: Open -> Resolved,
// terminal, no reopening. A stuck open request is abandoned by convention and
// a new request created for the same flight.
type RequestState string

const (
	RequestOpen     RequestState = "OPEN"
	RequestResolved RequestState = "RESOLVED"
)

// SettlementRequest asks oracles holding the target index to report a
// flight's actual outcome. Multiple concurrent open requests per flight are
// allowed and treated as independent voting rounds.
type SettlementRequest struct {
	ObjectType  string       `json:"objectType"` // "OracleRequest"
	ID          uint64       `json:"id"`
	FlightID    uint64       `json:"flightId"`
	FlightRef   string       `json:"flightRef"`
	TargetIndex int          `json:"targetIndex"`
	Requester   string       `json:"requester"`
	State       RequestState `json:"state"`
	CreatedAt   time.Time    `json:"createdAt"`
	ResolvedAt  time.Time    `json:"resolvedAt"`
}

// SettlementResponse is one oracle's reported (departure, arrival) pair for a
// request. Responses are retained and never overwritten; only the first
// response per oracle counts toward consensus.
type SettlementResponse struct {
	ObjectType      string    `json:"objectType"` // "OracleResponse"
	RequestID       uint64    `json:"requestId"`
	Oracle          string    `json:"oracle"`
	ActualDeparture time.Time `json:"actualDeparture"`
	ActualArrival   time.Time `json:"actualArrival"`
	RespondedAt     time.Time `json:"respondedAt"`
}
