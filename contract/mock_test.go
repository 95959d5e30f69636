package contract

import (
	"crypto/x509"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hyperledger/fabric-chaincode-go/pkg/cid"
	"github.com/hyperledger/fabric-chaincode-go/shim"
	"github.com/hyperledger/fabric-protos-go/ledger/queryresult"
	"github.com/hyperledger/fabric-protos-go/peer"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// In-memory stub and context for exercising contract logic without a peer.
// State keeps the committed snapshot and the current transaction's write set
// apart, the way a peer does: reads and iterators serve the committed
// snapshot only, never the transaction's own writes. In the default mode
// every write commits immediately (each call is its own transaction); in
// buffered mode writes collect until commit(), so a test can hold several
// operations inside one transaction and a read-your-own-write slips through
// as nil. Composite keys use the same null-delimited layout as the real stub
// so partial-key queries behave identically. SetEvent keeps one event per
// transaction, last write wins, as the peer persists it.

const compositeKeyNamespace = "\x00"

type capturedEvent struct {
	Name    string
	Payload []byte
}

type mockStub struct {
	committed map[string][]byte
	writes    map[string][]byte // nil value marks a delete
	buffered  bool
	txID      string
	txTime    time.Time
	pending   *capturedEvent
	events    []capturedEvent
}

func newMockStub() *mockStub {
	return &mockStub{
		committed: map[string][]byte{},
		writes:    map[string][]byte{},
		txID:      "tx-0001",
		txTime:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// commit applies the write set to the committed snapshot and persists the
// transaction's single event.
func (m *mockStub) commit() {
	for k, v := range m.writes {
		if v == nil {
			delete(m.committed, k)
		} else {
			m.committed[k] = v
		}
	}
	m.writes = map[string][]byte{}
	if m.pending != nil {
		m.events = append(m.events, *m.pending)
		m.pending = nil
	}
}

func (m *mockStub) lastEvent() *capturedEvent {
	if len(m.events) == 0 {
		return nil
	}
	return &m.events[len(m.events)-1]
}

func (m *mockStub) GetState(key string) ([]byte, error) {
	v, ok := m.committed[key]
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (m *mockStub) PutState(key string, value []byte) error {
	m.writes[key] = value
	if !m.buffered {
		m.commit()
	}
	return nil
}

func (m *mockStub) DelState(key string) error {
	m.writes[key] = nil
	if !m.buffered {
		m.commit()
	}
	return nil
}

func (m *mockStub) CreateCompositeKey(objectType string, attributes []string) (string, error) {
	key := compositeKeyNamespace + objectType + compositeKeyNamespace
	for _, attr := range attributes {
		key += attr + compositeKeyNamespace
	}
	return key, nil
}

func (m *mockStub) SplitCompositeKey(compositeKey string) (string, []string, error) {
	parts := strings.Split(strings.Trim(compositeKey, compositeKeyNamespace), compositeKeyNamespace)
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("invalid composite key '%s'", compositeKey)
	}
	return parts[0], parts[1:], nil
}

func (m *mockStub) GetStateByPartialCompositeKey(objectType string, keys []string) (shim.StateQueryIteratorInterface, error) {
	prefix, err := m.CreateCompositeKey(objectType, keys)
	if err != nil {
		return nil, err
	}
	matched := []string{}
	for k := range m.committed {
		if strings.HasPrefix(k, prefix) {
			matched = append(matched, k)
		}
	}
	sort.Strings(matched)
	kvs := make([]*queryresult.KV, len(matched))
	for i, k := range matched {
		kvs[i] = &queryresult.KV{Key: k, Value: m.committed[k]}
	}
	return &mockIterator{kvs: kvs}, nil
}

func (m *mockStub) GetTxID() string { return m.txID }

func (m *mockStub) GetTxTimestamp() (*timestamppb.Timestamp, error) {
	return timestamppb.New(m.txTime), nil
}

func (m *mockStub) SetEvent(name string, payload []byte) error {
	m.pending = &capturedEvent{Name: name, Payload: payload}
	if !m.buffered {
		m.commit()
	}
	return nil
}

// Remaining interface methods are unused by the contract.

func (m *mockStub) GetArgs() [][]byte                        { return nil }
func (m *mockStub) GetStringArgs() []string                  { return nil }
func (m *mockStub) GetFunctionAndParameters() (string, []string) { return "", nil }
func (m *mockStub) GetArgsSlice() ([]byte, error)            { return nil, nil }
func (m *mockStub) GetChannelID() string                     { return "testchannel" }
func (m *mockStub) InvokeChaincode(string, [][]byte, string) peer.Response {
	return peer.Response{}
}
func (m *mockStub) SetStateValidationParameter(string, []byte) error    { return nil }
func (m *mockStub) GetStateValidationParameter(string) ([]byte, error)  { return nil, nil }
func (m *mockStub) GetStateByRange(string, string) (shim.StateQueryIteratorInterface, error) {
	return &mockIterator{}, nil
}
func (m *mockStub) GetStateByRangeWithPagination(string, string, int32, string) (shim.StateQueryIteratorInterface, *peer.QueryResponseMetadata, error) {
	return &mockIterator{}, nil, nil
}
func (m *mockStub) GetStateByPartialCompositeKeyWithPagination(string, []string, int32, string) (shim.StateQueryIteratorInterface, *peer.QueryResponseMetadata, error) {
	return &mockIterator{}, nil, nil
}
func (m *mockStub) GetQueryResult(string) (shim.StateQueryIteratorInterface, error) {
	return &mockIterator{}, nil
}
func (m *mockStub) GetQueryResultWithPagination(string, int32, string) (shim.StateQueryIteratorInterface, *peer.QueryResponseMetadata, error) {
	return &mockIterator{}, nil, nil
}
func (m *mockStub) GetHistoryForKey(string) (shim.HistoryQueryIteratorInterface, error) {
	return nil, nil
}
func (m *mockStub) GetPrivateData(string, string) ([]byte, error)            { return nil, nil }
func (m *mockStub) GetPrivateDataHash(string, string) ([]byte, error)        { return nil, nil }
func (m *mockStub) PutPrivateData(string, string, []byte) error              { return nil }
func (m *mockStub) DelPrivateData(string, string) error                      { return nil }
func (m *mockStub) PurgePrivateData(string, string) error                    { return nil }
func (m *mockStub) SetPrivateDataValidationParameter(string, string, []byte) error { return nil }
func (m *mockStub) GetPrivateDataValidationParameter(string, string) ([]byte, error) {
	return nil, nil
}
func (m *mockStub) GetPrivateDataByRange(string, string, string) (shim.StateQueryIteratorInterface, error) {
	return &mockIterator{}, nil
}
func (m *mockStub) GetPrivateDataByPartialCompositeKey(string, string, []string) (shim.StateQueryIteratorInterface, error) {
	return &mockIterator{}, nil
}
func (m *mockStub) GetPrivateDataQueryResult(string, string) (shim.StateQueryIteratorInterface, error) {
	return &mockIterator{}, nil
}
func (m *mockStub) GetCreator() ([]byte, error)              { return nil, nil }
func (m *mockStub) GetTransient() (map[string][]byte, error) { return nil, nil }
func (m *mockStub) GetBinding() ([]byte, error)              { return nil, nil }
func (m *mockStub) GetDecorations() map[string][]byte        { return nil }
func (m *mockStub) GetSignedProposal() (*peer.SignedProposal, error) {
	return nil, nil
}

type mockIterator struct {
	kvs []*queryresult.KV
	pos int
}

func (it *mockIterator) HasNext() bool { return it.pos < len(it.kvs) }

func (it *mockIterator) Next() (*queryresult.KV, error) {
	if !it.HasNext() {
		return nil, fmt.Errorf("iterator exhausted")
	}
	kv := it.kvs[it.pos]
	it.pos++
	return kv, nil
}

func (it *mockIterator) Close() error { return nil }

type mockClientIdentity struct {
	id string
}

func (c *mockClientIdentity) GetID() (string, error)    { return c.id, nil }
func (c *mockClientIdentity) GetMSPID() (string, error) { return "TestMSP", nil }
func (c *mockClientIdentity) GetAttributeValue(string) (string, bool, error) {
	return "", false, nil
}
func (c *mockClientIdentity) AssertAttributeValue(string, string) error { return nil }
func (c *mockClientIdentity) GetX509Certificate() (*x509.Certificate, error) {
	return nil, nil
}

type mockContext struct {
	stub     *mockStub
	identity *mockClientIdentity
}

func (c *mockContext) GetStub() shim.ChaincodeStubInterface { return c.stub }
func (c *mockContext) GetClientIdentity() cid.ClientIdentity { return c.identity }

// newTestContext returns a context acting as the given identity over a fresh
// in-memory ledger. Every write commits immediately, so each call against the
// context behaves as its own transaction.
func newTestContext(caller string) *mockContext {
	return &mockContext{
		stub:     newMockStub(),
		identity: &mockClientIdentity{id: caller},
	}
}

// newBufferedTestContext returns a context whose writes collect until
// commit(), mirroring the peer's committed-snapshot isolation. Tests use it
// to hold a whole operation inside one transaction and prove the code never
// reads its own writes.
func newBufferedTestContext(caller string) *mockContext {
	ctx := newTestContext(caller)
	ctx.stub.buffered = true
	return ctx
}

// commit ends the current transaction.
func (c *mockContext) commit() {
	c.stub.commit()
}

// as switches the acting identity while keeping the same ledger state.
func (c *mockContext) as(caller string) *mockContext {
	return &mockContext{stub: c.stub, identity: &mockClientIdentity{id: caller}}
}

// at sets the ledger time for subsequent transactions.
func (c *mockContext) at(t time.Time) *mockContext {
	c.stub.txTime = t
	return c
}

// tx sets the transaction ID for subsequent transactions.
func (c *mockContext) tx(id string) *mockContext {
	c.stub.txID = id
	return c
}
