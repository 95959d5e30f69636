package contract

import (
	"encoding/json"
	"fmt"

	"skysurety/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/hyperledger/fabric/common/flogging"
)

var shareLogger = flogging.MustGetLogger("skysurety.shareledger")

const (
	shareObjectType = "ShareAccount"
	ctrShareHolders = "shareHolders"
)

// ShareLedger is the fungible-share ledger backing vote quorums: any address
// with a positive balance is a holder, and the holder count is the quorum
// population. The count is maintained incrementally on balance transitions
// through zero, never recomputed by scanning.
type ShareLedger struct {
	Ctx contractapi.TransactionContextInterface
}

// NewShareLedger creates a share-ledger instance for the current transaction.
func NewShareLedger(ctx contractapi.TransactionContextInterface) *ShareLedger {
	return &ShareLedger{Ctx: ctx}
}

func (sl *ShareLedger) accountKey(address string) (string, error) {
	return sl.Ctx.GetStub().CreateCompositeKey(shareObjectType, []string{address})
}

func (sl *ShareLedger) getAccount(address string) (*model.ShareAccount, error) {
	key, err := sl.accountKey(address)
	if err != nil {
		return nil, fmt.Errorf("failed to create share account key for '%s': %w", address, err)
	}
	raw, err := sl.Ctx.GetStub().GetState(key)
	if err != nil {
		return nil, fmt.Errorf("ledger error reading share account '%s': %w", address, err)
	}
	if raw == nil {
		return nil, nil
	}
	var a model.ShareAccount
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal share account '%s': %w", address, err)
	}
	return &a, nil
}

func (sl *ShareLedger) putAccount(a *model.ShareAccount) error {
	key, err := sl.accountKey(a.Address)
	if err != nil {
		return fmt.Errorf("failed to create share account key for '%s': %w", a.Address, err)
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal share account '%s': %w", a.Address, err)
	}
	if err := sl.Ctx.GetStub().PutState(key, raw); err != nil {
		return fmt.Errorf("failed to save share account '%s': %w", a.Address, err)
	}
	return nil
}

func (sl *ShareLedger) writeBalance(address string, balance uint64) error {
	now, err := getCurrentTxTimestamp(sl.Ctx)
	if err != nil {
		return err
	}
	return sl.putAccount(&model.ShareAccount{
		ObjectType:    shareObjectType,
		Address:       address,
		Balance:       balance,
		LastUpdatedAt: now,
	})
}

// adjustHolderCount applies the net zero-crossing delta of one transaction in
// a single counter read-modify-write. The counter must be touched at most
// once per transaction: a second update would read the committed value again
// and the last write would win.
func (sl *ShareLedger) adjustHolderCount(delta int) error {
	if delta == 0 {
		return nil
	}
	count, err := readCounter(sl.Ctx, ctrShareHolders)
	if err != nil {
		return err
	}
	if delta < 0 && uint64(-delta) > count {
		count = 0
	} else if delta < 0 {
		count -= uint64(-delta)
	} else {
		count += uint64(delta)
	}
	return writeCounter(sl.Ctx, ctrShareHolders, count)
}

// Issue mints shares to an address. Authorization is the contract's concern.
func (sl *ShareLedger) Issue(to string, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, fmt.Errorf("share issue amount must be positive")
	}
	acct, err := sl.getAccount(to)
	if err != nil {
		return 0, err
	}
	var prev uint64
	if acct != nil {
		prev = acct.Balance
	}
	balance := prev + amount
	if err := sl.writeBalance(to, balance); err != nil {
		return 0, err
	}
	delta := 0
	if prev == 0 {
		delta = 1
	}
	if err := sl.adjustHolderCount(delta); err != nil {
		return 0, err
	}
	shareLogger.Infof("Issued %d shares to '%s' (balance %d)", amount, to, balance)
	return balance, nil
}

// Transfer moves shares between two addresses.
func (sl *ShareLedger) Transfer(from, to string, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("share transfer amount must be positive")
	}
	if from == to {
		return fmt.Errorf("cannot transfer shares to self")
	}
	fromAcct, err := sl.getAccount(from)
	if err != nil {
		return err
	}
	if fromAcct == nil || fromAcct.Balance < amount {
		return fmt.Errorf("'%s' holds insufficient shares for transfer of %d", from, amount)
	}
	toAcct, err := sl.getAccount(to)
	if err != nil {
		return err
	}
	var toPrev uint64
	if toAcct != nil {
		toPrev = toAcct.Balance
	}

	if err := sl.writeBalance(from, fromAcct.Balance-amount); err != nil {
		return err
	}
	if err := sl.writeBalance(to, toPrev+amount); err != nil {
		return err
	}
	delta := 0
	if fromAcct.Balance == amount {
		delta--
	}
	if toPrev == 0 {
		delta++
	}
	if err := sl.adjustHolderCount(delta); err != nil {
		return err
	}
	shareLogger.Infof("Transferred %d shares from '%s' to '%s'", amount, from, to)
	return nil
}

// BalanceOf returns an address's share balance; unknown addresses hold zero.
func (sl *ShareLedger) BalanceOf(address string) (uint64, error) {
	acct, err := sl.getAccount(address)
	if err != nil {
		return 0, err
	}
	if acct == nil {
		return 0, nil
	}
	return acct.Balance, nil
}

// IsHolder reports whether an address currently holds any shares.
func (sl *ShareLedger) IsHolder(address string) (bool, error) {
	balance, err := sl.BalanceOf(address)
	if err != nil {
		return false, err
	}
	return balance > 0, nil
}

// HolderCount returns the current holder population, the quorum base for
// membership-activation votes and for settings-proposal snapshots.
func (sl *ShareLedger) HolderCount() (int, error) {
	count, err := readCounter(sl.Ctx, ctrShareHolders)
	if err != nil {
		return 0, err
	}
	return int(count), nil
}
