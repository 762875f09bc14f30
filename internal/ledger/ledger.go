package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"StreamPay/internal/errors"
	fpmath "StreamPay/internal/math"
)

// Call carries who invokes a ledger operation and when. Time is in unix
// seconds and plays the role of a block timestamp: it must be positive and
// must not go backwards for a given ledger.
type Call struct {
	Sender common.Address
	Time   uint64
}

// StreamLedger accounts for payment streams of a single token.
//
// Each call runs to completion before the next one starts; the ledger is
// not safe for concurrent use. A payer's balance is always settled before it
// is read or written.
type StreamLedger struct {
	address    common.Address
	token      Token
	owner      common.Address
	normalizer fpmath.Normalizer

	state    *store
	lastTime uint64
}

// New creates a ledger bound to token at address. Tokens with more than 20
// decimals are rejected.
func New(address common.Address, token Token, owner common.Address) (*StreamLedger, error) {
	normalizer, err := fpmath.NewNormalizer(token.Decimals())
	if err != nil {
		return nil, errors.Wrapf(err, "ledger for token %s", token.Address().Hex())
	}
	return &StreamLedger{
		address:    address,
		token:      token,
		owner:      owner,
		normalizer: normalizer,
		state:      newStore(),
	}, nil
}

func (l *StreamLedger) Address() common.Address { return l.address }
func (l *StreamLedger) Token() Token             { return l.token }
func (l *StreamLedger) Owner() common.Address    { return l.owner }

// DecimalsDivisor returns 10^(20-decimals), the factor between native and
// internal amounts.
func (l *StreamLedger) DecimalsDivisor() *uint256.Int {
	return l.normalizer.Divisor()
}

// Normalizer returns the ledger's decimal normalizer.
func (l *StreamLedger) Normalizer() fpmath.Normalizer {
	return l.normalizer
}

// LastTime returns the latest call time the ledger has seen.
func (l *StreamLedger) LastTime() uint64 {
	return l.lastTime
}

func (l *StreamLedger) begin(c Call) (*txn, error) {
	if c.Time == 0 {
		return nil, errors.ErrInvalidArgument.New("call time must be positive")
	}
	if c.Time < l.lastTime {
		return nil, errors.ErrInvalidArgument.Newf("call time %d is before last seen time %d", c.Time, l.lastTime)
	}
	return l.state.begin(c.Time), nil
}

func (l *StreamLedger) commit(t *txn) (*Receipt, error) {
	receipt, err := t.commit(l.token, l.address)
	if err != nil {
		return nil, err
	}
	l.lastTime = t.now
	return receipt, nil
}

// Deposit pulls amount native tokens from the sender and credits them to
// the sender's balance. Deposits do not settle: added funds also pay for
// time already streamed.
func (l *StreamLedger) Deposit(c Call, amount *uint256.Int) (*Receipt, error) {
	t, err := l.begin(c)
	if err != nil {
		return nil, err
	}
	if err := l.deposit(t, c.Sender, amount); err != nil {
		return nil, err
	}
	return l.commit(t)
}

// DepositAndCreate deposits and opens a stream in one atomic call.
func (l *StreamLedger) DepositAndCreate(c Call, amount *uint256.Int, payee common.Address, amountPerSec *uint256.Int) (*Receipt, error) {
	t, err := l.begin(c)
	if err != nil {
		return nil, err
	}
	if err := l.deposit(t, c.Sender, amount); err != nil {
		return nil, err
	}
	if err := l.createStream(t, c.Sender, payee, amountPerSec); err != nil {
		return nil, err
	}
	return l.commit(t)
}

// CreateStream opens a stream from the sender to payee. The new rate only
// applies from now on: the sender is settled first and must not be in debt.
func (l *StreamLedger) CreateStream(c Call, payee common.Address, amountPerSec *uint256.Int) (*Receipt, error) {
	t, err := l.begin(c)
	if err != nil {
		return nil, err
	}
	if err := l.createStream(t, c.Sender, payee, amountPerSec); err != nil {
		return nil, err
	}
	return l.commit(t)
}

// Withdraw pays payee what the stream has earned so far. Anyone may call
// it. A zero payout is not an error.
//
// The payout is capped at what the ledger holds, which can only bind after
// EmergencyRug. The stream still counts as paid up to the settled instant
// and the payer stays debited, so the capped remainder is forfeited.
func (l *StreamLedger) Withdraw(c Call, payer, payee common.Address, amountPerSec *uint256.Int) (*Receipt, error) {
	t, err := l.begin(c)
	if err != nil {
		return nil, err
	}
	key := NewStreamKey(payer, payee, amountPerSec)
	paidUntil, err := l.withdraw(t, key)
	if err != nil {
		return nil, err
	}
	t.setStream(key, paidUntil)
	return l.commit(t)
}

// CancelStream pays out and removes a stream of the sender. Debt the stream
// accrued after the sender ran out of funds is written off; debt of the
// sender's other streams is kept.
func (l *StreamLedger) CancelStream(c Call, payee common.Address, amountPerSec *uint256.Int) (*Receipt, error) {
	t, err := l.begin(c)
	if err != nil {
		return nil, err
	}
	if err := l.cancelStream(t, NewStreamKey(c.Sender, payee, amountPerSec)); err != nil {
		return nil, err
	}
	return l.commit(t)
}

// ModifyStream replaces a stream of the sender with a new payee and rate.
// The old stream is paid out and removed and the new one starts now, all or
// nothing.
func (l *StreamLedger) ModifyStream(c Call, oldPayee common.Address, oldAmountPerSec *uint256.Int, payee common.Address, amountPerSec *uint256.Int) (*Receipt, error) {
	t, err := l.begin(c)
	if err != nil {
		return nil, err
	}
	oldKey := NewStreamKey(c.Sender, oldPayee, oldAmountPerSec)
	if err := l.cancelStream(t, oldKey); err != nil {
		return nil, err
	}
	if err := l.createStream(t, c.Sender, payee, amountPerSec); err != nil {
		return nil, err
	}
	newKey := NewStreamKey(c.Sender, payee, amountPerSec)
	t.emit(Log{
		Kind:            LogStreamModified,
		Payer:           c.Sender,
		Payee:           payee,
		AmountPerSec:    newKey.AmountPerSec,
		StreamID:        newKey.ID(),
		OldPayee:        oldPayee,
		OldAmountPerSec: oldKey.AmountPerSec,
		OldStreamID:     oldKey.ID(),
	})
	return l.commit(t)
}

// WithdrawPayer returns amount, in internal precision, of the sender's
// undrained deposit. The sender must not be in debt.
func (l *StreamLedger) WithdrawPayer(c Call, amount *uint256.Int) (*Receipt, error) {
	t, err := l.begin(c)
	if err != nil {
		return nil, err
	}
	if err := l.withdrawPayer(t, c.Sender, amount, false); err != nil {
		return nil, err
	}
	return l.commit(t)
}

// WithdrawPayerAll returns the sender's whole settled balance.
func (l *StreamLedger) WithdrawPayerAll(c Call) (*Receipt, error) {
	t, err := l.begin(c)
	if err != nil {
		return nil, err
	}
	if err := l.withdrawPayer(t, c.Sender, nil, true); err != nil {
		return nil, err
	}
	return l.commit(t)
}

// EmergencyRug moves amount native tokens held by the ledger to to without
// touching any balance. Only the owner may call it.
func (l *StreamLedger) EmergencyRug(c Call, to common.Address, amount *uint256.Int) (*Receipt, error) {
	if c.Sender != l.owner {
		return nil, errors.ErrUnauthorized.Newf("%s is not the ledger owner", c.Sender.Hex())
	}
	t, err := l.begin(c)
	if err != nil {
		return nil, err
	}
	t.push(to, amount)
	log := Log{Kind: LogEmergencyRug, Payer: c.Sender, Payee: to}
	log.Amount.Set(amount)
	t.emit(log)
	return l.commit(t)
}

func (l *StreamLedger) deposit(t *txn, payer common.Address, amount *uint256.Int) error {
	internal, err := l.normalizer.ToInternal(amount)
	if err != nil {
		return err
	}
	p := t.payer(payer)
	if _, overflow := p.Balance.AddOverflow(&p.Balance, internal); overflow {
		return errors.ErrOverflow.Newf("balance of %s", payer.Hex())
	}
	t.setPayer(payer, p)
	t.pull(payer, amount)

	log := Log{Kind: LogPayerDeposit, Payer: payer}
	log.Amount.Set(amount)
	t.emit(log)
	return nil
}

func (l *StreamLedger) createStream(t *txn, payer, payee common.Address, amountPerSec *uint256.Int) error {
	if amountPerSec.IsZero() {
		return errors.ErrInvalidArgument.New("amountPerSec can't be 0")
	}
	key := NewStreamKey(payer, payee, amountPerSec)
	if t.streamStart(key) != 0 {
		return errors.ErrDuplicate.Newf("stream %s", key)
	}

	p, paidUntil := t.payer(payer).Settle(t.now)
	if paidUntil < t.now {
		return errors.ErrInsufficientFunds.Newf("payer %s is in debt", payer.Hex())
	}
	total, overflow := new(uint256.Int).AddOverflow(&p.TotalPaidPerSec, amountPerSec)
	if overflow || total.Gt(fpmath.MaxTotalPaidPerSec) {
		return errors.ErrOverflow.Newf("total paid per second of %s exceeds %d bits", payer.Hex(), fpmath.RateBits)
	}
	p.TotalPaidPerSec = *total
	t.setPayer(payer, p)
	t.setStream(key, t.now)

	t.emit(Log{Kind: LogStreamCreated, Payer: payer, Payee: payee, AmountPerSec: key.AmountPerSec, StreamID: key.ID()})
	return nil
}

// withdraw settles the payer, queues the payout of key (capped at the
// ledger's holdings) and returns the instant the stream is now paid up to. The caller decides what happens to
// the stream entry.
func (l *StreamLedger) withdraw(t *txn, key StreamKey) (uint64, error) {
	start := t.streamStart(key)
	if start == 0 {
		return 0, errors.ErrNotFound.Newf("stream %s doesn't exist", key)
	}

	p, paidUntil := t.payer(key.Payer).Settle(t.now)
	t.setPayer(key.Payer, p)

	amount := l.normalizer.ToNative(streamed(start, paidUntil, &key.AmountPerSec))
	if held := l.token.BalanceOf(l.address); amount.Gt(held) {
		amount = held
	}
	t.push(key.Payee, amount)

	log := Log{Kind: LogWithdraw, Payer: key.Payer, Payee: key.Payee, AmountPerSec: key.AmountPerSec, StreamID: key.ID()}
	log.Amount.Set(amount)
	t.emit(log)
	return paidUntil, nil
}

func (l *StreamLedger) cancelStream(t *txn, key StreamKey) error {
	if _, err := l.withdraw(t, key); err != nil {
		return err
	}
	t.setStream(key, 0)

	// The rate leaves the aggregate at the settled instant, so time after
	// the payer ran out no longer accrues for this stream.
	p := t.payer(key.Payer)
	p.TotalPaidPerSec.Sub(&p.TotalPaidPerSec, &key.AmountPerSec)
	t.setPayer(key.Payer, p)

	t.emit(Log{Kind: LogStreamCancelled, Payer: key.Payer, Payee: key.Payee, AmountPerSec: key.AmountPerSec, StreamID: key.ID()})
	return nil
}

func (l *StreamLedger) withdrawPayer(t *txn, payer common.Address, amount *uint256.Int, all bool) error {
	p, paidUntil := t.payer(payer).Settle(t.now)
	if paidUntil < t.now {
		return errors.ErrInsufficientFunds.Newf("payer %s is in debt", payer.Hex())
	}
	if all {
		amount = p.Balance.Clone()
	} else if amount.Gt(&p.Balance) {
		return errors.ErrInsufficientFunds.Newf("payer %s holds %s, asked for %s", payer.Hex(), p.Balance.Dec(), amount.Dec())
	}
	p.Balance.Sub(&p.Balance, amount)
	t.setPayer(payer, p)

	native := l.normalizer.ToNative(amount)
	t.push(payer, native)

	log := Log{Kind: LogPayerWithdraw, Payer: payer}
	log.Amount.Set(native)
	t.emit(log)
	return nil
}

// streamed returns (to-from)*rate, or zero if to is not after from.
func streamed(from, to uint64, rate *uint256.Int) *uint256.Int {
	if to <= from {
		return new(uint256.Int)
	}
	return new(uint256.Int).Mul(uint256.NewInt(to-from), rate)
}

// GetPayerBalance returns the payer's balance as of now in internal
// precision, negative while the payer is in debt. It does not change state.
func (l *StreamLedger) GetPayerBalance(payer common.Address, now uint64) *big.Int {
	return l.state.payers[payer].SignedBalance(now)
}

// Payer returns the stored, unsettled state of payer.
func (l *StreamLedger) Payer(payer common.Address) Payer {
	return l.state.payers[payer]
}

// StreamStart returns the start time of a stream, or zero if it does not
// exist.
func (l *StreamLedger) StreamStart(payer, payee common.Address, amountPerSec *uint256.Int) uint64 {
	return l.state.streams[NewStreamKey(payer, payee, amountPerSec)]
}
