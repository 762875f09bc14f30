package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"StreamPay/internal/errors"
	"StreamPay/internal/event"
	"StreamPay/internal/ledger"
	"StreamPay/internal/observability"
	"StreamPay/internal/registry"
	"StreamPay/internal/token"
)

// Outcome tells whether a command changed state.
type Outcome int32

const (
	OutcomeApplied Outcome = iota + 1
	// OutcomeRejected commands failed a ledger, registry or bank check.
	// They are logged and deduplicated like applied ones but change no
	// state.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Config holds the identities the core is deployed with.
type Config struct {
	// Factory is the registry's own address; ledger addresses derive from it.
	Factory common.Address
	// Owner administers tokens and owns every ledger.
	Owner common.Address
	// LRUCapacity bounds the in-memory idempotency tier.
	LRUCapacity int
}

// DeterministicCore is the single-threaded command processor
type DeterministicCore struct {
	sequence          int64
	owner             common.Address
	hasher            *StateHasher
	bank              *token.Bank
	factory           *registry.Factory
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything downstream needs to know about one command.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Outcome  Outcome

	// Set when Outcome is OutcomeRejected.
	ErrorCode uint32
	Reason    string

	// Set for ledger commands that were applied.
	Receipt *ledger.Receipt
	// Set for an applied PayContractRequested, with the token it serves.
	Created   *registry.PayContractCreated
	TokenInfo token.Info
	// Token balances touched by the command, after it ran.
	Balances []TokenBalance

	StateDelta []byte
}

// TokenBalance is one account's balance of one token.
type TokenBalance struct {
	Token   common.Address
	Account common.Address
	Amount  *uint256.Int
}

func NewDeterministicCore(
	startSequence int64,
	cfg Config,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *DeterministicCore {
	if cfg.LRUCapacity <= 0 {
		cfg.LRUCapacity = 1_000_000
	}
	bank := token.NewBank()
	return &DeterministicCore{
		sequence:          startSequence,
		owner:             cfg.Owner,
		hasher:            NewStateHasher(),
		bank:              bank,
		factory:           registry.NewFactory(cfg.Factory, cfg.Owner, bank),
		idempotency:       NewIdempotencyChecker(cfg.LRUCapacity, dbChecker, metrics),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// ProcessEvent is the main processing pipeline. It returns an error only
// for commands that were not processed at all (ordering failures); a
// command the ledger refuses is recorded with OutcomeRejected.
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation
	if err := c.sequenceValidator.ValidateSequence(evt.Partition(), evt.SourceSequence(), idempotencyKey, isDuplicate); err != nil {
		if c.metrics != nil {
			reason := "gap"
			if ErrOutOfOrder.Is(err) {
				reason = "out_of_order"
				c.metrics.EventOutOfOrder.WithLabelValues(evt.Partition()).Inc()
			} else {
				c.metrics.EventSequenceGap.WithLabelValues(evt.Partition()).Inc()
			}
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
		}
		return fmt.Errorf("sequence validation failed: %w", err)
	}

	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil
	}

	// Steps 3-5: dispatch, digest, hash chain
	output, err := c.apply(evt)
	if err != nil {
		return err
	}

	// Step 6: Emit. The persist send blocks so nothing is lost; the
	// projection send drops when full since projections can be rebuilt from
	// the event log.
	select {
	case c.persistChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.PersistBackpressure.Inc()
		}
		c.persistChan <- output
	}
	select {
	case c.projectionChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.ProjectionDrops.WithLabelValues("all").Inc()
		}
	}

	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType, output.Outcome.String()).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.recordLedgerMetrics(output)
	}
	return nil
}

// ReplayEvent re-applies a command read back from the event log at
// sequence and checks that it reproduces the recorded state hash. Nothing
// is emitted: the command is already persisted.
func (c *DeterministicCore) ReplayEvent(evt event.Event, sequence int64, stateHash [32]byte) error {
	if sequence != c.sequence {
		return errors.ErrInvalidState.Newf("replay of sequence %d, core is at %d", sequence, c.sequence)
	}
	if err := c.sequenceValidator.ValidateSequence(evt.Partition(), evt.SourceSequence(), evt.IdempotencyKey(), false); err != nil {
		return fmt.Errorf("replay sequence %d: %w", sequence, err)
	}
	output, err := c.apply(evt)
	if err != nil {
		return err
	}
	if output.Envelope.StateHash != stateHash {
		return errors.ErrInvalidState.Newf("replay of sequence %d: state hash %x, log has %x", sequence, output.Envelope.StateHash, stateHash)
	}
	c.idempotency.MarkProcessed(evt.EventType().String(), evt.IdempotencyKey())
	if c.metrics != nil {
		c.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

func (c *DeterministicCore) apply(evt event.Event) (CoreOutput, error) {
	payload, err := event.Marshal(evt)
	if err != nil {
		return CoreOutput{}, fmt.Errorf("encode payload: %w", err)
	}

	output, dispatchErr := c.dispatchEvent(evt)
	if dispatchErr != nil {
		output = CoreOutput{
			Outcome:   OutcomeRejected,
			ErrorCode: errors.Code(dispatchErr),
			Reason:    dispatchErr.Error(),
		}
	} else {
		output.Outcome = OutcomeApplied
	}

	output.StateDelta = c.computeStateDigest(&output)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, output.StateDelta)

	h := evt.Meta()
	output.Envelope = &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		Partition:      evt.Partition(),
		Sender:         h.Sender,
		Token:          h.Token,
		Timestamp:      h.Timestamp,
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	c.sequence++
	return output, nil
}

func (c *DeterministicCore) dispatchEvent(evt event.Event) (CoreOutput, error) {
	h := evt.Meta()
	switch e := evt.(type) {
	case *event.TokenRegistered:
		if err := c.requireOwner(h.Sender); err != nil {
			return CoreOutput{}, err
		}
		return CoreOutput{}, c.bank.Register(h.Token, e.Symbol, e.Decimals)

	case *event.TokenMinted:
		if err := c.requireOwner(h.Sender); err != nil {
			return CoreOutput{}, err
		}
		if err := c.bank.Mint(h.Token, e.Account, e.Amount); err != nil {
			return CoreOutput{}, err
		}
		return CoreOutput{Balances: c.balances(h.Token, e.Account)}, nil

	case *event.TokenApproved:
		return CoreOutput{}, c.bank.Approve(h.Token, h.Sender, e.Spender, e.Amount)

	case *event.PayContractRequested:
		created, err := c.factory.CreatePayContract(h.Token)
		if err != nil {
			return CoreOutput{}, err
		}
		info, _ := c.bank.Info(h.Token)
		return CoreOutput{Created: created, TokenInfo: info}, nil
	}

	l, err := c.factory.Ledger(h.Token)
	if err != nil {
		return CoreOutput{}, err
	}
	call := ledger.Call{Sender: h.Sender, Time: h.Unix()}

	var receipt *ledger.Receipt
	switch e := evt.(type) {
	case *event.Deposit:
		receipt, err = l.Deposit(call, e.Amount)
	case *event.DepositAndCreate:
		receipt, err = l.DepositAndCreate(call, e.Amount, e.Payee, e.AmountPerSec)
	case *event.StreamCreate:
		receipt, err = l.CreateStream(call, e.Payee, e.AmountPerSec)
	case *event.StreamWithdraw:
		receipt, err = l.Withdraw(call, e.Payer, e.Payee, e.AmountPerSec)
	case *event.StreamCancel:
		receipt, err = l.CancelStream(call, e.Payee, e.AmountPerSec)
	case *event.StreamModify:
		receipt, err = l.ModifyStream(call, e.OldPayee, e.OldAmountPerSec, e.Payee, e.AmountPerSec)
	case *event.PayerWithdraw:
		receipt, err = l.WithdrawPayer(call, e.Amount)
	case *event.PayerWithdrawAll:
		receipt, err = l.WithdrawPayerAll(call)
	case *event.EmergencyRug:
		receipt, err = l.EmergencyRug(call, e.To, e.Amount)
	default:
		panic(fmt.Sprintf("FATAL: dispatchEvent called with unhandled event type %T", evt))
	}
	if err != nil {
		return CoreOutput{}, err
	}

	accounts := []common.Address{l.Address()}
	for _, log := range receipt.Logs {
		accounts = append(accounts, log.Payer, log.Payee)
	}
	return CoreOutput{Receipt: receipt, Balances: c.balances(h.Token, accounts...)}, nil
}

func (c *DeterministicCore) requireOwner(sender common.Address) error {
	if sender != c.owner {
		return errors.ErrUnauthorized.Newf("%s may not administer tokens", sender.Hex())
	}
	return nil
}

// balances reads the current balances of the given accounts, deduplicated
// and in address order. The zero address is skipped.
func (c *DeterministicCore) balances(tokenAddr common.Address, accounts ...common.Address) []TokenBalance {
	sort.Slice(accounts, func(i, j int) bool {
		return bytes.Compare(accounts[i].Bytes(), accounts[j].Bytes()) < 0
	})
	var out []TokenBalance
	for i, a := range accounts {
		if a == (common.Address{}) || (i > 0 && accounts[i-1] == a) {
			continue
		}
		out = append(out, TokenBalance{Token: tokenAddr, Account: a, Amount: c.bank.BalanceOf(tokenAddr, a)})
	}
	return out
}

// computeStateDigest creates canonical bytes for the state hash: the
// outcome, then every entity the command touched in a fixed order.
func (c *DeterministicCore) computeStateDigest(output *CoreOutput) []byte {
	digest := make([]byte, 0, 256)
	digest = append(digest, byte(output.Outcome))

	if output.Outcome == OutcomeRejected {
		return binary.LittleEndian.AppendUint32(digest, output.ErrorCode)
	}

	if output.Created != nil {
		digest = append(digest, 'C')
		digest = append(digest, output.Created.Token.Bytes()...)
		digest = append(digest, output.Created.Contract.Bytes()...)
	}

	if r := output.Receipt; r != nil {
		digest = append(digest, 'R')
		digest = append(digest, r.Ledger.Bytes()...)
		digest = binary.LittleEndian.AppendUint64(digest, r.Time)
		for _, p := range r.Payers {
			digest = append(digest, p.Address.Bytes()...)
			digest = appendWord(digest, &p.Balance)
			digest = appendWord(digest, &p.TotalPaidPerSec)
			digest = binary.LittleEndian.AppendUint64(digest, p.LastUpdate)
		}
		for _, s := range r.Streams {
			digest = append(digest, s.ID.Bytes()...)
			digest = binary.LittleEndian.AppendUint64(digest, s.Start)
		}
	}

	for _, b := range output.Balances {
		digest = append(digest, 'B')
		digest = append(digest, b.Token.Bytes()...)
		digest = append(digest, b.Account.Bytes()...)
		digest = appendWord(digest, b.Amount)
	}
	return digest
}

func appendWord(buf []byte, v *uint256.Int) []byte {
	w := v.Bytes32()
	return append(buf, w[:]...)
}

func (c *DeterministicCore) recordLedgerMetrics(output CoreOutput) {
	if output.Created != nil {
		c.metrics.LedgerPayContracts.Set(float64(c.factory.PayContractsArrayLength()))
	}
	r := output.Receipt
	if r == nil {
		return
	}
	info, _ := c.bank.Info(r.Token)
	label := r.Token.Hex()
	for _, log := range r.Logs {
		c.metrics.CoreLedgerLogs.WithLabelValues(log.Kind.String()).Inc()
		amount := decimal.NewFromBigInt(log.Amount.ToBig(), -int32(info.Decimals)).InexactFloat64()
		switch log.Kind {
		case ledger.LogPayerDeposit:
			c.metrics.LedgerDeposited.WithLabelValues(label).Add(amount)
		case ledger.LogWithdraw, ledger.LogPayerWithdraw, ledger.LogEmergencyRug:
			c.metrics.LedgerPaidOut.WithLabelValues(label, log.Kind.String()).Add(amount)
		}
	}
	if l, err := c.factory.Ledger(r.Token); err == nil {
		c.metrics.LedgerActiveStreams.WithLabelValues(label).Set(float64(l.StreamCount()))
	}
}

// --- State access ---

// Factory returns the registry. Only the core goroutine may call mutating
// ledger methods on what it returns.
func (c *DeterministicCore) Factory() *registry.Factory {
	return c.factory
}

// Bank returns the token bank.
func (c *DeterministicCore) Bank() *token.Bank {
	return c.bank
}

// GetSequence returns the next sequence the core will assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.Warm(keys)
}
