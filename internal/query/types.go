package query

// PayContractResponse describes one deployed ledger.
type PayContractResponse struct {
	Token        string `json:"token"`
	Contract     string `json:"contract"`
	Index        int    `json:"index"`
	Symbol       string `json:"symbol"`
	Decimals     uint8  `json:"decimals"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// PayerBalanceResponse is a payer's balance evaluated at a point in time.
// Balance is signed and in internal 20-decimal precision: negative means
// the payer's streams have run past its funds.
type PayerBalanceResponse struct {
	Token           string `json:"token"`
	Payer           string `json:"payer"`
	Balance         string `json:"balance"`
	BalanceTokens   string `json:"balance_tokens"` // Balance in whole tokens
	TotalPaidPerSec string `json:"total_paid_per_sec"`
	LastUpdate      uint64 `json:"last_update"`
	PaidUntil       uint64 `json:"paid_until"`
	InDebt          bool   `json:"in_debt"`
	At              uint64 `json:"at"`
	AsOfSequence    int64  `json:"as_of_sequence"`
}

// WithdrawableResponse is what a stream could pay out at a point in time.
// Amounts are native token units. The payout Withdraw makes is further
// capped by the ledger's token balance.
type WithdrawableResponse struct {
	StreamID           string `json:"stream_id"`
	WithdrawableAmount string `json:"withdrawable_amount"`
	Owed               string `json:"owed"`
	LastUpdate         uint64 `json:"last_update"`
	At                 uint64 `json:"at"`
	AsOfSequence       int64  `json:"as_of_sequence"`
}

// StreamResponse is one active stream.
type StreamResponse struct {
	StreamID     string `json:"stream_id"`
	Token        string `json:"token"`
	Payer        string `json:"payer"`
	Payee        string `json:"payee"`
	AmountPerSec string `json:"amount_per_sec"`
	Start        uint64 `json:"start"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// LedgerLogEntry is one persisted ledger log.
type LedgerLogEntry struct {
	Sequence     int64  `json:"sequence"`
	LogIndex     int    `json:"log_index"`
	Kind         string `json:"kind"`
	Payer        string `json:"payer"`
	Payee        string `json:"payee"`
	AmountPerSec string `json:"amount_per_sec"`
	StreamID     string `json:"stream_id"`
	Amount       string `json:"amount"`
	LedgerTime   int64  `json:"ledger_time"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool           `json:"is_healthy"`
	HashChainBreaks []int64        `json:"hash_chain_breaks,omitempty"`
	RateMismatches  []RateMismatch `json:"rate_mismatches,omitempty"`
	AsOfSequence    int64          `json:"as_of_sequence"`
}

// RateMismatch is a payer whose aggregate rate differs from the sum of its
// projected streams.
type RateMismatch struct {
	Token      string `json:"token"`
	Payer      string `json:"payer"`
	Total      string `json:"total_paid_per_sec"`
	StreamsSum string `json:"streams_sum"`
}
