package ingestion

import (
	fpmath "PerpClearing/internal/math"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Kind names an inbound message type. Each kind has its own subject.
type Kind string

const (
	KindIndexPrice          Kind = "IndexPrice"
	KindFundingTick         Kind = "FundingTick"
	KindDepositConfirmed    Kind = "DepositConfirmed"
	KindWithdrawalRequested Kind = "WithdrawalRequested"
)

// Input is a validated inbound message.
type Input interface {
	Kind() Kind
}

// IndexPriceUpdate moves the index price of a market.
type IndexPriceUpdate struct {
	MarketID  string
	Price     fpmath.Wad
	Timestamp int64
}

// FundingTick asks the market to accrue funding up to Timestamp.
type FundingTick struct {
	MarketID  string
	Timestamp int64
}

// DepositConfirmed credits collateral once an external deposit settles.
// DepositID is the dedup key.
type DepositConfirmed struct {
	DepositID uuid.UUID
	Account   uuid.UUID
	Token     string
	Amount    fpmath.Wad
	Timestamp int64
}

// WithdrawalRequested debits collateral. WithdrawalID is the dedup key.
type WithdrawalRequested struct {
	WithdrawalID uuid.UUID
	Account      uuid.UUID
	Token        string
	Amount       fpmath.Wad
	Timestamp    int64
}

func (IndexPriceUpdate) Kind() Kind    { return KindIndexPrice }
func (FundingTick) Kind() Kind         { return KindFundingTick }
func (DepositConfirmed) Kind() Kind    { return KindDepositConfirmed }
func (WithdrawalRequested) Kind() Kind { return KindWithdrawalRequested }

// Parse decodes and validates a message of the given kind.
func Parse(kind Kind, data []byte) (Input, error) {
	switch kind {
	case KindIndexPrice:
		return parseIndexPrice(data)
	case KindFundingTick:
		return parseFundingTick(data)
	case KindDepositConfirmed:
		return parseDeposit(data)
	case KindWithdrawalRequested:
		return parseWithdrawal(data)
	default:
		return nil, fmt.Errorf("unknown message kind: %s", kind)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts and
// prices are decimal strings; timestamps are unix seconds.

type indexPriceJSON struct {
	MarketID  string     `json:"market_id"`
	Price     fpmath.Wad `json:"price"`
	Timestamp int64      `json:"timestamp"`
}

func parseIndexPrice(data []byte) (IndexPriceUpdate, error) {
	var j indexPriceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return IndexPriceUpdate{}, fmt.Errorf("parse IndexPrice: %w", err)
	}
	if j.MarketID == "" {
		return IndexPriceUpdate{}, fmt.Errorf("parse IndexPrice: market_id is required")
	}
	if !j.Price.IsPositive() {
		return IndexPriceUpdate{}, fmt.Errorf("parse IndexPrice: price must be > 0, got %s", j.Price)
	}
	if j.Timestamp <= 0 {
		return IndexPriceUpdate{}, fmt.Errorf("parse IndexPrice: timestamp must be > 0")
	}
	return IndexPriceUpdate{MarketID: j.MarketID, Price: j.Price, Timestamp: j.Timestamp}, nil
}

type fundingTickJSON struct {
	MarketID  string `json:"market_id"`
	Timestamp int64  `json:"timestamp"`
}

func parseFundingTick(data []byte) (FundingTick, error) {
	var j fundingTickJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return FundingTick{}, fmt.Errorf("parse FundingTick: %w", err)
	}
	if j.MarketID == "" {
		return FundingTick{}, fmt.Errorf("parse FundingTick: market_id is required")
	}
	if j.Timestamp <= 0 {
		return FundingTick{}, fmt.Errorf("parse FundingTick: timestamp must be > 0")
	}
	return FundingTick{MarketID: j.MarketID, Timestamp: j.Timestamp}, nil
}

type transferJSON struct {
	ID        string     `json:"id"`
	Account   string     `json:"account"`
	Token     string     `json:"token"`
	Amount    fpmath.Wad `json:"amount"`
	Timestamp int64      `json:"timestamp"`
}

func parseTransfer(name string, data []byte) (id, account uuid.UUID, j transferJSON, err error) {
	if err = json.Unmarshal(data, &j); err != nil {
		return id, account, j, fmt.Errorf("parse %s: %w", name, err)
	}
	if id, err = uuid.Parse(j.ID); err != nil {
		return id, account, j, fmt.Errorf("parse %s id: %w", name, err)
	}
	if account, err = uuid.Parse(j.Account); err != nil {
		return id, account, j, fmt.Errorf("parse %s account: %w", name, err)
	}
	if !j.Amount.IsPositive() {
		return id, account, j, fmt.Errorf("parse %s: amount must be > 0, got %s", name, j.Amount)
	}
	if j.Timestamp <= 0 {
		return id, account, j, fmt.Errorf("parse %s: timestamp must be > 0", name)
	}
	return id, account, j, nil
}

func parseDeposit(data []byte) (DepositConfirmed, error) {
	id, account, j, err := parseTransfer("DepositConfirmed", data)
	if err != nil {
		return DepositConfirmed{}, err
	}
	return DepositConfirmed{
		DepositID: id,
		Account:   account,
		Token:     j.Token,
		Amount:    j.Amount,
		Timestamp: j.Timestamp,
	}, nil
}

func parseWithdrawal(data []byte) (WithdrawalRequested, error) {
	id, account, j, err := parseTransfer("WithdrawalRequested", data)
	if err != nil {
		return WithdrawalRequested{}, err
	}
	return WithdrawalRequested{
		WithdrawalID: id,
		Account:      account,
		Token:        j.Token,
		Amount:       j.Amount,
		Timestamp:    j.Timestamp,
	}, nil
}
