package event

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeOpenPosition
	EventTypeExtendPosition
	EventTypeClosePosition
	EventTypeLiquidityProvided
	EventTypeLiquidityWithdrawn
	EventTypeLiquidationCall
	EventTypeTwapUpdated
	EventTypeFundingRateUpdated
	EventTypeFundingPaid
	EventTypeCollateralDeposited
	EventTypeCollateralWithdrawn
)

var eventTypeNames = map[EventType]string{
	EventTypeOpenPosition:        "OpenPosition",
	EventTypeExtendPosition:      "ExtendPosition",
	EventTypeClosePosition:       "ClosePosition",
	EventTypeLiquidityProvided:   "LiquidityProvided",
	EventTypeLiquidityWithdrawn:  "LiquidityWithdrawn",
	EventTypeLiquidationCall:     "LiquidationCall",
	EventTypeTwapUpdated:         "TwapUpdated",
	EventTypeFundingRateUpdated:  "FundingRateUpdated",
	EventTypeFundingPaid:         "FundingPaid",
	EventTypeCollateralDeposited: "CollateralDeposited",
	EventTypeCollateralWithdrawn: "CollateralWithdrawn",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of String.
func ParseEventType(name string) (EventType, error) {
	for et, n := range eventTypeNames {
		if n == name {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type: %s", name)
}

// Event is the interface all event payloads implement.
type Event interface {
	EventType() EventType

	// Market returns the market id ("" for account-level collateral events)
	Market() string

	// AccountID returns the account concerned (uuid.Nil for market-wide events)
	AccountID() uuid.UUID

	// Time returns the operation timestamp in seconds (versioned input, not wall-clock)
	Time() int64
}

// Header carries the fields every event has.
type Header struct {
	MarketID  string    `json:"market_id,omitempty"`
	Account   uuid.UUID `json:"account"`
	Timestamp int64     `json:"timestamp"`
}

func (h Header) Market() string       { return h.MarketID }
func (h Header) AccountID() uuid.UUID { return h.Account }
func (h Header) Time() int64          { return h.Timestamp }

// EventEnvelope wraps every committed event in the log
type EventEnvelope struct {
	// Per-market monotonic sequence assigned by the clearing house
	Sequence int64

	// Unique id, also the dedup key downstream
	EventID uuid.UUID

	EventType EventType

	MarketID string

	Timestamp int64

	Event Event

	// SHA-256 chain: hash of (PrevHash, Sequence, payload)
	StateHash [32]byte
	PrevHash  [32]byte
}

// Payload returns the JSON encoding of the wrapped event.
func (e *EventEnvelope) Payload() ([]byte, error) {
	return json.Marshal(e.Event)
}

// DecodePayload rebuilds a typed event from its JSON payload.
func DecodePayload(et EventType, payload []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypeOpenPosition:
		evt = &OpenPosition{}
	case EventTypeExtendPosition:
		evt = &ExtendPosition{}
	case EventTypeClosePosition:
		evt = &ClosePosition{}
	case EventTypeLiquidityProvided:
		evt = &LiquidityProvided{}
	case EventTypeLiquidityWithdrawn:
		evt = &LiquidityWithdrawn{}
	case EventTypeLiquidationCall:
		evt = &LiquidationCall{}
	case EventTypeTwapUpdated:
		evt = &TwapUpdated{}
	case EventTypeFundingRateUpdated:
		evt = &FundingRateUpdated{}
	case EventTypeFundingPaid:
		evt = &FundingPaid{}
	case EventTypeCollateralDeposited:
		evt = &CollateralDeposited{}
	case EventTypeCollateralWithdrawn:
		evt = &CollateralWithdrawn{}
	default:
		return nil, fmt.Errorf("unknown event type: %d", et)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", et, err)
	}
	return evt, nil
}
