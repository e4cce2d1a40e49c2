package models

import (
	"encoding/json"
	"time"
)

// TradeState reports whether a trade is still running or already closed.
type TradeState string

const (
	TradeStateOpen   TradeState = "OPEN"
	TradeStateClosed TradeState = "CLOSED"
)

// TradeSide is the direction reported by the backend for a trade.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// profitAliases lists, in priority order, the field names upstream sources use
// for a trade's net result. The live stream and the snapshot store disagree on
// naming; the first numeric match wins.
var profitAliases = []string{"profit", "pnl", "net_profit", "pl", "result", "net", "gain"}

// TradeRecord is one open or closed trade as reported by the backend. The raw
// payload is retained so alias-named fields stay reachable after decoding.
type TradeRecord struct {
	ID         string     `json:"id"`
	Symbol     string     `json:"symbol"`
	Side       TradeSide  `json:"side"`
	Volume     float64    `json:"volume"`
	ClosePrice float64    `json:"close_price"`
	Profit     float64    `json:"profit"`
	Swap       float64    `json:"swap"`
	Commission float64    `json:"commission"`
	State      TradeState `json:"state"`
	Comment    string     `json:"comment"`

	raw map[string]json.RawMessage
}

// UnmarshalJSON decodes the typed fields and keeps the raw object around for
// alias lookups.
func (t *TradeRecord) UnmarshalJSON(data []byte) error {
	type alias TradeRecord
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*t = TradeRecord(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.raw = raw
	return nil
}

// ProfitValue returns the trade's net result using the first numeric field
// among the known aliases. The second return is false when no alias carries a
// numeric value.
func (t *TradeRecord) ProfitValue() (float64, bool) {
	for _, name := range profitAliases {
		rawVal, ok := t.raw[name]
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(rawVal, &f); err == nil {
			return f, true
		}
	}
	// Decoded without a retained raw payload, fall back to the typed field.
	if t.raw == nil {
		return t.Profit, true
	}
	return 0, false
}

// CloseTimestamp parses the trade's close time. Upstream emits either RFC3339
// strings or unix epoch numbers, and some sources omit the field entirely.
func (t *TradeRecord) CloseTimestamp() (time.Time, bool) {
	rawVal, ok := t.raw["close_time"]
	if !ok {
		return time.Time{}, false
	}
	var v interface{}
	if err := json.Unmarshal(rawVal, &v); err != nil {
		return time.Time{}, false
	}
	return ParseTimestamp(v)
}

// DisplaySide is the direction shown to the user. Closed trades are reported
// with the closing side, so the original opening direction is the flip of it.
// Open trades are shown unchanged.
func (t *TradeRecord) DisplaySide() TradeSide {
	if t.State != TradeStateClosed {
		return t.Side
	}
	switch t.Side {
	case TradeSideBuy:
		return TradeSideSell
	case TradeSideSell:
		return TradeSideBuy
	default:
		return t.Side
	}
}

// AccountInfo identifies one trading account in the account list.
type AccountInfo struct {
	ID       string `json:"id"`
	Login    string `json:"login,omitempty"`
	Name     string `json:"name,omitempty"`
	Currency string `json:"currency,omitempty"`
}

// AccountEntry is one element of the accounts/list response: the account
// identity, its latest trading snapshot and the receiver that reported it.
type AccountEntry struct {
	Account    AccountInfo            `json:"account"`
	Trading    map[string]interface{} `json:"trading"`
	ReceiverID string                 `json:"receiver_id"`
}

// AccountsResponse mirrors GET accounts/list.
type AccountsResponse struct {
	Accounts []AccountEntry `json:"accounts"`
}

// ItemsResponse mirrors the `{items: [...]}` envelope used by the metrics,
// history and trades endpoints. Rows stay loosely typed because the two
// telemetry sources use different field layouts for the same quantities.
type ItemsResponse struct {
	Items []map[string]interface{} `json:"items"`
}

// TradesResponse mirrors GET accounts/{id}/trades.
type TradesResponse struct {
	Items []TradeRecord `json:"items"`
}
