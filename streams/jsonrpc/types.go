// Package jsonrpc defines the wire contract of the exchange stream shared by
// the server in package rpc and the stream client.
package jsonrpc

import (
	"encoding/json"

	"github.com/defistate/defistate-dex-go/protocols/dex"
)

const (
	// Namespace is the JSON-RPC namespace of every dex method.
	Namespace = "dex"
	// ExchangeStreamMethod is the subscription name passed to dex_subscribe.
	ExchangeStreamMethod = "exchangeStream"

	EventTypeFull = "full"
	EventTypeDiff = "diff"
)

// SubscriptionEvent is the wrapper object sent for every stream notification.
type SubscriptionEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	SentAt  int64           `json:"sentAt"`
}

// FullState is the payload of a "full" event.
type FullState struct {
	Schema    string         `json:"schema"`
	Sequence  uint64         `json:"sequence"`
	Exchanges []dex.Exchange `json:"exchanges"`
}

// StateDiff is the payload of a "diff" event.
type StateDiff struct {
	Schema       string                 `json:"schema"`
	FromSequence uint64                 `json:"fromSequence"`
	ToSequence   uint64                 `json:"toSequence"`
	Diff         dex.ExchangeSystemDiff `json:"diff"`
}
