// Package rpc serves quotes and exchange state over go-ethereum JSON-RPC.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/defistate/defistate-dex-go/protocols/dex"
	"github.com/defistate/defistate-dex-go/quote"
	"github.com/defistate/defistate-dex-go/registry"
	"github.com/defistate/defistate-dex-go/streams/jsonrpc"
	"github.com/ethereum/go-ethereum/event"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

const defaultStreamBuffer = 64

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Quoter is the pricing surface exposed over RPC. *quote.Quoter implements it.
type Quoter interface {
	CurrencyToAssetInputPrice(id dex.AssetID, currencyAmount dex.Balance) (dex.AssetBalance, error)
	CurrencyToAssetOutputPrice(id dex.AssetID, tokenAmount dex.AssetBalance) (dex.Balance, error)
	AssetToCurrencyInputPrice(id dex.AssetID, tokenAmount dex.AssetBalance) (dex.Balance, error)
	AssetToCurrencyOutputPrice(id dex.AssetID, currencyAmount dex.Balance) (dex.AssetBalance, error)
}

// ExchangeSource supplies snapshots and change notifications. *registry.ExchangeSystem implements it.
type ExchangeSource interface {
	Snapshot() registry.Snapshot
	SubscribeUpdates(ch chan<- registry.Update) event.Subscription
}

// Config holds the dependencies of the API.
type Config struct {
	Quoter       Quoter
	Exchanges    ExchangeSource
	Logger       Logger
	StreamBuffer uint
}

func (c *Config) validate() error {
	if c.Quoter == nil {
		return errors.New("config: Quoter is required")
	}
	if c.Exchanges == nil {
		return errors.New("config: Exchanges is required")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	return nil
}

// API is registered under the "dex" namespace.
type API struct {
	quoter       Quoter
	exchanges    ExchangeSource
	logger       Logger
	streamBuffer int
}

// NewAPI validates cfg and builds the API.
func NewAPI(cfg Config) (*API, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	buffer := int(cfg.StreamBuffer)
	if buffer == 0 {
		buffer = defaultStreamBuffer
	}
	return &API{
		quoter:       cfg.Quoter,
		exchanges:    cfg.Exchanges,
		logger:       cfg.Logger,
		streamBuffer: buffer,
	}, nil
}

// NewServer returns a JSON-RPC server with api registered under jsonrpc.Namespace.
func NewServer(api *API) (*gethrpc.Server, error) {
	server := gethrpc.NewServer()
	if err := server.RegisterName(jsonrpc.Namespace, api); err != nil {
		return nil, fmt.Errorf("failed to register API: %w", err)
	}
	return server, nil
}

// GetCurrencyToAssetInputPrice serves dex_getCurrencyToAssetInputPrice.
func (api *API) GetCurrencyToAssetInputPrice(assetID dex.AssetID, currencyAmount dex.Balance) (dex.AssetBalance, error) {
	out, err := api.quoter.CurrencyToAssetInputPrice(assetID, currencyAmount)
	if err != nil {
		return dex.AssetBalance{}, toRPCError(err)
	}
	return out, nil
}

// GetCurrencyToAssetOutputPrice serves dex_getCurrencyToAssetOutputPrice.
func (api *API) GetCurrencyToAssetOutputPrice(assetID dex.AssetID, tokenAmount dex.AssetBalance) (dex.Balance, error) {
	in, err := api.quoter.CurrencyToAssetOutputPrice(assetID, tokenAmount)
	if err != nil {
		return dex.Balance{}, toRPCError(err)
	}
	return in, nil
}

// GetAssetToCurrencyInputPrice serves dex_getAssetToCurrencyInputPrice.
func (api *API) GetAssetToCurrencyInputPrice(assetID dex.AssetID, tokenAmount dex.AssetBalance) (dex.Balance, error) {
	out, err := api.quoter.AssetToCurrencyInputPrice(assetID, tokenAmount)
	if err != nil {
		return dex.Balance{}, toRPCError(err)
	}
	return out, nil
}

// GetAssetToCurrencyOutputPrice serves dex_getAssetToCurrencyOutputPrice.
func (api *API) GetAssetToCurrencyOutputPrice(assetID dex.AssetID, currencyAmount dex.Balance) (dex.AssetBalance, error) {
	in, err := api.quoter.AssetToCurrencyOutputPrice(assetID, currencyAmount)
	if err != nil {
		return dex.AssetBalance{}, toRPCError(err)
	}
	return in, nil
}

// GetExchange serves dex_getExchange.
func (api *API) GetExchange(assetID dex.AssetID) (*dex.Exchange, error) {
	ex, ok := api.exchanges.Snapshot().Exchanges.GetByAssetID(assetID)
	if !ok {
		return nil, &Error{Kind: quote.KindExchangeNotFound}
	}
	return &ex, nil
}

// GetExchanges serves dex_getExchanges.
func (api *API) GetExchanges() jsonrpc.FullState {
	return fullState(api.exchanges.Snapshot())
}

// ExchangeStream serves dex_subscribe("exchangeStream"). The subscriber first
// receives a "full" event with the current snapshot, then a "diff" event for
// every change. A change that cannot be expressed as a contiguous diff, or a
// subscriber that falls a full buffer behind, gets a new "full" event.
func (api *API) ExchangeStream(ctx context.Context) (*gethrpc.Subscription, error) {
	notifier, supported := gethrpc.NotifierFromContext(ctx)
	if !supported {
		return nil, gethrpc.ErrNotificationsUnsupported
	}

	rpcSub := notifier.CreateSubscription()
	st := newStream(rpcSub.ID, api.exchanges, api.logger, api.streamBuffer, func(eventType string, payload any) error {
		return notify(notifier, rpcSub.ID, eventType, payload)
	})
	go st.run(rpcSub.Err())

	return rpcSub, nil
}

func fullState(snap registry.Snapshot) jsonrpc.FullState {
	return jsonrpc.FullState{
		Schema:    dex.Schema,
		Sequence:  snap.Sequence,
		Exchanges: snap.Exchanges.All(),
	}
}

func notify(notifier *gethrpc.Notifier, id gethrpc.ID, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return notifier.Notify(id, jsonrpc.SubscriptionEvent{
		Type:    eventType,
		Payload: raw,
		SentAt:  time.Now().UnixNano(),
	})
}
