// Package quote prices trades against registered exchanges.
//
// Every operation resolves the exchange for an asset, brings asset-denominated
// quantities into currency units, runs the constant-product curve and converts
// the result back when the caller expects asset units. Failures are reported as
// *Error values with a stable Kind.
package quote

import (
	"errors"
	"fmt"
	"time"

	"github.com/defistate/defistate-dex-go/protocols/dex"
	"github.com/defistate/defistate-dex-go/protocols/dex/denom"
	"github.com/prometheus/client_golang/prometheus"
)

// Method names used for metrics and logs.
const (
	MethodCurrencyToAssetInput  = "currency_to_asset_input"
	MethodCurrencyToAssetOutput = "currency_to_asset_output"
	MethodAssetToCurrencyInput  = "asset_to_currency_input"
	MethodAssetToCurrencyOutput = "asset_to_currency_output"
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Registry resolves the current reserve snapshot for an asset.
type Registry interface {
	GetByAssetID(id dex.AssetID) (dex.Exchange, bool)
}

// Pricer evaluates the constant-product curve. *calculator.Engine implements it.
type Pricer interface {
	GetInputPrice(amountIn, inputReserve, outputReserve dex.Balance) (dex.Balance, error)
	GetOutputPrice(amountOut, inputReserve, outputReserve dex.Balance) (dex.Balance, error)
}

// Config holds the dependencies of a Quoter.
type Config struct {
	Registry  Registry
	Converter denom.Converter
	Engine    Pricer
	Logger    Logger
	Metrics   prometheus.Registerer
}

func (c *Config) validate() error {
	if c.Registry == nil {
		return errors.New("config: Registry is required")
	}
	if c.Converter == nil {
		return errors.New("config: Converter is required")
	}
	if c.Engine == nil {
		return errors.New("config: Engine is required")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	if c.Metrics == nil {
		return errors.New("config: Metrics registerer is required")
	}
	return nil
}

// Quoter answers the four directional price questions. It holds no mutable
// state and is safe for concurrent use.
type Quoter struct {
	registry  Registry
	converter denom.Converter
	engine    Pricer
	logger    Logger
	metrics   *Metrics
}

// New constructs a Quoter, returning an error if a dependency is missing.
func New(cfg Config) (*Quoter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Quoter{
		registry:  cfg.Registry,
		converter: cfg.Converter,
		engine:    cfg.Engine,
		logger:    cfg.Logger,
		metrics:   NewMetrics(cfg.Metrics),
	}, nil
}

// CurrencyToAssetInputPrice answers "how much asset do I get for this much currency?".
func (q *Quoter) CurrencyToAssetInputPrice(id dex.AssetID, currencyAmount dex.Balance) (out dex.AssetBalance, err error) {
	defer q.track(MethodCurrencyToAssetInput, id, currencyAmount, time.Now(), &err)

	ex, tokenReserve, err := q.resolve(id, denom.Floor)
	if err != nil {
		return dex.AssetBalance{}, err
	}
	price, err := q.engine.GetInputPrice(currencyAmount, ex.CurrencyReserve, tokenReserve)
	if err != nil {
		return dex.AssetBalance{}, classify(err)
	}
	return q.toAsset(price, denom.Floor)
}

// CurrencyToAssetOutputPrice answers "how much currency must I pay to get this much asset?".
func (q *Quoter) CurrencyToAssetOutputPrice(id dex.AssetID, tokenAmount dex.AssetBalance) (in dex.Balance, err error) {
	defer q.track(MethodCurrencyToAssetOutput, id, tokenAmount, time.Now(), &err)

	ex, tokenReserve, err := q.resolve(id, denom.Floor)
	if err != nil {
		return dex.Balance{}, err
	}
	amount, err := q.toCurrency(tokenAmount, denom.Ceil)
	if err != nil {
		return dex.Balance{}, err
	}
	price, err := q.engine.GetOutputPrice(amount, ex.CurrencyReserve, tokenReserve)
	if err != nil {
		return dex.Balance{}, classify(err)
	}
	return price, nil
}

// AssetToCurrencyInputPrice answers "how much currency do I get for this much asset?".
func (q *Quoter) AssetToCurrencyInputPrice(id dex.AssetID, tokenAmount dex.AssetBalance) (out dex.Balance, err error) {
	defer q.track(MethodAssetToCurrencyInput, id, tokenAmount, time.Now(), &err)

	ex, tokenReserve, err := q.resolve(id, denom.Ceil)
	if err != nil {
		return dex.Balance{}, err
	}
	amount, err := q.toCurrency(tokenAmount, denom.Floor)
	if err != nil {
		return dex.Balance{}, err
	}
	price, err := q.engine.GetInputPrice(amount, tokenReserve, ex.CurrencyReserve)
	if err != nil {
		return dex.Balance{}, classify(err)
	}
	return price, nil
}

// AssetToCurrencyOutputPrice answers "how much asset must I pay to get this much currency?".
func (q *Quoter) AssetToCurrencyOutputPrice(id dex.AssetID, currencyAmount dex.Balance) (in dex.AssetBalance, err error) {
	defer q.track(MethodAssetToCurrencyOutput, id, currencyAmount, time.Now(), &err)

	ex, tokenReserve, err := q.resolve(id, denom.Ceil)
	if err != nil {
		return dex.AssetBalance{}, err
	}
	price, err := q.engine.GetOutputPrice(currencyAmount, tokenReserve, ex.CurrencyReserve)
	if err != nil {
		return dex.AssetBalance{}, classify(err)
	}
	return q.toAsset(price, denom.Ceil)
}

// resolve looks the exchange up and returns its token reserve in currency units.
// The reserve rounds down when the pool pays out tokens and up when it takes them in.
// An exchange with an empty side cannot be quoted.
func (q *Quoter) resolve(id dex.AssetID, reserve denom.Rounding) (dex.Exchange, dex.Balance, error) {
	ex, ok := q.registry.GetByAssetID(id)
	if !ok {
		return dex.Exchange{}, dex.Balance{}, &Error{Kind: KindExchangeNotFound}
	}
	if !ex.HasLiquidity() {
		return dex.Exchange{}, dex.Balance{}, &Error{Kind: KindNotEnoughLiquidity}
	}
	tokenReserve, err := q.toCurrency(ex.TokenReserve, reserve)
	if err != nil {
		return dex.Exchange{}, dex.Balance{}, err
	}
	return ex, tokenReserve, nil
}

// Amounts the trader pays or asks for round up, amounts the trader receives round down.
func (q *Quoter) toCurrency(a dex.AssetBalance, r denom.Rounding) (dex.Balance, error) {
	b, err := q.converter.AssetToCurrency(a, r)
	if err != nil {
		return dex.Balance{}, classify(err)
	}
	return b, nil
}

func (q *Quoter) toAsset(b dex.Balance, r denom.Rounding) (dex.AssetBalance, error) {
	a, err := q.converter.CurrencyToAsset(b, r)
	if err != nil {
		return dex.AssetBalance{}, classify(err)
	}
	return a, nil
}

func (q *Quoter) track(method string, id dex.AssetID, amount fmt.Stringer, start time.Time, errp *error) {
	elapsed := time.Since(start)
	q.metrics.observe(method, *errp, elapsed.Seconds())
	if *errp != nil {
		q.logger.Debug("Quote failed", "method", method, "asset_id", id, "amount", amount.String(), "error", *errp)
		return
	}
	q.logger.Debug("Quote computed", "method", method, "asset_id", id, "amount", amount.String(), "duration", elapsed)
}
