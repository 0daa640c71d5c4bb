package quote

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"testing"

	"github.com/defistate/defistate-dex-go/protocols/dex"
	"github.com/defistate/defistate-dex-go/protocols/dex/calculator"
	"github.com/defistate/defistate-dex-go/protocols/dex/denom"
	"github.com/defistate/defistate-dex-go/protocols/dex/indexer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	assetA       dex.AssetID = 1
	liqTokenA    dex.AssetID = 2
	unknownAsset dex.AssetID = math.MaxUint32
)

const initLiquidity = 1_000_000_000_000

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func initialExchange() dex.Exchange {
	return dex.Exchange{
		AssetID:          assetA,
		CurrencyReserve:  dex.NewBalance(initLiquidity),
		TokenReserve:     dex.NewAssetBalance(initLiquidity),
		LiquidityTokenID: liqTokenA,
	}
}

func maxedExchange() dex.Exchange {
	return dex.Exchange{
		AssetID:          assetA,
		CurrencyReserve:  dex.MaxBalance(),
		TokenReserve:     dex.MaxAssetBalance(),
		LiquidityTokenID: liqTokenA,
	}
}

type quoterOpts struct {
	converter denom.Converter
	engine    Pricer
}

func newTestQuoter(t *testing.T, exchanges []dex.Exchange, opts quoterOpts) *Quoter {
	t.Helper()
	if opts.converter == nil {
		opts.converter = denom.Identity{}
	}
	if opts.engine == nil {
		e, err := calculator.New(calculator.DefaultFee)
		require.NoError(t, err)
		opts.engine = e
	}
	q, err := New(Config{
		Registry:  indexer.NewIndexableExchanges(exchanges),
		Converter: opts.converter,
		Engine:    opts.engine,
		Logger:    testLogger(),
		Metrics:   prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return q
}

func TestNewValidatesConfig(t *testing.T) {
	e, err := calculator.New(calculator.DefaultFee)
	require.NoError(t, err)
	valid := Config{
		Registry:  indexer.NewIndexableExchanges(nil),
		Converter: denom.Identity{},
		Engine:    e,
		Logger:    testLogger(),
		Metrics:   prometheus.NewRegistry(),
	}

	testCases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "missing registry", mutate: func(c *Config) { c.Registry = nil }},
		{name: "missing converter", mutate: func(c *Config) { c.Converter = nil }},
		{name: "missing engine", mutate: func(c *Config) { c.Engine = nil }},
		{name: "missing logger", mutate: func(c *Config) { c.Logger = nil }},
		{name: "missing metrics", mutate: func(c *Config) { c.Metrics = nil }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			_, err := New(cfg)
			assert.Error(t, err)
		})
	}

	_, err = New(valid)
	assert.NoError(t, err)
}

// Each helper runs one directional quote and returns the result as a decimal string.
var (
	c2aInput = func(q *Quoter, id dex.AssetID, amount dex.Balance) (string, error) {
		v, err := q.CurrencyToAssetInputPrice(id, amount)
		return v.String(), err
	}
	c2aOutput = func(q *Quoter, id dex.AssetID, amount dex.AssetBalance) (string, error) {
		v, err := q.CurrencyToAssetOutputPrice(id, amount)
		return v.String(), err
	}
	a2cInput = func(q *Quoter, id dex.AssetID, amount dex.AssetBalance) (string, error) {
		v, err := q.AssetToCurrencyInputPrice(id, amount)
		return v.String(), err
	}
	a2cOutput = func(q *Quoter, id dex.AssetID, amount dex.Balance) (string, error) {
		v, err := q.AssetToCurrencyOutputPrice(id, amount)
		return v.String(), err
	}
)

func TestQuotes(t *testing.T) {
	testCases := []struct {
		name        string
		exchange    dex.Exchange
		id          dex.AssetID
		run         func(q *Quoter, id dex.AssetID) (string, error)
		expected    string
		expectedErr error
	}{
		// currency to asset, fixed input
		{
			name: "currency to asset input: exchange not found", exchange: initialExchange(), id: unknownAsset,
			run:         func(q *Quoter, id dex.AssetID) (string, error) { return c2aInput(q, id, dex.NewBalance(0)) },
			expectedErr: ErrExchangeNotFound,
		},
		{
			name: "currency to asset input: overflow", exchange: initialExchange(), id: assetA,
			run:         func(q *Quoter, id dex.AssetID) (string, error) { return c2aInput(q, id, dex.MaxBalance()) },
			expectedErr: ErrOverflow,
		},
		{
			name: "currency to asset input", exchange: initialExchange(), id: assetA,
			run:      func(q *Quoter, id dex.AssetID) (string, error) { return c2aInput(q, id, dex.NewBalance(1_000_000)) },
			expected: "996999",
		},
		// currency to asset, fixed output
		{
			name: "currency to asset output: exchange not found", exchange: initialExchange(), id: unknownAsset,
			run:         func(q *Quoter, id dex.AssetID) (string, error) { return c2aOutput(q, id, dex.NewAssetBalance(0)) },
			expectedErr: ErrExchangeNotFound,
		},
		{
			name: "currency to asset output: not enough liquidity", exchange: initialExchange(), id: assetA,
			run:         func(q *Quoter, id dex.AssetID) (string, error) { return c2aOutput(q, id, dex.MaxAssetBalance()) },
			expectedErr: ErrNotEnoughLiquidity,
		},
		{
			name: "currency to asset output: overflow", exchange: maxedExchange(), id: assetA,
			run:         func(q *Quoter, id dex.AssetID) (string, error) { return c2aOutput(q, id, dex.NewAssetBalance(1)) },
			expectedErr: ErrOverflow,
		},
		{
			name: "currency to asset output", exchange: initialExchange(), id: assetA,
			run: func(q *Quoter, id dex.AssetID) (string, error) {
				return c2aOutput(q, id, dex.NewAssetBalance(1_000_000))
			},
			expected: "1003011",
		},
		// asset to currency, fixed input
		{
			name: "asset to currency input: exchange not found", exchange: initialExchange(), id: unknownAsset,
			run:         func(q *Quoter, id dex.AssetID) (string, error) { return a2cInput(q, id, dex.NewAssetBalance(0)) },
			expectedErr: ErrExchangeNotFound,
		},
		{
			name: "asset to currency input: overflow", exchange: initialExchange(), id: assetA,
			run:         func(q *Quoter, id dex.AssetID) (string, error) { return a2cInput(q, id, dex.MaxAssetBalance()) },
			expectedErr: ErrOverflow,
		},
		{
			name: "asset to currency input", exchange: initialExchange(), id: assetA,
			run: func(q *Quoter, id dex.AssetID) (string, error) {
				return a2cInput(q, id, dex.NewAssetBalance(1_000_000))
			},
			expected: "996999",
		},
		// asset to currency, fixed output
		{
			name: "asset to currency output: exchange not found", exchange: initialExchange(), id: unknownAsset,
			run:         func(q *Quoter, id dex.AssetID) (string, error) { return a2cOutput(q, id, dex.NewBalance(0)) },
			expectedErr: ErrExchangeNotFound,
		},
		{
			name: "asset to currency output: not enough liquidity", exchange: initialExchange(), id: assetA,
			run:         func(q *Quoter, id dex.AssetID) (string, error) { return a2cOutput(q, id, dex.MaxBalance()) },
			expectedErr: ErrNotEnoughLiquidity,
		},
		{
			name: "asset to currency output: overflow", exchange: maxedExchange(), id: assetA,
			run: func(q *Quoter, id dex.AssetID) (string, error) {
				return a2cOutput(q, id, dex.NewBalance(initLiquidity-1))
			},
			expectedErr: ErrOverflow,
		},
		{
			name: "asset to currency output", exchange: initialExchange(), id: assetA,
			run:      func(q *Quoter, id dex.AssetID) (string, error) { return a2cOutput(q, id, dex.NewBalance(1_000_000)) },
			expected: "1003011",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			q := newTestQuoter(t, []dex.Exchange{tc.exchange}, quoterOpts{})
			got, err := tc.run(q, tc.id)
			if tc.expectedErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tc.expectedErr)

				var qErr *Error
				require.True(t, errors.As(err, &qErr))
				assert.Empty(t, qErr.Diagnostic)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestEmptyExchangeHasNoLiquidity(t *testing.T) {
	empty := dex.Exchange{AssetID: assetA, CurrencyReserve: dex.NewBalance(initLiquidity), LiquidityTokenID: liqTokenA}
	q := newTestQuoter(t, []dex.Exchange{empty}, quoterOpts{})

	_, err := q.CurrencyToAssetInputPrice(assetA, dex.NewBalance(1_000_000))
	assert.ErrorIs(t, err, ErrNotEnoughLiquidity)
	_, err = q.CurrencyToAssetOutputPrice(assetA, dex.NewAssetBalance(1))
	assert.ErrorIs(t, err, ErrNotEnoughLiquidity)
	_, err = q.AssetToCurrencyInputPrice(assetA, dex.NewAssetBalance(1_000_000))
	assert.ErrorIs(t, err, ErrNotEnoughLiquidity)
	_, err = q.AssetToCurrencyOutputPrice(assetA, dex.NewBalance(1))
	assert.ErrorIs(t, err, ErrNotEnoughLiquidity)
}

type failingPricer struct{ err error }

func (f failingPricer) GetInputPrice(_, _, _ dex.Balance) (dex.Balance, error) {
	return dex.Balance{}, f.err
}

func (f failingPricer) GetOutputPrice(_, _, _ dex.Balance) (dex.Balance, error) {
	return dex.Balance{}, f.err
}

func TestUnexpectedErrorsKeepDiagnostic(t *testing.T) {
	q := newTestQuoter(t, []dex.Exchange{initialExchange()}, quoterOpts{
		engine: failingPricer{err: errors.New("curve evaluation failed")},
	})

	_, err := q.CurrencyToAssetInputPrice(assetA, dex.NewBalance(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnexpected)
	assert.NotErrorIs(t, err, ErrOverflow)

	var qErr *Error
	require.True(t, errors.As(err, &qErr))
	assert.Equal(t, KindUnexpected, qErr.Kind)
	assert.Equal(t, []byte("curve evaluation failed"), qErr.Diagnostic)
	assert.Equal(t, "Unexpected: curve evaluation failed", err.Error())
}

func TestWrappedEngineErrorsAreClassified(t *testing.T) {
	q := newTestQuoter(t, []dex.Exchange{initialExchange()}, quoterOpts{
		engine: failingPricer{err: errors.Join(errors.New("context"), calculator.ErrNotEnoughLiquidity)},
	})
	_, err := q.AssetToCurrencyOutputPrice(assetA, dex.NewBalance(1))
	assert.ErrorIs(t, err, ErrNotEnoughLiquidity)
}

// worthlessConverter values every asset amount at zero currency.
type worthlessConverter struct{}

func (worthlessConverter) AssetToCurrency(_ dex.AssetBalance, _ denom.Rounding) (dex.Balance, error) {
	return dex.Balance{}, nil
}

func (worthlessConverter) CurrencyToAsset(_ dex.Balance, _ denom.Rounding) (dex.AssetBalance, error) {
	return dex.AssetBalance{}, nil
}

func TestZeroDenominatorIsUnexpected(t *testing.T) {
	q := newTestQuoter(t, []dex.Exchange{initialExchange()}, quoterOpts{converter: worthlessConverter{}})

	_, err := q.AssetToCurrencyInputPrice(assetA, dex.NewAssetBalance(0))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnexpected)

	var qErr *Error
	require.True(t, errors.As(err, &qErr))
	assert.Contains(t, string(qErr.Diagnostic), calculator.ErrZeroDenominator.Error())
}

func TestSubUnitTokenReserveRoundsUpWhenPaidIn(t *testing.T) {
	// With three fewer currency decimals, a 999 unit token reserve is worth less than one currency unit.
	conv, err := denom.NewDecimals(0, 3)
	require.NoError(t, err)
	ex := dex.Exchange{AssetID: assetA, CurrencyReserve: dex.NewBalance(initLiquidity), TokenReserve: dex.NewAssetBalance(999)}
	q := newTestQuoter(t, []dex.Exchange{ex}, quoterOpts{converter: conv})

	out, err := q.AssetToCurrencyInputPrice(assetA, dex.NewAssetBalance(0))
	require.NoError(t, err)
	assert.Equal(t, "0", out.String())

	// Selling one whole currency unit of asset into a one unit reserve halves the currency side, less the fee.
	out, err = q.AssetToCurrencyInputPrice(assetA, dex.NewAssetBalance(1_000))
	require.NoError(t, err)
	e, err := calculator.New(calculator.DefaultFee)
	require.NoError(t, err)
	direct, err := e.GetInputPrice(dex.NewBalance(1), dex.NewBalance(1), dex.NewBalance(initLiquidity))
	require.NoError(t, err)
	assert.Equal(t, direct.String(), out.String())

	// Buying tokens values the reserve down to zero.
	_, err = q.CurrencyToAssetOutputPrice(assetA, dex.NewAssetBalance(1))
	assert.ErrorIs(t, err, ErrNotEnoughLiquidity)
}

func TestDenominationConversion(t *testing.T) {
	// Currency carries three more decimals than the asset: 1 asset unit == 1000 currency units.
	conv, err := denom.NewDecimals(9, 6)
	require.NoError(t, err)
	ex := dex.Exchange{
		AssetID:         assetA,
		CurrencyReserve: dex.NewBalance(initLiquidity),
		TokenReserve:    dex.NewAssetBalance(initLiquidity / 1000),
	}
	q := newTestQuoter(t, []dex.Exchange{ex}, quoterOpts{converter: conv})

	out, err := q.CurrencyToAssetInputPrice(assetA, dex.NewBalance(1_000_000))
	require.NoError(t, err)
	assert.Equal(t, "996", out.String())

	in, err := q.CurrencyToAssetOutputPrice(assetA, dex.NewAssetBalance(1_000))
	require.NoError(t, err)
	assert.Equal(t, "1003011", in.String())

	received, err := q.AssetToCurrencyInputPrice(assetA, dex.NewAssetBalance(1_000))
	require.NoError(t, err)
	assert.Equal(t, "996999", received.String())

	// 1_003_011 currency units cost 1004 whole asset units.
	paid, err := q.AssetToCurrencyOutputPrice(assetA, dex.NewBalance(1_000_000))
	require.NoError(t, err)
	assert.Equal(t, "1004", paid.String())
}

func TestFixedOutputQuotesRoundAgainstTrader(t *testing.T) {
	t.Run("payment in coarser asset units", func(t *testing.T) {
		conv, err := denom.NewDecimals(9, 6)
		require.NoError(t, err)
		ex := dex.Exchange{AssetID: assetA, CurrencyReserve: dex.NewBalance(initLiquidity), TokenReserve: dex.NewAssetBalance(initLiquidity / 1000)}
		q := newTestQuoter(t, []dex.Exchange{ex}, quoterOpts{converter: conv})

		// 903 currency units are due, which is a fraction of one asset unit.
		paid, err := q.AssetToCurrencyOutputPrice(assetA, dex.NewBalance(900))
		require.NoError(t, err)
		assert.Equal(t, "1", paid.String())

		paid, err = q.AssetToCurrencyOutputPrice(assetA, dex.NewBalance(1))
		require.NoError(t, err)
		assert.Equal(t, "1", paid.String())
	})

	t.Run("request in finer asset units", func(t *testing.T) {
		conv, err := denom.NewDecimals(6, 9)
		require.NoError(t, err)
		ex := dex.Exchange{AssetID: assetA, CurrencyReserve: dex.NewBalance(initLiquidity), TokenReserve: dex.NewAssetBalance(initLiquidity * 1000)}
		q := newTestQuoter(t, []dex.Exchange{ex}, quoterOpts{converter: conv})

		testCases := []struct {
			tokens   uint64
			expected string
		}{
			{tokens: 1, expected: "2"},
			{tokens: 999, expected: "2"},
			{tokens: 1_000, expected: "2"},
			{tokens: 1_001, expected: "3"},
			{tokens: 1_999, expected: "3"},
		}
		for _, tc := range testCases {
			cost, err := q.CurrencyToAssetOutputPrice(assetA, dex.NewAssetBalance(tc.tokens))
			require.NoError(t, err)
			assert.Equal(t, tc.expected, cost.String(), "tokens=%d", tc.tokens)
		}
	})
}

func TestFixedOutputQuotesBuyWhatWasAsked(t *testing.T) {
	rng := rand.New(rand.NewSource(11))

	for _, decimals := range [][2]uint8{{9, 6}, {6, 9}, {6, 6}} {
		conv, err := denom.NewDecimals(decimals[0], decimals[1])
		require.NoError(t, err)
		ex := dex.Exchange{
			AssetID:         assetA,
			CurrencyReserve: dex.NewBalance(5_000_000_000 + rng.Uint64()%initLiquidity),
			TokenReserve:    dex.NewAssetBalance(5_000_000_000 + rng.Uint64()%initLiquidity),
		}
		q := newTestQuoter(t, []dex.Exchange{ex}, quoterOpts{converter: conv})

		for i := 0; i < 500; i++ {
			want := rng.Uint64() % 1_000_000

			cost, err := q.CurrencyToAssetOutputPrice(assetA, dex.NewAssetBalance(want))
			require.NoError(t, err)
			got, err := q.CurrencyToAssetInputPrice(assetA, cost)
			require.NoError(t, err)
			require.GreaterOrEqual(t, got.Cmp(dex.NewAssetBalance(want)), 0, "decimals=%v tokens=%d cost=%s got=%s", decimals, want, cost, got)

			paid, err := q.AssetToCurrencyOutputPrice(assetA, dex.NewBalance(want))
			require.NoError(t, err)
			received, err := q.AssetToCurrencyInputPrice(assetA, paid)
			require.NoError(t, err)
			require.GreaterOrEqual(t, received.Cmp(dex.NewBalance(want)), 0, "decimals=%v currency=%d paid=%s received=%s", decimals, want, paid, received)
		}
	}
}

func TestConversionOverflowIsOverflow(t *testing.T) {
	conv, err := denom.NewDecimals(18, 0)
	require.NoError(t, err)
	q := newTestQuoter(t, []dex.Exchange{initialExchange()}, quoterOpts{converter: conv})

	_, err = q.AssetToCurrencyInputPrice(assetA, dex.MaxAssetBalance())
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestSymmetryAcrossDenomination(t *testing.T) {
	ex := dex.Exchange{
		AssetID:         assetA,
		CurrencyReserve: dex.NewBalance(3_000_000_000),
		TokenReserve:    dex.NewAssetBalance(7_000_000_000_000),
	}
	e, err := calculator.New(calculator.DefaultFee)
	require.NoError(t, err)
	q := newTestQuoter(t, []dex.Exchange{ex}, quoterOpts{engine: e})

	for _, amount := range []uint64{0, 1, 999, 1_000_000, 2_999_999_999} {
		c2a, err := q.CurrencyToAssetInputPrice(assetA, dex.NewBalance(amount))
		require.NoError(t, err)
		direct, err := e.GetInputPrice(dex.NewBalance(amount), dex.NewBalance(3_000_000_000), dex.NewBalance(7_000_000_000_000))
		require.NoError(t, err)
		assert.Equal(t, direct.String(), c2a.String())

		a2c, err := q.AssetToCurrencyInputPrice(assetA, dex.NewAssetBalance(amount))
		require.NoError(t, err)
		swapped, err := e.GetInputPrice(dex.NewBalance(amount), dex.NewBalance(7_000_000_000_000), dex.NewBalance(3_000_000_000))
		require.NoError(t, err)
		assert.Equal(t, swapped.String(), a2c.String())
	}
}

func TestQuotesAreDeterministic(t *testing.T) {
	q := newTestQuoter(t, []dex.Exchange{initialExchange()}, quoterOpts{})
	first, err := q.CurrencyToAssetOutputPrice(assetA, dex.NewAssetBalance(123_456_789))
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		again, err := q.CurrencyToAssetOutputPrice(assetA, dex.NewAssetBalance(123_456_789))
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestMetrics(t *testing.T) {
	q := newTestQuoter(t, []dex.Exchange{initialExchange()}, quoterOpts{})

	_, err := q.CurrencyToAssetInputPrice(assetA, dex.NewBalance(1_000_000))
	require.NoError(t, err)
	_, err = q.CurrencyToAssetInputPrice(assetA, dex.NewBalance(1_000_000))
	require.NoError(t, err)
	_, err = q.CurrencyToAssetInputPrice(unknownAsset, dex.NewBalance(1))
	require.Error(t, err)
	_, err = q.AssetToCurrencyOutputPrice(assetA, dex.MaxBalance())
	require.Error(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(q.metrics.requests.WithLabelValues(MethodCurrencyToAssetInput, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(q.metrics.requests.WithLabelValues(MethodCurrencyToAssetInput, "ExchangeNotFound")))
	assert.Equal(t, 1.0, testutil.ToFloat64(q.metrics.requests.WithLabelValues(MethodAssetToCurrencyOutput, "NotEnoughLiquidity")))
	assert.Equal(t, 2, testutil.CollectAndCount(q.metrics.duration))
}

func TestErrorKindString(t *testing.T) {
	assert.Equal(t, "ExchangeNotFound", KindExchangeNotFound.String())
	assert.Equal(t, "NotEnoughLiquidity", KindNotEnoughLiquidity.String())
	assert.Equal(t, "Overflow", KindOverflow.String())
	assert.Equal(t, "Unexpected", KindUnexpected.String())
	assert.Equal(t, "ErrorKind(9)", ErrorKind(9).String())
}
