package dex

// Schema is the decode contract for a list of exchanges carried by state streams.
const Schema = "defistate/dex/exchange@v1"

// AssetID identifies an asset and, with it, the single exchange that prices it against the currency.
type AssetID uint32

// Exchange is a reserve snapshot for one asset/currency pool.
type Exchange struct {
	AssetID          AssetID      `json:"assetId"`
	CurrencyReserve  Balance      `json:"currencyReserve"`
	TokenReserve     AssetBalance `json:"tokenReserve"`
	LiquidityTokenID AssetID      `json:"liquidityTokenId"`
}

// HasLiquidity reports whether both reserves are non-zero.
func (e Exchange) HasLiquidity() bool {
	return !e.CurrencyReserve.IsZero() && !e.TokenReserve.IsZero()
}

// sameReserves reports whether two snapshots of the same exchange hold identical values.
func sameReserves(a, b Exchange) bool {
	return a.CurrencyReserve.Cmp(b.CurrencyReserve) == 0 &&
		a.TokenReserve.Cmp(b.TokenReserve) == 0 &&
		a.LiquidityTokenID == b.LiquidityTokenID
}
