package indexer

import "github.com/defistate/defistate-dex-go/protocols/dex"

// IndexedExchanges defines the methods for accessing an indexed exchange snapshot.
type IndexedExchanges interface {
	GetByAssetID(id dex.AssetID) (dex.Exchange, bool)
	All() []dex.Exchange
	Len() int
}
