package indexer

import (
	"github.com/defistate/defistate-dex-go/protocols/dex"
)

// Indexer builds immutable exchange snapshots.
type Indexer struct{}

// New creates a new Indexer.
func New() *Indexer {
	return &Indexer{}
}

// Index creates an indexed snapshot from a raw slice of exchanges.
func (i *Indexer) Index(exchanges []dex.Exchange) IndexedExchanges {
	return NewIndexableExchanges(exchanges)
}

// IndexableExchanges provides fast, read-only access to a set of exchanges.
// It never changes after construction, so it can be shared between goroutines.
type IndexableExchanges struct {
	byAssetID map[dex.AssetID]dex.Exchange
	all       []dex.Exchange
}

// NewIndexableExchanges indexes exchanges by asset id. The input slice is copied.
// If an asset id appears more than once the last entry wins.
func NewIndexableExchanges(exchanges []dex.Exchange) *IndexableExchanges {
	byAssetID := make(map[dex.AssetID]dex.Exchange, len(exchanges))
	all := make([]dex.Exchange, 0, len(exchanges))

	for _, ex := range exchanges {
		if _, seen := byAssetID[ex.AssetID]; seen {
			for i := range all {
				if all[i].AssetID == ex.AssetID {
					all[i] = ex
					break
				}
			}
		} else {
			all = append(all, ex)
		}
		byAssetID[ex.AssetID] = ex
	}

	return &IndexableExchanges{
		byAssetID: byAssetID,
		all:       all,
	}
}

// GetByAssetID retrieves the exchange for an asset.
func (ie *IndexableExchanges) GetByAssetID(id dex.AssetID) (dex.Exchange, bool) {
	ex, ok := ie.byAssetID[id]
	return ex, ok
}

// All returns a defensive copy of the slice of all exchanges.
func (ie *IndexableExchanges) All() []dex.Exchange {
	allCopy := make([]dex.Exchange, len(ie.all))
	copy(allCopy, ie.all)
	return allCopy
}

// Len returns the number of indexed exchanges.
func (ie *IndexableExchanges) Len() int {
	return len(ie.all)
}
