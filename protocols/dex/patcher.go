package dex

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateExchange is returned when a diff adds an exchange that already exists.
	ErrDuplicateExchange = errors.New("exchange already exists")
	// ErrUnknownExchange is returned when a diff updates or deletes an exchange that does not exist.
	ErrUnknownExchange = errors.New("unknown exchange")
)

// Patcher builds a new exchange set by applying diff to prevState.
// prevState is never modified. Exchanges are plain values, so copying the
// slice elements is enough to isolate the new state from the old one.
// The result is sorted by asset id.
func Patcher(prevState []Exchange, diff ExchangeSystemDiff) ([]Exchange, error) {
	next := make(map[AssetID]Exchange, len(prevState)+len(diff.Additions))
	for _, e := range prevState {
		next[e.AssetID] = e
	}

	for _, id := range diff.Deletions {
		if _, ok := next[id]; !ok {
			return nil, fmt.Errorf("%w: cannot delete asset %d", ErrUnknownExchange, id)
		}
		delete(next, id)
	}

	for _, updated := range diff.Updates {
		if _, ok := next[updated.AssetID]; !ok {
			return nil, fmt.Errorf("%w: cannot update asset %d", ErrUnknownExchange, updated.AssetID)
		}
		next[updated.AssetID] = updated
	}

	for _, added := range diff.Additions {
		if _, ok := next[added.AssetID]; ok {
			return nil, fmt.Errorf("%w: asset %d", ErrDuplicateExchange, added.AssetID)
		}
		next[added.AssetID] = added
	}

	finalState := make([]Exchange, 0, len(next))
	for _, e := range next {
		finalState = append(finalState, e)
	}
	sortExchanges(finalState)

	return finalState, nil
}
