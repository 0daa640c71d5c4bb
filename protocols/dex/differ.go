package dex

import "sort"

// ExchangeSystemDiff describes how to move from one set of exchanges to another.
type ExchangeSystemDiff struct {
	Additions []Exchange `json:"additions,omitempty"`
	Updates   []Exchange `json:"updates,omitempty"`
	Deletions []AssetID  `json:"deletions,omitempty"`
}

// IsEmpty returns true if the diff contains no changes.
func (d ExchangeSystemDiff) IsEmpty() bool {
	return len(d.Additions) == 0 && len(d.Updates) == 0 && len(d.Deletions) == 0
}

// Differ calculates the difference between two states of the exchange set.
// Both lists are turned into maps keyed by asset id; the new map yields additions
// and updates, the old map yields deletions. Each section is sorted by asset id so
// that identical inputs always produce byte-identical diffs.
func Differ(old, new []Exchange) ExchangeSystemDiff {
	oldByID := make(map[AssetID]Exchange, len(old))
	for _, e := range old {
		oldByID[e.AssetID] = e
	}

	newByID := make(map[AssetID]Exchange, len(new))
	for _, e := range new {
		newByID[e.AssetID] = e
	}

	var (
		additions []Exchange
		updates   []Exchange
		deletions []AssetID
	)

	for id, newExchange := range newByID {
		oldExchange, exists := oldByID[id]
		if !exists {
			additions = append(additions, newExchange)
			continue
		}
		if !sameReserves(oldExchange, newExchange) {
			updates = append(updates, newExchange)
		}
	}

	for id := range oldByID {
		if _, exists := newByID[id]; !exists {
			deletions = append(deletions, id)
		}
	}

	sortExchanges(additions)
	sortExchanges(updates)
	sort.Slice(deletions, func(i, j int) bool { return deletions[i] < deletions[j] })

	return ExchangeSystemDiff{
		Additions: additions,
		Updates:   updates,
		Deletions: deletions,
	}
}

func sortExchanges(exchanges []Exchange) {
	sort.Slice(exchanges, func(i, j int) bool { return exchanges[i].AssetID < exchanges[j].AssetID })
}
