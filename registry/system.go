// Package registry holds the live set of exchanges that quotes are priced against.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/defistate/defistate-dex-go/protocols/dex"
	"github.com/defistate/defistate-dex-go/protocols/dex/indexer"
	"github.com/ethereum/go-ethereum/event"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrSequenceGap is returned when a diff does not start at the current sequence.
var ErrSequenceGap = errors.New("sequence gap")

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Store persists accepted changes. storage.ExchangeStore implements it.
type Store interface {
	LoadAll() ([]dex.Exchange, uint64, error)
	Commit(seq uint64, diff dex.ExchangeSystemDiff) error
}

// Indexer turns a sorted exchange list into a read-only snapshot view.
// *indexer.Indexer implements it.
type Indexer interface {
	Index(exchanges []dex.Exchange) indexer.IndexedExchanges
}

// Config holds the dependencies of an ExchangeSystem.
type Config struct {
	// Store is optional. When set, the system starts from its contents and
	// every change is persisted before it becomes visible.
	Store Store
	// Indexer defaults to indexer.New().
	Indexer  Indexer
	Logger   Logger
	Registry prometheus.Registerer
}

func (c *Config) validate() error {
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	if c.Registry == nil {
		return errors.New("config: Registry is required")
	}
	return nil
}

// Snapshot is one consistent version of the exchange set.
type Snapshot struct {
	Sequence  uint64
	Exchanges indexer.IndexedExchanges
}

// Update describes an accepted change from FromSequence to Sequence. Diff is
// always set. Full updates also carry the whole new set in Exchanges, and their
// Sequence may be lower than FromSequence.
type Update struct {
	Full         bool
	FromSequence uint64
	Sequence     uint64
	Exchanges    []dex.Exchange
	Diff         dex.ExchangeSystemDiff
}

// ExchangeSystem is a concurrency-safe exchange registry. Writes are serialized
// by a mutex; reads load an immutable snapshot through an atomic pointer, so a
// reader always sees both reserves of an exchange from the same version.
type ExchangeSystem struct {
	mu       sync.Mutex
	current  []dex.Exchange
	snapshot atomic.Pointer[Snapshot]

	store   Store
	indexer Indexer
	feed    event.Feed
	logger  Logger
	metrics *metrics
}

// NewExchangeSystem creates a system, restoring state from cfg.Store when present.
func NewExchangeSystem(cfg Config) (*ExchangeSystem, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &ExchangeSystem{
		store:   cfg.Store,
		indexer: cfg.Indexer,
		logger:  cfg.Logger,
		metrics: newMetrics(cfg.Registry),
	}
	if s.indexer == nil {
		s.indexer = indexer.New()
	}

	var (
		exchanges []dex.Exchange
		seq       uint64
	)
	if s.store != nil {
		var err error
		exchanges, seq, err = s.store.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("load exchanges: %w", err)
		}
		s.logger.Info("Restored exchanges from store", "exchanges", len(exchanges), "sequence", seq)
	}
	if err := checkUnique(exchanges); err != nil {
		return nil, err
	}
	s.publish(seq, sortedCopy(exchanges))
	return s, nil
}

// --- Read Methods ---

// Snapshot returns the current version of the exchange set.
func (s *ExchangeSystem) Snapshot() Snapshot {
	return *s.snapshot.Load()
}

// Sequence returns the sequence number of the current version.
func (s *ExchangeSystem) Sequence() uint64 {
	return s.snapshot.Load().Sequence
}

// GetByAssetID returns the current exchange for an asset.
func (s *ExchangeSystem) GetByAssetID(id dex.AssetID) (dex.Exchange, bool) {
	return s.snapshot.Load().Exchanges.GetByAssetID(id)
}

// SubscribeUpdates delivers every accepted change to ch, in order.
// Writers block until ch accepts the update, so subscribers must drain it promptly.
func (s *ExchangeSystem) SubscribeUpdates(ch chan<- Update) event.Subscription {
	return s.feed.Subscribe(ch)
}

// --- Write Methods ---

// Replace swaps the whole exchange set and sets the sequence to seq.
func (s *ExchangeSystem) Replace(seq uint64, exchanges []dex.Exchange) error {
	if err := checkUnique(exchanges); err != nil {
		return err
	}
	next := sortedCopy(exchanges)

	s.mu.Lock()
	defer s.mu.Unlock()

	diff := dex.Differ(s.current, next)
	if s.store != nil {
		if err := s.store.Commit(seq, diff); err != nil {
			return fmt.Errorf("persist full state: %w", err)
		}
	}

	from := s.snapshot.Load().Sequence
	s.publish(seq, next)
	s.metrics.updates.WithLabelValues("full").Inc()
	s.logger.Info("Exchange set replaced", "sequence", seq, "exchanges", len(next), "changed", !diff.IsEmpty())

	s.feed.Send(Update{Full: true, FromSequence: from, Sequence: seq, Exchanges: sortedCopy(next), Diff: diff})
	return nil
}

// Apply patches the current set with diff. fromSeq must equal the current
// sequence and toSeq must be greater than it.
func (s *ExchangeSystem) Apply(fromSeq, toSeq uint64, diff dex.ExchangeSystemDiff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(fromSeq, toSeq, diff)
}

// Upsert adds an exchange or replaces the reserves of an existing one, and
// returns the resulting sequence. An identical exchange is a no-op.
func (s *ExchangeSystem) Upsert(ex dex.Exchange) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.snapshot.Load().Sequence
	prev, exists := s.snapshot.Load().Exchanges.GetByAssetID(ex.AssetID)

	var diff dex.ExchangeSystemDiff
	switch {
	case exists && prev == ex:
		return seq, nil
	case exists:
		diff.Updates = []dex.Exchange{ex}
	default:
		diff.Additions = []dex.Exchange{ex}
	}

	if err := s.applyLocked(seq, seq+1, diff); err != nil {
		return seq, err
	}
	return seq + 1, nil
}

// Remove deletes the exchange for id and returns the resulting sequence.
func (s *ExchangeSystem) Remove(id dex.AssetID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.snapshot.Load().Sequence
	if err := s.applyLocked(seq, seq+1, dex.ExchangeSystemDiff{Deletions: []dex.AssetID{id}}); err != nil {
		return seq, err
	}
	return seq + 1, nil
}

// applyLocked MUST be called with s.mu held.
func (s *ExchangeSystem) applyLocked(fromSeq, toSeq uint64, diff dex.ExchangeSystemDiff) error {
	current := s.snapshot.Load().Sequence
	if fromSeq != current || toSeq <= fromSeq {
		return fmt.Errorf("%w: at %d, diff from %d to %d", ErrSequenceGap, current, fromSeq, toSeq)
	}

	next, err := dex.Patcher(s.current, diff)
	if err != nil {
		return err
	}

	if s.store != nil {
		if err := s.store.Commit(toSeq, diff); err != nil {
			return fmt.Errorf("persist diff: %w", err)
		}
	}

	s.publish(toSeq, next)
	s.metrics.updates.WithLabelValues("diff").Inc()
	s.logger.Debug("Exchange diff applied",
		"from_sequence", fromSeq,
		"to_sequence", toSeq,
		"additions", len(diff.Additions),
		"updates", len(diff.Updates),
		"deletions", len(diff.Deletions),
	)

	s.feed.Send(Update{FromSequence: fromSeq, Sequence: toSeq, Diff: diff})
	return nil
}

// publish installs a new snapshot. It MUST be called with s.mu held, or before
// the system is shared.
func (s *ExchangeSystem) publish(seq uint64, exchanges []dex.Exchange) {
	s.current = exchanges
	s.snapshot.Store(&Snapshot{
		Sequence:  seq,
		Exchanges: s.indexer.Index(exchanges),
	})
	s.metrics.exchanges.Set(float64(len(exchanges)))
	s.metrics.sequence.Set(float64(seq))
}

func checkUnique(exchanges []dex.Exchange) error {
	seen := make(map[dex.AssetID]struct{}, len(exchanges))
	for _, ex := range exchanges {
		if _, dup := seen[ex.AssetID]; dup {
			return fmt.Errorf("%w: asset %d listed twice", dex.ErrDuplicateExchange, ex.AssetID)
		}
		seen[ex.AssetID] = struct{}{}
	}
	return nil
}

func sortedCopy(exchanges []dex.Exchange) []dex.Exchange {
	out := make([]dex.Exchange, len(exchanges))
	copy(out, exchanges)
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}
