package rpc

import (
	"github.com/defistate/defistate-dex-go/protocols/dex"
	"github.com/defistate/defistate-dex-go/registry"
	"github.com/defistate/defistate-dex-go/streams/jsonrpc"
	"github.com/ethereum/go-ethereum/event"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// stream forwards registry updates to one subscriber.
//
// A relay goroutine keeps the registry feed drained so a slow subscriber never
// holds up registry writers. Updates that do not fit in the pending buffer are
// dropped, and the subscriber is brought back in sync with a full state.
type stream struct {
	id     gethrpc.ID
	source ExchangeSource
	logger Logger
	send   func(eventType string, payload any) error

	updates chan registry.Update
	sub     event.Subscription
	snap    registry.Snapshot

	pending chan registry.Update
	resync  chan struct{}
	feedErr chan error
	done    chan struct{}
}

func newStream(id gethrpc.ID, source ExchangeSource, logger Logger, buffer int, send func(eventType string, payload any) error) *stream {
	s := &stream{
		id:      id,
		source:  source,
		logger:  logger,
		send:    send,
		updates: make(chan registry.Update, buffer),
		pending: make(chan registry.Update, buffer),
		resync:  make(chan struct{}, 1),
		feedErr: make(chan error, 1),
		done:    make(chan struct{}),
	}
	// Subscribe before taking the snapshot so no change can fall between them.
	s.sub = source.SubscribeUpdates(s.updates)
	s.snap = source.Snapshot()
	return s
}

// run delivers events until the subscriber leaves, the feed closes or a send fails.
func (s *stream) run(left <-chan error) {
	go s.relay()
	defer close(s.done)

	lastSeq := s.snap.Sequence
	if err := s.send(jsonrpc.EventTypeFull, fullState(s.snap)); err != nil {
		s.logger.Warn("Failed to send initial exchange state", "subscription", s.id, "error", err)
		return
	}

	for {
		var err error
		select {
		case u := <-s.pending:
			lastSeq, err = s.forward(u, lastSeq)
		case <-s.resync:
			lastSeq, err = s.catchUp()
		case feedErr := <-s.feedErr:
			if feedErr != nil {
				s.logger.Error("Exchange update feed failed", "error", feedErr)
			}
			return
		case <-left:
			s.logger.Debug("Subscriber left", "subscription", s.id)
			return
		}
		if err != nil {
			s.logger.Warn("Failed to notify subscriber", "subscription", s.id, "error", err)
			return
		}
	}
}

func (s *stream) relay() {
	defer s.sub.Unsubscribe()
	for {
		select {
		case u := <-s.updates:
			select {
			case s.pending <- u:
			default:
				select {
				case s.resync <- struct{}{}:
				default:
				}
			}
		case err := <-s.sub.Err():
			s.feedErr <- err
			return
		case <-s.done:
			return
		}
	}
}

// forward sends one update and returns the sequence the subscriber is now at.
// A change that cannot be expressed as a contiguous diff is sent as a new full state.
func (s *stream) forward(u registry.Update, lastSeq uint64) (uint64, error) {
	switch {
	case u.Full:
		return u.Sequence, s.send(jsonrpc.EventTypeFull, jsonrpc.FullState{
			Schema:    dex.Schema,
			Sequence:  u.Sequence,
			Exchanges: u.Exchanges,
		})
	case u.Sequence <= lastSeq:
		return lastSeq, nil // already delivered
	case u.FromSequence != lastSeq:
		current := s.source.Snapshot()
		return current.Sequence, s.send(jsonrpc.EventTypeFull, fullState(current))
	default:
		return u.Sequence, s.send(jsonrpc.EventTypeDiff, jsonrpc.StateDiff{
			Schema:       dex.Schema,
			FromSequence: u.FromSequence,
			ToSequence:   u.Sequence,
			Diff:         u.Diff,
		})
	}
}

// catchUp discards queued updates and resends the current state.
func (s *stream) catchUp() (uint64, error) {
	for drained := false; !drained; {
		select {
		case <-s.pending:
		default:
			drained = true
		}
	}
	current := s.source.Snapshot()
	s.logger.Warn("Subscriber fell behind, resending full state", "subscription", s.id, "sequence", current.Sequence)
	return current.Sequence, s.send(jsonrpc.EventTypeFull, fullState(current))
}
