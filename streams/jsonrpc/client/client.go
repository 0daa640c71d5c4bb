package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/defistate/defistate-dex-go/protocols/dex"
	"github.com/defistate/defistate-dex-go/streams/jsonrpc"
	"github.com/ethereum/go-ethereum/rpc"
)

// Constants for reconnection logic
const (
	initialReconnectDelay = 1 * time.Second
	maxReconnectDelay     = 30 * time.Second
)

// ErrDiffBeforeFull is returned for a diff event received before any full state.
var ErrDiffBeforeFull = errors.New("received diff before full state")

// -----------------------------------------------------------------------------
// StreamProcessor
// -----------------------------------------------------------------------------

// StreamProcessor parses stream events and applies them to a Sink.
// It is decoupled from the networking layer.
type StreamProcessor struct {
	mu      sync.Mutex
	synced  bool
	lastSeq uint64
	sink    Sink
	logger  Logger
}

// NewStreamProcessor creates a pure logic processor without networking.
func NewStreamProcessor(logger Logger, sink Sink) *StreamProcessor {
	return &StreamProcessor{
		logger: logger,
		sink:   sink,
	}
}

// Sequence returns the last applied sequence and whether a full state has been received.
func (sp *StreamProcessor) Sequence() (uint64, bool) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.lastSeq, sp.synced
}

// Reset forgets the stream position, so the next event must be a full state.
func (sp *StreamProcessor) Reset() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.synced = false
	sp.lastSeq = 0
}

// ProcessMessage accepts a raw JSON event, decodes it and applies it to the sink.
func (sp *StreamProcessor) ProcessMessage(rawData json.RawMessage) error {
	processingStart := time.Now()
	var event jsonrpc.SubscriptionEvent

	if err := json.Unmarshal(rawData, &event); err != nil {
		return fmt.Errorf("failed to unmarshal subscription event: %w", err)
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()

	switch event.Type {
	case jsonrpc.EventTypeFull:
		return sp.handleFullState(event, processingStart)
	case jsonrpc.EventTypeDiff:
		return sp.handleDiff(event, processingStart)
	default:
		return fmt.Errorf("received unknown event type: %s", event.Type)
	}
}

func (sp *StreamProcessor) handleFullState(event jsonrpc.SubscriptionEvent, start time.Time) error {
	var state jsonrpc.FullState
	if err := json.Unmarshal(event.Payload, &state); err != nil {
		return fmt.Errorf("failed to unmarshal full state payload: %w", err)
	}
	if state.Schema != dex.Schema {
		return fmt.Errorf("unsupported schema %q", state.Schema)
	}

	if err := sp.sink.Replace(state.Sequence, state.Exchanges); err != nil {
		return fmt.Errorf("failed to apply full state: %w", err)
	}

	sp.synced = true
	sp.lastSeq = state.Sequence
	sp.logLatency("full", state.Sequence, len(state.Exchanges), time.Since(start), event.SentAt)
	return nil
}

func (sp *StreamProcessor) handleDiff(event jsonrpc.SubscriptionEvent, start time.Time) error {
	var diff jsonrpc.StateDiff
	if err := json.Unmarshal(event.Payload, &diff); err != nil {
		return fmt.Errorf("failed to unmarshal diff payload: %w", err)
	}

	if !sp.synced {
		return fmt.Errorf("%w; from_sequence: %d, to_sequence: %d", ErrDiffBeforeFull, diff.FromSequence, diff.ToSequence)
	}
	if diff.Schema != dex.Schema {
		return fmt.Errorf("unsupported schema %q", diff.Schema)
	}

	if diff.FromSequence != sp.lastSeq {
		sp.logger.Warn(
			"Received out-of-order diff; state may be out of sync. Discarding.",
			"last_known_sequence", sp.lastSeq,
			"diff_from_sequence", diff.FromSequence,
			"diff_to_sequence", diff.ToSequence,
		)
		return nil // Non-fatal, just ignored
	}

	if err := sp.sink.Apply(diff.FromSequence, diff.ToSequence, diff.Diff); err != nil {
		// The sink no longer matches the stream; only a new full state can repair it.
		sp.synced = false
		return fmt.Errorf("failed to apply diff: %w", err)
	}

	sp.lastSeq = diff.ToSequence
	changes := len(diff.Diff.Additions) + len(diff.Diff.Updates) + len(diff.Diff.Deletions)
	sp.logLatency("diff", diff.ToSequence, changes, time.Since(start), event.SentAt)
	return nil
}

func (sp *StreamProcessor) logLatency(eventType string, seq uint64, items int, processingDur time.Duration, sentAt int64) {
	transport := time.Duration(0)
	if sentAt > 0 {
		transport = time.Now().Add(-processingDur).Sub(time.Unix(0, sentAt))
	}
	sp.logger.Debug("Exchange state processed",
		"type", eventType,
		"sequence", seq,
		"items", items,
		"latency_transport_ms", transport.Milliseconds(),
		"latency_proc_ms", processingDur.Milliseconds(),
	)
}

// -----------------------------------------------------------------------------
// Client (Networking Wrapper)
// -----------------------------------------------------------------------------

// Client keeps a subscription to an upstream exchange stream alive and feeds it to a StreamProcessor.
type Client struct {
	processor    *StreamProcessor
	done         chan struct{}
	logger       Logger
	initialDelay time.Duration
	maxDelay     time.Duration
}

// NewClient validates cfg and starts streaming in the background until ctx ends.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	client := &Client{
		processor:    NewStreamProcessor(cfg.Logger, cfg.Sink),
		done:         make(chan struct{}),
		logger:       cfg.Logger,
		initialDelay: cfg.InitialReconnectDelay,
		maxDelay:     cfg.MaxReconnectDelay,
	}
	if client.initialDelay <= 0 {
		client.initialDelay = initialReconnectDelay
	}
	if client.maxDelay <= 0 {
		client.maxDelay = max(maxReconnectDelay, client.initialDelay)
	}

	go client.run(ctx, cfg.URL)
	return client, nil
}

// Processor returns the processor fed by this client.
func (c *Client) Processor() *StreamProcessor {
	return c.processor
}

// Done is closed once the client has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// run handles the networking lifecycle and feeds data to the processor.
func (c *Client) run(ctx context.Context, url string) {
	defer close(c.done)
	reconnectDelay := c.initialDelay

	for {
		if ctx.Err() != nil {
			c.logger.Info("Client context canceled, shutting down.")
			return
		}

		c.logger.Info("Attempting to connect to RPC server", "url", url)
		rpcClient, err := rpc.DialContext(ctx, url)
		if err != nil {
			c.logger.Error("Failed to connect to RPC server, will retry...", "error", err, "delay", reconnectDelay)
			if !sleep(ctx, reconnectDelay) {
				return
			}
			reconnectDelay = min(reconnectDelay*2, c.maxDelay)
			continue
		}

		c.logger.Info("Successfully connected to RPC server.")
		reconnectDelay = c.initialDelay

		err = c.subscribeAndProcess(ctx, rpcClient)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			c.logger.Info("Context canceled, shutting down.")
			return
		}
		c.logger.Error("Subscription failed, will reconnect...", "error", err, "delay", reconnectDelay)
		if !sleep(ctx, reconnectDelay) {
			return
		}
		reconnectDelay = min(reconnectDelay*2, c.maxDelay)
	}
}

func (c *Client) subscribeAndProcess(ctx context.Context, rpcClient *rpc.Client) error {
	defer rpcClient.Close()

	rawCh := make(chan json.RawMessage)
	sub, err := rpcClient.Subscribe(ctx, jsonrpc.Namespace, rawCh, jsonrpc.ExchangeStreamMethod)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	// A new subscription always starts with a full state.
	c.processor.Reset()

	c.logger.Info("Successfully subscribed. Waiting for data...")
	for {
		select {
		case rawData := <-rawCh:
			if err := c.processor.ProcessMessage(rawData); err != nil {
				c.logger.Error("Error processing message", "error", err)
				if _, synced := c.processor.Sequence(); !synced {
					return fmt.Errorf("lost sync with upstream: %w", err)
				}
			}
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed by server")
			}
			return err
		case <-ctx.Done():
			c.logger.Info("Context cancelled, stopping subscription.")
			return ctx.Err()
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
