// Package saf implements store-and-forward: holding messages for offline
// peers, serving them on request, and recovering our own messages from
// peers after reconnecting.
package saf

import (
	"context"
	"fmt"
	"sync"

	"safnode.dev/go/safnode/internal/inbound"
	"safnode.dev/go/safnode/internal/peer"
	"safnode.dev/go/safnode/internal/storage"
)

// Peers is what the service needs from the peer directory.
type Peers interface {
	RegionOracle
	PeerDirectory
	ClosestPeerFinder
}

// Options wires a Service to the rest of the node.
type Options struct {
	Config   Config
	Node     *peer.NodeIdentity
	Peers    Peers
	Outbound OutboundRequester
	// Next receives every message that is not SAF traffic, and every
	// message recovered from a stored messages response.
	Next inbound.Handler
	// KV persists the request watermark. Defaults to an in-memory store.
	KV       storage.KeyValueStore
	Reporter ViolationReporter
}

// Service owns the SAF components and their shared state.
type Service struct {
	cfg        Config
	store      *MessageStore
	dedup      *Deduplicator
	pool       *BlockingPool
	stats      *Stats
	requests   *RequestHandler
	responses  *ResponseHandler
	handler    *MessageHandler
	middleware *Middleware
	requester  *Requester
	storer     *Storer
}

func New(opts Options) (*Service, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Node == nil || opts.Peers == nil || opts.Outbound == nil || opts.Next == nil {
		return nil, fmt.Errorf("saf: node, peers, outbound and next handler are required")
	}
	kv := opts.KV
	if kv == nil {
		kv = storage.NewMemoryStore()
	}

	cfg := opts.Config
	s := &Service{
		cfg:   cfg,
		store: NewMessageStore(cfg.MsgCacheCapacity),
		dedup: NewDeduplicator(cfg.DedupCacheCapacity, cfg.DedupTTL),
		pool:  NewBlockingPool(cfg.Workers),
		stats: &Stats{},
	}
	s.requester = NewRequester(cfg, opts.Node, opts.Peers, opts.Outbound, kv)
	s.storer = NewStorer(s.store, cfg.MsgStorageTTL, s.stats)
	s.requests = NewRequestHandler(cfg, opts.Node, s.store, opts.Peers, opts.Outbound, s.stats)
	s.responses = NewResponseHandler(ResponseHandlerOptions{
		Config:   cfg,
		Node:     opts.Node,
		Region:   opts.Peers,
		Peers:    opts.Peers,
		Dedup:    s.dedup,
		Pool:     s.pool,
		Next:     opts.Next,
		Reporter: opts.Reporter,
		Recorder: s.requester,
		Stats:    s.stats,
	})
	s.handler = NewMessageHandler(s.requests, s.responses, opts.Next)
	s.middleware = NewMiddleware(s.handler, cfg, s.stats)
	return s, nil
}

// Run processes in until ctx is done, sweeping the store in the
// background.
func (s *Service) Run(ctx context.Context, in <-chan *inbound.DecryptedMessage) error {
	sweepCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.store.Run(sweepCtx, s.cfg.SweepInterval)
	}()

	err := s.middleware.Run(ctx, in)
	cancel()
	wg.Wait()
	return err
}

func (s *Service) Handler() inbound.Handler    { return s.handler }
func (s *Service) Store() *MessageStore        { return s.store }
func (s *Service) Deduplicator() *Deduplicator { return s.dedup }
func (s *Service) Requester() *Requester       { return s.requester }
func (s *Service) Storer() *Storer             { return s.storer }
func (s *Service) Stats() *Stats               { return s.stats }
func (s *Service) Config() Config              { return s.cfg }
