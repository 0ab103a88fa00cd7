package saf

import (
	"fmt"
	"runtime"
	"time"
)

// Config holds the store-and-forward tunables.
type Config struct {
	// NumClosestNodes bounds the region a requester must fall in to be
	// served, and how many peers this node asks for its own messages.
	NumClosestNodes int
	// MaxReturnedMessages caps the messages in one response.
	MaxReturnedMessages int
	// NumNeighbouringNodes bounds the region used to accept stored messages
	// addressed to a node id other than ours.
	NumNeighbouringNodes int

	MsgCacheCapacity int
	MsgStorageTTL    time.Duration

	DedupCacheCapacity int
	// DedupTTL is the duplicate detection horizon. Relays serve a message
	// for MsgStorageTTL, so a shorter horizon lets a re-served message
	// through a second time.
	DedupTTL time.Duration

	// ProcessingTimeout bounds the handling of one inbound message.
	ProcessingTimeout time.Duration
	// ShutdownGrace is how long in-flight handlers get after shutdown.
	ShutdownGrace time.Duration
	// Workers bounds concurrent CPU-bound work (signature checks, decryption).
	Workers int
	// SweepInterval is how often expired stored messages are dropped.
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		NumClosestNodes:      10,
		MaxReturnedMessages:  50,
		NumNeighbouringNodes: 8,
		MsgCacheCapacity:     10000,
		MsgStorageTTL:        6 * time.Hour,
		DedupCacheCapacity:   10000,
		DedupTTL:             6 * time.Hour,
		ProcessingTimeout:    30 * time.Second,
		ShutdownGrace:        10 * time.Second,
		Workers:              runtime.NumCPU(),
		SweepInterval:        time.Minute,
	}
}

// Validate rejects negative values. Zero counts and capacities are allowed
// and disable the corresponding behaviour.
func (c Config) Validate() error {
	counts := []struct {
		name string
		v    int
	}{
		{"num_closest_nodes", c.NumClosestNodes},
		{"max_returned_messages", c.MaxReturnedMessages},
		{"num_neighbouring_nodes", c.NumNeighbouringNodes},
		{"msg_cache_capacity", c.MsgCacheCapacity},
		{"dedup_cache_capacity", c.DedupCacheCapacity},
		{"workers", c.Workers},
	}
	for _, f := range counts {
		if f.v < 0 {
			return fmt.Errorf("saf.%s must not be negative (got %d)", f.name, f.v)
		}
	}
	durations := []struct {
		name string
		v    time.Duration
	}{
		{"msg_storage_ttl", c.MsgStorageTTL},
		{"dedup_ttl", c.DedupTTL},
		{"processing_timeout", c.ProcessingTimeout},
		{"shutdown_grace", c.ShutdownGrace},
		{"sweep_interval", c.SweepInterval},
	}
	for _, f := range durations {
		if f.v < 0 {
			return fmt.Errorf("saf.%s must not be negative (got %s)", f.name, f.v)
		}
	}
	return nil
}
