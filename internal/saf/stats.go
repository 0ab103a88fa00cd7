package saf

import "sync/atomic"

// Stats counts store-and-forward activity.
type Stats struct {
	RequestsServed     atomic.Int64
	RequestsRejected   atomic.Int64
	MessagesReturned   atomic.Int64
	ResponsesReceived  atomic.Int64
	MessagesReceived   atomic.Int64
	MessagesForwarded  atomic.Int64
	DroppedBenign      atomic.Int64
	DroppedMalfunction atomic.Int64
	DroppedViolation   atomic.Int64
	MessagesStored     atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	RequestsServed     int64 `json:"requests_served"`
	RequestsRejected   int64 `json:"requests_rejected"`
	MessagesReturned   int64 `json:"messages_returned"`
	ResponsesReceived  int64 `json:"responses_received"`
	MessagesReceived   int64 `json:"messages_received"`
	MessagesForwarded  int64 `json:"messages_forwarded"`
	DroppedBenign      int64 `json:"dropped_benign"`
	DroppedMalfunction int64 `json:"dropped_malfunction"`
	DroppedViolation   int64 `json:"dropped_violation"`
	MessagesStored     int64 `json:"messages_stored"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		RequestsServed:     s.RequestsServed.Load(),
		RequestsRejected:   s.RequestsRejected.Load(),
		MessagesReturned:   s.MessagesReturned.Load(),
		ResponsesReceived:  s.ResponsesReceived.Load(),
		MessagesReceived:   s.MessagesReceived.Load(),
		MessagesForwarded:  s.MessagesForwarded.Load(),
		DroppedBenign:      s.DroppedBenign.Load(),
		DroppedMalfunction: s.DroppedMalfunction.Load(),
		DroppedViolation:   s.DroppedViolation.Load(),
		MessagesStored:     s.MessagesStored.Load(),
	}
}

func (s *Stats) recordDrop(c Class) {
	switch c {
	case ClassBenign:
		s.DroppedBenign.Add(1)
	case ClassMalfunction:
		s.DroppedMalfunction.Add(1)
	case ClassProtocolViolation:
		s.DroppedViolation.Add(1)
	}
}
