// Package offsetstate implements the canonical in-memory offset table and
// the pure transforms over it described in SPEC_FULL.md §4.1. Every
// function here is a pure transform: none of them mutate their arguments,
// and the Consume Loop is the only caller permitted to replace its working
// copy of State.
package offsetstate

import (
	"github.com/mohitnagrath/kafka-fast/broker"
)

// Partition is the canonical per-partition record.
type Partition struct {
	Topic     string
	Partition int32
	Broker    broker.Addr
	Offset    int64 // next offset to fetch
	Locked    bool
	ErrorCode int16 // 0 means healthy
}

// key identifies a partition independent of its current broker, since
// ownership of a (topic, partition) pair moves between brokers on
// reassignment but must remain unique across the whole state.
type key struct {
	topic     string
	partition int32
}

// State is the nested broker → topic → partitions map. The zero value is
// an empty, usable State.
type State struct {
	byBroker map[broker.Addr]map[string][]Partition
}

// New returns an empty State.
func New() *State {
	return &State{byBroker: make(map[broker.Addr]map[string][]Partition)}
}

// Put installs p, replacing any existing entry for the same (topic,
// partition) regardless of which broker it was previously filed under. It
// returns a new State; the receiver is left unmodified.
func (s *State) Put(p Partition) *State {
	out := s.clone()
	// Remove any existing entry for this (topic, partition) under any broker,
	// preserving the single-ownership invariant from SPEC_FULL.md §3.
	for b, topics := range out.byBroker {
		for t, parts := range topics {
			if t != p.Topic {
				continue
			}
			filtered := parts[:0:0]
			for _, existing := range parts {
				if existing.Partition != p.Partition {
					filtered = append(filtered, existing)
				}
			}
			if len(filtered) == 0 {
				delete(topics, t)
			} else {
				topics[t] = filtered
			}
			if len(topics) == 0 {
				delete(out.byBroker, b)
			}
		}
	}
	topics, ok := out.byBroker[p.Broker]
	if !ok {
		topics = make(map[string][]Partition)
		out.byBroker[p.Broker] = topics
	}
	topics[p.Topic] = append(topics[p.Topic], p)
	return out
}

// clone performs a deep-enough copy: every slice is copied so callers can
// safely hand a broker's partitions to a Fetcher without risking a
// concurrent mutation of the Consume Loop's working state.
func (s *State) clone() *State {
	out := New()
	for b, topics := range s.byBroker {
		newTopics := make(map[string][]Partition, len(topics))
		for t, parts := range topics {
			cp := make([]Partition, len(parts))
			copy(cp, parts)
			newTopics[t] = cp
		}
		out.byBroker[b] = newTopics
	}
	return out
}

// Flatten enumerates every partition across every broker and topic. The
// order is unspecified; callers that need determinism should sort the
// result themselves (the rebalancer does, see package rebalancer).
func Flatten(s *State) []Partition {
	var out []Partition
	for _, topics := range s.byBroker {
		for _, parts := range topics {
			out = append(out, parts...)
		}
	}
	return out
}

// GetPartition looks up a single partition by its current broker, topic and
// partition number.
func GetPartition(s *State, b broker.Addr, topic string, partition int32) (Partition, bool) {
	topics, ok := s.byBroker[b]
	if !ok {
		return Partition{}, false
	}
	for _, p := range topics[topic] {
		if p.Partition == partition {
			return p, true
		}
	}
	return Partition{}, false
}

// ForBroker returns a copy of every partition currently filed under b,
// across all topics. Fetchers receive exactly this slice: an immutable
// snapshot, never the Consume Loop's live map.
func ForBroker(s *State, b broker.Addr) []Partition {
	topics, ok := s.byBroker[b]
	if !ok {
		return nil
	}
	var out []Partition
	for _, parts := range topics {
		out = append(out, parts...)
	}
	return out
}

// Brokers returns every broker address currently holding at least one
// partition.
func Brokers(s *State) []broker.Addr {
	out := make([]broker.Addr, 0, len(s.byBroker))
	for b := range s.byBroker {
		out = append(out, b)
	}
	return out
}

// GetRest returns the partitions of topic under broker b with the named
// partition removed, per SPEC_FULL.md §4.1.
func GetRest(s *State, b broker.Addr, topic string, partition int32) []Partition {
	topics, ok := s.byBroker[b]
	if !ok {
		return nil
	}
	var out []Partition
	for _, p := range topics[topic] {
		if p.Partition != partition {
			out = append(out, p)
		}
	}
	return out
}

// FetchedMessage is one successfully decoded, newly-seen record, keyed by
// the broker it was fetched from.
type FetchedMessage struct {
	Broker    broker.Addr
	Topic     string
	Partition int32
	Offset    int64
}

// MergeFetchResults advances the offset of every partition with a
// successfully fetched message to one past the highest offset seen for it
// in results, preserving Locked and resetting ErrorCode to 0. Partitions
// absent from results, including those whose fetch reported an error, are
// carried over unchanged; the error path checkpoints their last-known-good
// offset separately (see package consumeloop).
func MergeFetchResults(s *State, results []FetchedMessage) *State {
	highest := make(map[key]FetchedMessage)
	for _, r := range results {
		k := key{topic: r.Topic, partition: r.Partition}
		if prev, ok := highest[k]; !ok || r.Offset > prev.Offset {
			highest[k] = r
		}
	}

	out := s.clone()
	for _, p := range Flatten(out) {
		k := key{topic: p.Topic, partition: p.Partition}
		best, ok := highest[k]
		if !ok {
			continue
		}
		updated := p
		updated.Broker = best.Broker
		updated.Offset = best.Offset + 1
		updated.ErrorCode = 0
		out = out.Put(updated)
	}
	return out
}
