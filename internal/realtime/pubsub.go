// Package realtime implements the live side channel: the connection
// registry with heartbeat supervision, topic pub/sub with wildcard
// patterns, the frame protocol, and streaming query delivery with
// ack-window backpressure.
package realtime

import (
	"strings"
	"sync"

	"github.com/quantadb/quantadb/internal/metrics"
)

// ConnectionID identifies one realtime session.
type ConnectionID uint64

// ChannelID is a dotted topic name, e.g. "sensor.temp.room1".
type ChannelID string

// Matches reports whether the channel matches a subscription pattern.
// "*" matches exactly one segment; "**" matches zero or more segments.
// Matching is purely structural over dot-separated segments.
func (c ChannelID) Matches(pattern string) bool {
	if pattern == "**" {
		return true
	}
	return matchSegments(strings.Split(string(c), "."), strings.Split(pattern, "."))
}

func matchSegments(channel, pattern []string) bool {
	switch {
	case len(channel) == 0 && len(pattern) == 0:
		return true
	case len(pattern) == 0:
		return false
	case len(channel) == 0:
		return len(pattern) == 1 && pattern[0] == "**"
	}
	switch pattern[0] {
	case "**":
		if len(pattern) == 1 {
			return true
		}
		return matchSegments(channel[1:], pattern) ||
			matchSegments(channel, pattern[1:]) ||
			matchSegments(channel[1:], pattern[1:])
	case "*":
		return matchSegments(channel[1:], pattern[1:])
	default:
		if channel[0] != pattern[0] {
			return false
		}
		return matchSegments(channel[1:], pattern[1:])
	}
}

// hasWildcard reports whether a subscription needs pattern matching.
func hasWildcard(pattern string) bool {
	return strings.Contains(pattern, "*")
}

type channelState struct {
	subscribers map[ConnectionID]bool
	msgCount    uint64
}

// PubSub tracks exact and wildcard subscriptions and computes fan-out.
// Delivery itself belongs to the transport; Publish returns the recipient
// set. Within one channel, recipients observe messages in publish order
// because Publish serialises on the registry lock.
type PubSub struct {
	mu sync.RWMutex
	// channels holds exact subscriptions plus per-channel counters.
	channels map[ChannelID]*channelState
	// subscriptions holds each connection's wildcard patterns.
	subscriptions map[ConnectionID]map[string]bool
}

// NewPubSub returns an empty registry.
func NewPubSub() *PubSub {
	return &PubSub{
		channels:      make(map[ChannelID]*channelState),
		subscriptions: make(map[ConnectionID]map[string]bool),
	}
}

// Subscribe registers a connection for a channel or pattern.
func (ps *PubSub) Subscribe(conn ConnectionID, pattern string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if hasWildcard(pattern) {
		subs, ok := ps.subscriptions[conn]
		if !ok {
			subs = make(map[string]bool)
			ps.subscriptions[conn] = subs
		}
		subs[pattern] = true
		return
	}
	ch := ChannelID(pattern)
	st, ok := ps.channels[ch]
	if !ok {
		st = &channelState{subscribers: make(map[ConnectionID]bool)}
		ps.channels[ch] = st
	}
	st.subscribers[conn] = true
}

// Unsubscribe removes one subscription. Unknown subscriptions are ignored.
func (ps *PubSub) Unsubscribe(conn ConnectionID, pattern string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if hasWildcard(pattern) {
		if subs, ok := ps.subscriptions[conn]; ok {
			delete(subs, pattern)
			if len(subs) == 0 {
				delete(ps.subscriptions, conn)
			}
		}
		return
	}
	ch := ChannelID(pattern)
	if st, ok := ps.channels[ch]; ok {
		delete(st.subscribers, conn)
		if len(st.subscribers) == 0 && st.msgCount == 0 {
			delete(ps.channels, ch)
		}
	}
}

// UnsubscribeAll removes every subscription of a connection. Idempotent.
func (ps *PubSub) UnsubscribeAll(conn ConnectionID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.subscriptions, conn)
	for ch, st := range ps.channels {
		delete(st.subscribers, conn)
		if len(st.subscribers) == 0 && st.msgCount == 0 {
			delete(ps.channels, ch)
		}
	}
}

// Publish records a message on a channel and returns the union of exact
// subscribers and wildcard matchers — the fan-out list the transport
// delivers to.
func (ps *PubSub) Publish(channel ChannelID) []ConnectionID {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	recipients := make(map[ConnectionID]bool)
	st, ok := ps.channels[channel]
	if !ok {
		st = &channelState{subscribers: make(map[ConnectionID]bool)}
		ps.channels[channel] = st
	}
	st.msgCount++
	for conn := range st.subscribers {
		recipients[conn] = true
	}
	for conn, patterns := range ps.subscriptions {
		for p := range patterns {
			if channel.Matches(p) {
				recipients[conn] = true
				break
			}
		}
	}
	metrics.MessagesPublished.Inc()
	out := make([]ConnectionID, 0, len(recipients))
	for conn := range recipients {
		out = append(out, conn)
	}
	return out
}

// Subscriptions lists a connection's patterns (wildcard and exact).
func (ps *PubSub) Subscriptions(conn ConnectionID) []string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	var out []string
	for p := range ps.subscriptions[conn] {
		out = append(out, p)
	}
	for ch, st := range ps.channels {
		if st.subscribers[conn] {
			out = append(out, string(ch))
		}
	}
	return out
}

// ChannelStats reports a channel's subscriber count and message counter.
func (ps *PubSub) ChannelStats(ch ChannelID) (subscribers int, messages uint64) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if st, ok := ps.channels[ch]; ok {
		return len(st.subscribers), st.msgCount
	}
	return 0, 0
}

// Channels lists the known exact channels.
func (ps *PubSub) Channels() []ChannelID {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]ChannelID, 0, len(ps.channels))
	for ch := range ps.channels {
		out = append(out, ch)
	}
	return out
}
