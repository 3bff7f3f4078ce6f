// Package captcha holds the token channel registry and the loopback bridge
// server that feeds it. Tokens are produced by a browser-side solver posting
// to the bridge and consumed by generation workers.
package captcha

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const channelDepth = 32

var ErrTokenTimeout = errors.New("timed out waiting for captcha token")

// Request is one outstanding token request, visible to the browser solver
// through the bridge's poll endpoint.
type Request struct {
	Channel int    `json:"channel"`
	Action  string `json:"action"`
	Count   int    `json:"count"`
}

// Registry fans tokens out over a fixed set of FIFO channels. Channels are
// numbered from 1; out-of-range channel arguments are clamped. It also
// tracks the pending token requests, at most one per channel: workers
// announce a request before blocking on Pop, the bridge clears it when the
// solver delivers.
type Registry struct {
	channels []chan string

	mu      sync.Mutex
	pending []Request
}

func NewRegistry(n int) *Registry {
	if n < 1 {
		n = 1
	}
	channels := make([]chan string, n)
	for i := range channels {
		channels[i] = make(chan string, channelDepth)
	}
	return &Registry{channels: channels}
}

// Channels reports the number of configured channels.
func (r *Registry) Channels() int { return len(r.channels) }

// Clamp maps any channel number into the valid range 1..Channels.
func (r *Registry) Clamp(channel int) int {
	if channel < 1 {
		return 1
	}
	if channel > len(r.channels) {
		return len(r.channels)
	}
	return channel
}

// Announce records that a worker is waiting for count tokens on the
// channel. A second announce for the same channel replaces the first.
func (r *Registry) Announce(channel int, action string, count int) {
	channel = r.Clamp(channel)
	if count < 1 {
		count = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(channel)
	r.pending = append(r.pending, Request{Channel: channel, Action: action, Count: count})
}

// Withdraw clears the channel's pending request. Called by workers that
// gave up waiting.
func (r *Registry) Withdraw(channel int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(r.Clamp(channel))
}

func (r *Registry) removeLocked(channel int) {
	for i, req := range r.pending {
		if req.Channel == channel {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return
		}
	}
}

// Pending returns the channel's outstanding request, if any.
func (r *Registry) Pending(channel int) (Request, bool) {
	channel = r.Clamp(channel)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, req := range r.pending {
		if req.Channel == channel {
			return req, true
		}
	}
	return Request{}, false
}

// FirstPending returns the oldest outstanding request across all channels.
func (r *Registry) FirstPending() (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return Request{}, false
	}
	return r.pending[0], true
}

// HasPending reports whether any channel is waiting for a token.
func (r *Registry) HasPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending) > 0
}

// Push enqueues a token without blocking. When the channel buffer is full
// the token is dropped; tokens expire quickly, so backpressure on the
// producer would only queue stale ones.
func (r *Registry) Push(channel int, token string) bool {
	ch := r.channels[r.Clamp(channel)-1]
	select {
	case ch <- token:
		return true
	default:
		log.Warn().Int("channel", r.Clamp(channel)).Msg("token channel full, dropping token")
		return false
	}
}

// Pop blocks for the next token on the channel, up to timeout or until ctx
// is cancelled.
func (r *Registry) Pop(ctx context.Context, channel int, timeout time.Duration) (string, error) {
	ch := r.channels[r.Clamp(channel)-1]
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case token := <-ch:
		return token, nil
	case <-timer.C:
		return "", ErrTokenTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Len reports the number of queued tokens on the channel.
func (r *Registry) Len(channel int) int {
	return len(r.channels[r.Clamp(channel)-1])
}
