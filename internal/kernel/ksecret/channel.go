package ksecret

import (
	"errors"
	"sync"
)

// ErrBootstrapChannelState is returned by a second Publish or a second
// Receive on the same Channel (spec.md §8 "Key bundle single-shot").
var ErrBootstrapChannelState = errors.New("ksecret: bootstrap channel already used")

// Channel is the one-shot key distribution channel spec.md §4.10 step
// 3 names: publish_once succeeds exactly once; a later publish or a
// second receive both fail.
type Channel struct {
	mu        sync.Mutex
	published bool
	received  bool
	bundle    Bundle
}

// NewChannel builds an unpublished channel.
func NewChannel() *Channel {
	return &Channel{}
}

// Publish delivers bundle to the channel. Fails if already published.
func (c *Channel) Publish(bundle Bundle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.published {
		return ErrBootstrapChannelState
	}
	c.bundle = bundle
	c.published = true
	return nil
}

// Receive returns the published bundle. Fails if nothing has been
// published yet, or if a bundle was already received once.
func (c *Channel) Receive() (Bundle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.published || c.received {
		return Bundle{}, ErrBootstrapChannelState
	}
	c.received = true
	return c.bundle, nil
}
