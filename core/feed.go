// Copyright 2025 The Captely Authors
// This file is part of the cascade library.
//
// The cascade library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The cascade library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the cascade library. If not, see <http://www.gnu.org/licenses/>.

package core

import "sync"

// Subscription represents a stream of events. The error channel is closed
// when the subscription ends.
type Subscription interface {
	// Unsubscribe cancels the delivery of events.
	Unsubscribe()
	// Err returns the subscription's error channel.
	Err() <-chan error
}

// feed implements one-to-many subscriptions where the carrier of events is
// a channel. Delivery is best effort: a subscriber whose channel is full
// misses the event instead of stalling the workers, so channels should
// carry ample buffer space.
//
// The zero value is ready to use.
type feed[T any] struct {
	mu      sync.Mutex
	subs    map[*feedSub[T]]struct{}
	dropped uint64
}

// Subscribe adds a channel to the feed. Future sends are delivered on the
// channel until the subscription is canceled.
func (f *feed[T]) Subscribe(channel chan<- T) Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[*feedSub[T]]struct{})
	}
	sub := &feedSub[T]{feed: f, channel: channel, err: make(chan error, 1)}
	f.subs[sub] = struct{}{}
	return sub
}

// Send delivers value to all subscribed channels that can take it without
// blocking. It returns the number of subscribers the value reached.
func (f *feed[T]) Send(value T) (nsent int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		select {
		case sub.channel <- value:
			nsent++
		default:
			f.dropped++
		}
	}
	return nsent
}

// Dropped returns the number of events lost to full subscriber channels.
func (f *feed[T]) Dropped() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

func (f *feed[T]) remove(sub *feedSub[T]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, sub)
}

type feedSub[T any] struct {
	feed    *feed[T]
	channel chan<- T
	errOnce sync.Once
	err     chan error
}

func (sub *feedSub[T]) Unsubscribe() {
	sub.errOnce.Do(func() {
		sub.feed.remove(sub)
		close(sub.err)
	})
}

func (sub *feedSub[T]) Err() <-chan error {
	return sub.err
}
