package relay

import (
	"context"
	"sync"
)

// conversationLocks serializes turns per conversation.
type conversationLocks struct {
	mu    sync.Mutex
	slots map[int64]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{slots: make(map[int64]*lockSlot)}
}

// lock blocks until the conversation is free or ctx is done.
func (l *conversationLocks) lock(ctx context.Context, id int64) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[id]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[id] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(id, slot)
		return nil, ctx.Err()
	}

	return func() {
		<-slot.ch
		l.release(id, slot)
	}, nil
}

func (l *conversationLocks) release(id int64, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, id)
	}
}
