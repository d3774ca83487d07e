package entity

import "sync"

// RegistryHandler is called for every entity registry event
type RegistryHandler func(RegistryEvent)

// StateHandler is called for every entity state change
type StateHandler func(StateChange)

// Unsubscribe removes a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

// Bus is a typed event bus with one channel per concern: registry changes,
// state changes and host startup. Handlers run synchronously on the
// publishing goroutine, in subscription order.
type Bus struct {
	mu        sync.RWMutex
	nextID    int
	registry  map[int]RegistryHandler
	states    map[int]StateHandler
	started   map[int]func()
	order     []int
	isStarted bool
}

// NewBus creates an empty event bus
func NewBus() *Bus {
	return &Bus{
		registry: make(map[int]RegistryHandler),
		states:   make(map[int]StateHandler),
		started:  make(map[int]func()),
	}
}

func (b *Bus) newIDLocked() int {
	b.nextID++
	b.order = append(b.order, b.nextID)
	return b.nextID
}

// SubscribeRegistry registers a handler for registry events
func (b *Bus) SubscribeRegistry(h RegistryHandler) Unsubscribe {
	b.mu.Lock()
	id := b.newIDLocked()
	b.registry[id] = h
	b.mu.Unlock()

	return b.remover(id, func() { delete(b.registry, id) })
}

// SubscribeStates registers a handler for state changes
func (b *Bus) SubscribeStates(h StateHandler) Unsubscribe {
	b.mu.Lock()
	id := b.newIDLocked()
	b.states[id] = h
	b.mu.Unlock()

	return b.remover(id, func() { delete(b.states, id) })
}

// OnHostStarted registers a handler for host startup completion. If the host
// has already started the handler is invoked immediately and nothing is retained.
func (b *Bus) OnHostStarted(h func()) Unsubscribe {
	b.mu.Lock()
	if b.isStarted {
		b.mu.Unlock()
		h()
		return func() {}
	}
	id := b.newIDLocked()
	b.started[id] = h
	b.mu.Unlock()

	return b.remover(id, func() { delete(b.started, id) })
}

func (b *Bus) remover(id int, del func()) Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			del()
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

// PublishRegistry delivers a registry event to all registry subscribers
func (b *Bus) PublishRegistry(e RegistryEvent) {
	b.mu.RLock()
	handlers := make([]RegistryHandler, 0, len(b.registry))
	for _, id := range b.order {
		if h, ok := b.registry[id]; ok {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// PublishState delivers a state change to all state subscribers
func (b *Bus) PublishState(c StateChange) {
	b.mu.RLock()
	handlers := make([]StateHandler, 0, len(b.states))
	for _, id := range b.order {
		if h, ok := b.states[id]; ok {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(c)
	}
}

// PublishHostStarted marks the host as started and notifies waiting handlers once
func (b *Bus) PublishHostStarted() {
	b.mu.Lock()
	if b.isStarted {
		b.mu.Unlock()
		return
	}
	b.isStarted = true
	handlers := make([]func(), 0, len(b.started))
	for _, id := range b.order {
		if h, ok := b.started[id]; ok {
			handlers = append(handlers, h)
		}
	}
	b.started = make(map[int]func())
	b.mu.Unlock()

	for _, h := range handlers {
		h()
	}
}

// HostStarted reports whether host startup has completed
func (b *Bus) HostStarted() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.isStarted
}

// SubscriberCount returns the number of live subscriptions across all channels
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.registry) + len(b.states) + len(b.started)
}
