package huddlesync

import "sync"

// ============================================================================
// Observers
// ============================================================================

// ListUpdate tells the UI that a cached collection changed and which slice
// of it. ScopeID narrows the change to one conversation (messages) or one
// post (comments); it is empty for store-wide changes.
type ListUpdate struct {
	Store   string `json:"store"`
	ScopeID string `json:"scopeId,omitempty"`
}

// Handler types for engine observers.
type (
	StatusHandler   func(Status)
	ListHandler     func(ListUpdate)
	PresenceHandler func(PresenceEvent)
	TypingHandler   func(TypingEvent)
	DrainHandler    func(DrainReport)
)

// observers is the typed registry behind the engine's On* methods. Handlers
// run synchronously on the emitting goroutine, in registration order, so
// updates for one scope arrive in the order they happened; handlers must
// hand off to their own goroutine if they need to block.
type observers struct {
	mu       sync.Mutex
	nextID   int
	status   map[int]StatusHandler
	list     map[int]ListHandler
	presence map[int]PresenceHandler
	typing   map[int]TypingHandler
	drain    map[int]DrainHandler
	order    []int
}

func newObservers() *observers {
	return &observers{
		status:   make(map[int]StatusHandler),
		list:     make(map[int]ListHandler),
		presence: make(map[int]PresenceHandler),
		typing:   make(map[int]TypingHandler),
		drain:    make(map[int]DrainHandler),
	}
}

func (o *observers) register(add func(id int), remove func(id int)) func() {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	add(id)
	o.order = append(o.order, id)
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		remove(id)
		for i, v := range o.order {
			if v == id {
				o.order = append(o.order[:i], o.order[i+1:]...)
				break
			}
		}
	}
}

func (o *observers) onStatus(h StatusHandler) func() {
	return o.register(
		func(id int) { o.status[id] = h },
		func(id int) { delete(o.status, id) },
	)
}

func (o *observers) onList(h ListHandler) func() {
	return o.register(
		func(id int) { o.list[id] = h },
		func(id int) { delete(o.list, id) },
	)
}

func (o *observers) onPresence(h PresenceHandler) func() {
	return o.register(
		func(id int) { o.presence[id] = h },
		func(id int) { delete(o.presence, id) },
	)
}

func (o *observers) onTyping(h TypingHandler) func() {
	return o.register(
		func(id int) { o.typing[id] = h },
		func(id int) { delete(o.typing, id) },
	)
}

func (o *observers) onDrain(h DrainHandler) func() {
	return o.register(
		func(id int) { o.drain[id] = h },
		func(id int) { delete(o.drain, id) },
	)
}

func (o *observers) emitStatus(s Status) {
	for _, h := range o.snapshotStatus() {
		h(s)
	}
}

func (o *observers) emitList(u ListUpdate) {
	o.mu.Lock()
	hs := make([]ListHandler, 0, len(o.list))
	for _, id := range o.order {
		if h, ok := o.list[id]; ok {
			hs = append(hs, h)
		}
	}
	o.mu.Unlock()
	for _, h := range hs {
		h(u)
	}
}

func (o *observers) emitPresence(ev PresenceEvent) {
	o.mu.Lock()
	hs := make([]PresenceHandler, 0, len(o.presence))
	for _, id := range o.order {
		if h, ok := o.presence[id]; ok {
			hs = append(hs, h)
		}
	}
	o.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (o *observers) emitTyping(ev TypingEvent) {
	o.mu.Lock()
	hs := make([]TypingHandler, 0, len(o.typing))
	for _, id := range o.order {
		if h, ok := o.typing[id]; ok {
			hs = append(hs, h)
		}
	}
	o.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (o *observers) emitDrain(r DrainReport) {
	o.mu.Lock()
	hs := make([]DrainHandler, 0, len(o.drain))
	for _, id := range o.order {
		if h, ok := o.drain[id]; ok {
			hs = append(hs, h)
		}
	}
	o.mu.Unlock()
	for _, h := range hs {
		h(r)
	}
}

func (o *observers) snapshotStatus() []StatusHandler {
	o.mu.Lock()
	defer o.mu.Unlock()
	hs := make([]StatusHandler, 0, len(o.status))
	for _, id := range o.order {
		if h, ok := o.status[id]; ok {
			hs = append(hs, h)
		}
	}
	return hs
}
