package huddlesync

import "testing"

// ============================================================================
// Observers
// ============================================================================

func TestObserversDispatchInRegistrationOrder(t *testing.T) {
	o := newObservers()
	var order []string
	o.onList(func(ListUpdate) { order = append(order, "first") })
	o.onList(func(ListUpdate) { order = append(order, "second") })

	o.emitList(ListUpdate{Store: StorePosts})
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("dispatch order: %v", order)
	}
}

func TestObserversCancel(t *testing.T) {
	o := newObservers()
	var status, drain int
	cancelStatus := o.onStatus(func(Status) { status++ })
	o.onDrain(func(DrainReport) { drain++ })

	o.emitStatus(Status{})
	o.emitDrain(DrainReport{})
	cancelStatus()
	cancelStatus() // cancelling twice is harmless
	o.emitStatus(Status{})
	o.emitDrain(DrainReport{})

	if status != 1 {
		t.Fatalf("cancelled status handler ran %d times", status)
	}
	if drain != 2 {
		t.Fatalf("drain handler ran %d times, want 2", drain)
	}
}

func TestObserversIndependentChannels(t *testing.T) {
	o := newObservers()
	var presence, typing int
	o.onPresence(func(PresenceEvent) { presence++ })
	o.onTyping(func(TypingEvent) { typing++ })

	o.emitPresence(PresenceEvent{UserID: "peer-1", Online: true})
	if presence != 1 || typing != 0 {
		t.Fatalf("presence leaked into typing: %d/%d", presence, typing)
	}
	o.emitTyping(TypingEvent{ConversationID: "conv-1", UserID: "peer-1", Typing: true})
	if typing != 1 {
		t.Fatalf("typing handler ran %d times", typing)
	}
}
