package state

import "github.com/dshills/taskgraph-go/emit"

// NewRecorder subscribes a timeline recorder to every bus event, appending
// each one to the session timeline in the order the bus dispatches it.
// Returns the subscription handle so the recorder can be detached.
//
// Timeline order matches emit order: bus dispatch is synchronous and the
// store appends under its lock in arrival order.
func NewRecorder(bus *emit.Bus, store Store) emit.SubscriptionID {
	return bus.OnAll(func(ev emit.Event) {
		store.RecordEvent(TimelineEvent{
			Ts:      Timestamp{ev.Ts},
			Type:    ev.Type,
			Summary: ev.Summary,
			Data:    ev.Data,
		})
	})
}
