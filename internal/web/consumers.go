package web

import (
	"context"

	"github.com/roach88/dehc/internal/changes"
	"github.com/roach88/dehc/internal/evac"
	"github.com/roach88/dehc/internal/hub"
)

// EventChange names the stream events carrying change records.
const EventChange = "change"

// Publisher is the part of hub.Hub the event consumer needs.
type Publisher interface {
	Publish(ev hub.Event)
}

// EventConsumer forwards each change record to the event stream, with
// "<db>:<seq>" as the event id.
func EventConsumer(p Publisher) changes.Consumer {
	return changes.ConsumerFunc(func(_ context.Context, r changes.Record) error {
		p.Publish(hub.Event{Name: EventChange, ID: r.DB + ":" + r.Change.Seq, Data: r})
		return nil
	})
}

// IdentityConsumer re-prepares the identity snapshot whenever the ids
// database of h changes, so lookups by physical id see new tags.
func IdentityConsumer(h *evac.Handle) changes.Consumer {
	return changes.ConsumerFunc(func(ctx context.Context, r changes.Record) error {
		if r.DB != h.DBs.IDs {
			return nil
		}
		return h.Prepare(ctx)
	})
}
