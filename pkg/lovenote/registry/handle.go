package registry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lovenote/lovenote/pkg/lovenote/channels"
)

// Handle is the registry's record of one running adapter. Callers may use a
// handle for the duration of a request but must not keep it: the registry
// replaces handles on restart and drops them on stop.
type Handle struct {
	id        string
	identity  channels.Identity
	adapter   channels.Adapter
	createdAt time.Time
}

func newHandle(id channels.Identity, adapter channels.Adapter) *Handle {
	return &Handle{
		id:        uuid.NewString(),
		identity:  id,
		adapter:   adapter,
		createdAt: time.Now(),
	}
}

// ID is unique per adapter instance, so a restarted channel gets a new one.
func (h *Handle) ID() string { return h.id }

func (h *Handle) Identity() channels.Identity { return h.identity }
func (h *Handle) State() channels.State       { return h.adapter.State() }
func (h *Handle) IsLinked() bool              { return h.adapter.IsLinked() }
func (h *Handle) HasSession() bool            { return h.adapter.HasSession() }
func (h *Handle) Status() channels.Status     { return h.adapter.Status() }
func (h *Handle) CreatedAt() time.Time        { return h.createdAt }

// Send delivers body through the adapter. See channels.Adapter.Send.
func (h *Handle) Send(ctx context.Context, target, body string) error {
	return h.adapter.Send(ctx, target, body)
}

// HandleInfo is a serializable view of a Handle.
type HandleInfo struct {
	ID         string            `json:"id"`
	Identity   channels.Identity `json:"identity"`
	Status     channels.Status   `json:"status"`
	HasSession bool              `json:"has_session"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Info snapshots the handle.
func (h *Handle) Info() HandleInfo {
	return HandleInfo{
		ID:         h.id,
		Identity:   h.identity,
		Status:     h.adapter.Status(),
		HasSession: h.adapter.HasSession(),
		CreatedAt:  h.createdAt,
	}
}
