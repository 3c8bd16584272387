package audit

import (
	"context"

	id "civid/pkg/domain"
)

// ListFilter narrows List results. Zero values mean "no constraint".
type ListFilter struct {
	ActorID id.UserID
	Action  Action
	Limit   int
	Offset  int
}

// Store persists audit events. Append implementations join an ambient
// transaction from context when one is present.
type Store interface {
	Append(ctx context.Context, event Event) error
	List(ctx context.Context, filter ListFilter) ([]Event, error)
}
