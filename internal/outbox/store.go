package outbox

import "context"

// Store appends events. Implementations join an ambient transaction from
// context, so an event is only visible once the domain change committed.
type Store interface {
	Append(ctx context.Context, event *Event) error
}
