package session

import "context"

// Listener receives session lifecycle and attribute events.
// Embed BaseListener to implement only the callbacks you need.
//
// Callbacks run synchronously on the goroutine that triggered the event and
// never while the session lock is held, so a listener may call back into the session.
type Listener interface {
	SessionCreated(ctx context.Context, s Session)
	// SessionDestroyed fires once when invalidation starts, before attributes are cleared.
	// Listeners are notified in reverse registration order.
	SessionDestroyed(ctx context.Context, s Session)
	SessionEvicted(ctx context.Context, s Session)
	SessionResided(ctx context.Context, s Session)
	AttributeAdded(ctx context.Context, s Session, name string, value any)
	AttributeUpdated(ctx context.Context, s Session, name string, newValue, oldValue any)
	AttributeRemoved(ctx context.Context, s Session, name string, oldValue any)
	SessionIDChanged(ctx context.Context, s Session, oldID string)
}

// BaseListener implements Listener with no-op callbacks.
type BaseListener struct{}

func (BaseListener) SessionCreated(context.Context, Session)                     {}
func (BaseListener) SessionDestroyed(context.Context, Session)                   {}
func (BaseListener) SessionEvicted(context.Context, Session)                     {}
func (BaseListener) SessionResided(context.Context, Session)                     {}
func (BaseListener) AttributeAdded(context.Context, Session, string, any)        {}
func (BaseListener) AttributeUpdated(context.Context, Session, string, any, any) {}
func (BaseListener) AttributeRemoved(context.Context, Session, string, any)      {}
func (BaseListener) SessionIDChanged(context.Context, Session, string)           {}

var _ Listener = BaseListener{}
