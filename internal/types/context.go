package types

import "context"

type ActorType string

// ActorTypeService is a backend service authenticated by the shared token,
// acting for the end user named in X-User-Id.
const ActorTypeService ActorType = "service"

// Actor is the caller resolved by the auth middleware. ID is the end user
// whose billing is being read or changed.
type Actor struct {
	ID   string
	Type ActorType
}

type ctxKey int

const (
	actorKey ctxKey = iota
	requestIDKey
)

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// GetActor reports false outside authenticated routes.
func GetActor(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey).(Actor)
	return actor, ok
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID returns "" when no id was assigned.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
