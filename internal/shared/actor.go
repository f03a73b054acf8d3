package shared

import "context"

// Role names the coarse roles recognised by the engine. Authentication and
// session issuance happen upstream; the engine only reads the identity the
// gateway forwards.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleAccounting Role = "accounting"
	RoleStandard   Role = "standard"
)

// Actor identifies the pre-authorized caller of a state transition.
type Actor struct {
	ID   int64
	Name string
	Role Role
}

// CanApproveFinance reports whether the actor may drive schedule transitions.
func (a Actor) CanApproveFinance() bool {
	return a.Role == RoleAdmin || a.Role == RoleAccounting
}

type actorKey struct{}

// ContextWithActor stores the actor on the context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor previously stored on the context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}
