package mailjobs

import "context"

// Identity is the caller of an operation, supplied per request by the
// authentication layer.
type Identity struct {
	UserID string
	Admin  bool
}

// CanAccess reports whether the identity may see or act on something owned by ownerID.
func (id Identity) CanAccess(ownerID string) bool {
	return id.Admin || (id.UserID != "" && id.UserID == ownerID)
}

type identityKey struct{}

// WithIdentity returns a context carrying the caller identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom extracts the caller identity placed by WithIdentity.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

func normalizeContext(ctx context.Context) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ctx, nil
}
