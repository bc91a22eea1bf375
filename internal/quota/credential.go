package quota

import "context"

type sharedCredentialsKey struct{}

// WithSharedCredentials marks ctx as serving a call routed on the shared
// upstream credentials. The gate then meters the identity even when it has a
// personal credential on file.
func WithSharedCredentials(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, sharedCredentialsKey{}, true)
}

func routedOnSharedCredentials(ctx context.Context) bool {
	shared, _ := ctx.Value(sharedCredentialsKey{}).(bool)
	return shared
}
