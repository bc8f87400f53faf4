package tenant

import "context"

type ctxKey string

const organizationKey ctxKey = "MANYLEAD_ORGANIZATION_ID"

// WithOrganizationID returns a derived context carrying the caller's active
// organization id. It is attached by the session layer once the organization
// has been resolved from credentials/claims; this package never authenticates.
func WithOrganizationID(ctx context.Context, organizationID string) context.Context {
	return context.WithValue(ctx, organizationKey, organizationID)
}

// OrganizationIDFromContext extracts the active organization id and a boolean
// indicating presence.
func OrganizationIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(organizationKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
