package auth

import (
	"context"
	"net/http"
	"strings"
)

// HeaderWorkspace optionally scopes a request to a workspace; plan listing
// uses it as a filter. Absence is fine, plans are owner-scoped regardless.
const HeaderWorkspace = "X-Planledger-Workspace"

type ctxKeyWorkspace struct{}

func ContextWithWorkspaceID(ctx context.Context, workspaceID string) context.Context {
	return context.WithValue(ctx, ctxKeyWorkspace{}, workspaceID)
}

func WorkspaceIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyWorkspace{}).(string)
	return v, ok
}

func WorkspaceFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(HeaderWorkspace)); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("workspace"))
}
