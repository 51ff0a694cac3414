package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/bitop-dev/modelexec/auth"
	"github.com/bitop-dev/modelexec/plugin"
)

// Authorize sets a bearer Authorization header from cred. A failed refresh
// does not abort the call: the header is left unset, the failure is logged,
// and an auth_degraded warning is returned.
func Authorize(ctx context.Context, provider string, h http.Header, cred auth.Provider) *plugin.Warning {
	if cred == nil {
		return nil
	}
	tok, err := cred.AccessToken(ctx)
	if err != nil || tok == "" {
		if err == nil {
			err = errEmptyToken
		}
		slog.WarnContext(ctx, "credential refresh failed; continuing unauthenticated",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		return &plugin.Warning{Kind: plugin.WarnAuthDegraded, Message: err.Error()}
	}
	h.Set("Authorization", auth.Header("Bearer", tok))
	return nil
}

var errEmptyToken = errors.New("credential provider returned an empty token")
