package idp

import (
	"context"
	"fmt"

	"github.com/dgellow/estate-session/internal/config"
)

// NewProvider creates the provider selected by cfg. opts supplies the runtime
// collaborators (storage, browser, HTTP client); the client credentials come
// from cfg.
func NewProvider(ctx context.Context, cfg config.IdentityConfig, opts Options) (*OAuthProvider, error) {
	opts.ClientID = cfg.ClientID
	opts.ClientSecret = string(cfg.ClientSecret)
	opts.RedirectURI = cfg.RedirectURI
	opts.Scopes = cfg.Scopes

	switch cfg.Provider {
	case config.ProviderGoogle:
		return NewGoogleProvider(opts), nil

	case config.ProviderOIDC:
		return NewOIDCProvider(ctx, OIDCConfig{
			ProviderType:     "oidc",
			DiscoveryURL:     cfg.DiscoveryURL,
			AuthorizationURL: cfg.AuthorizationURL,
			TokenURL:         cfg.TokenURL,
			UserInfoURL:      cfg.UserInfoURL,
			Options:          opts,
		})

	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Provider)
	}
}
