package openbuildings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"

	"github.com/mohammed-shakir/building-footprints/internal/core/config"
)

const Scope = "https://www.googleapis.com/auth/earthengine"

// credentials resolves a token source: explicit service account key first,
// then a credentials file, then Application Default Credentials.
func credentials(ctx context.Context, cfg config.OpenBuildingsCfg) (oauth2.TokenSource, error) {
	// token refresh outlives the request that connected
	ctx = context.WithoutCancel(ctx)

	switch {
	case cfg.ServiceAccount != "" && cfg.PrivateKey != "":
		jc := &jwt.Config{
			Email:      cfg.ServiceAccount,
			PrivateKey: []byte(strings.ReplaceAll(cfg.PrivateKey, `\n`, "\n")),
			Scopes:     []string{Scope},
			TokenURL:   google.JWTTokenURL,
		}
		return jc.TokenSource(ctx), nil
	case cfg.ServiceAccount != "" || cfg.PrivateKey != "":
		return nil, errors.New("EE_SERVICE_ACCOUNT and EE_PRIVATE_KEY must be set together")
	case cfg.CredentialsPath != "":
		data, err := os.ReadFile(cfg.CredentialsPath)
		if err != nil {
			return nil, fmt.Errorf("read credentials: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, Scope)
		if err != nil {
			return nil, fmt.Errorf("parse credentials: %w", err)
		}
		return creds.TokenSource, nil
	default:
		creds, err := google.FindDefaultCredentials(ctx, Scope)
		if err != nil {
			return nil, fmt.Errorf("application default credentials: %w", err)
		}
		return creds.TokenSource, nil
	}
}
