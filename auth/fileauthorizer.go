package auth

import (
	"context"

	"github.com/ground-x/blmsg/errs"
)

// StaticPrincipal is one token's entry in a file-backed authorization
// table, the shape --authorization-config-file decodes into when no
// external REST authorizer is configured.
type StaticPrincipal struct {
	Token   string
	Subject string
	Claims  map[string]string
}

// StaticAuthorizationFile is the TOML document --authorization-config-file
// points at.
type StaticAuthorizationFile struct {
	Principals []StaticPrincipal
}

// NewFileAuthorizationTask returns a Task that resolves tokens against a
// fixed table loaded from a StaticAuthorizationFile, for deployments with
// no external REST authorizer to call out to.
func NewFileAuthorizationTask(entries []StaticPrincipal) Task {
	byToken := make(map[string]*Principal, len(entries))
	for _, e := range entries {
		byToken[e.Token] = &Principal{Token: e.Token, Subject: e.Subject, Claims: e.Claims}
	}
	return func(ctx context.Context, token string) (*Principal, error) {
		if p, ok := byToken[token]; ok {
			return p, nil
		}
		return nil, errs.New(errs.CodeAuthorizationFailed, "auth: token not present in static authorization file")
	}
}
