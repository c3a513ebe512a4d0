package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// APIToken binds a bearer token to the account it acts for.
type APIToken struct {
	Token   string
	Account string
	Admin   bool
}

// AuthConfig lists the accepted API tokens. With no tokens every mutating
// route is refused.
type AuthConfig struct {
	Tokens []APIToken
}

// Principal is the authenticated caller of a request.
type Principal struct {
	Account common.Address
	Admin   bool
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFrom(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type authenticator struct {
	tokens map[string]Principal
}

func newAuthenticator(cfg AuthConfig) (*authenticator, error) {
	tokens := make(map[string]Principal, len(cfg.Tokens))
	for i, tok := range cfg.Tokens {
		value := strings.TrimSpace(tok.Token)
		if value == "" {
			continue
		}
		account := strings.TrimSpace(tok.Account)
		if !common.IsHexAddress(account) {
			return nil, fmt.Errorf("auth token %d: invalid account %q", i, tok.Account)
		}
		if _, dup := tokens[value]; dup {
			return nil, fmt.Errorf("auth token %d: duplicate token", i)
		}
		tokens[value] = Principal{Account: common.HexToAddress(account), Admin: tok.Admin}
	}
	return &authenticator{tokens: tokens}, nil
}

func (a *authenticator) enabled() bool { return a != nil && len(a.tokens) > 0 }

// lookup resolves the Authorization bearer token or the X-API-Token header.
func (a *authenticator) lookup(r *http.Request) (Principal, bool) {
	if !a.enabled() {
		return Principal{}, false
	}
	if token := parseBearerToken(r.Header.Get("Authorization")); token != "" {
		if p, ok := a.tokens[token]; ok {
			return p, true
		}
	}
	if token := strings.TrimSpace(r.Header.Get("X-API-Token")); token != "" {
		if p, ok := a.tokens[token]; ok {
			return p, true
		}
	}
	return Principal{}, false
}

// require rejects requests without a known token, and non-admin tokens when
// admin is set.
func (a *authenticator) require(admin bool, onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.enabled() {
				onError(w, r, errAuthDisabled)
				return
			}
			p, ok := a.lookup(r)
			if !ok {
				onError(w, r, errUnauthenticated)
				return
			}
			if admin && !p.Admin {
				onError(w, r, errForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
		})
	}
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
