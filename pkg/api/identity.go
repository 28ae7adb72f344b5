package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
)

var (
	ErrUnauthenticated = errors.New("caller identity missing")
	ErrForbidden       = errors.New("caller may not act on this account")
)

// Identity resolves the account a request acts on. Credential and token
// verification happen upstream; an Identity only reads their result.
type Identity interface {
	// Resolve returns the account id for r. claimed is the id named in the
	// request itself, empty when the request names none.
	Resolve(r *http.Request, claimed string) (string, error)
}

// HeaderIdentity trusts an account id header set by an authenticating proxy
type HeaderIdentity struct {
	Header string
	// Required rejects requests without the header
	Required bool
}

const (
	DefaultIdentityHeader = "X-Account-ID"
	// OperatorHeader carries the key that grants access to every account's reconciliations
	OperatorHeader = "X-Operator-Key"
)

func hasOperatorKey(r *http.Request, key string) bool {
	if key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(r.Header.Get(OperatorHeader)), []byte(key)) == 1
}

func (h HeaderIdentity) Resolve(r *http.Request, claimed string) (string, error) {
	name := h.Header
	if name == "" {
		name = DefaultIdentityHeader
	}
	caller := r.Header.Get(name)
	if caller == "" {
		if h.Required {
			return "", ErrUnauthenticated
		}
		return claimed, nil
	}
	if claimed != "" && claimed != caller {
		return "", ErrForbidden
	}
	return caller, nil
}
