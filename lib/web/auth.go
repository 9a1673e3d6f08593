/*
Copyright 2025 BYTEDz

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package web

import (
	"errors"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/BYTEDz/pclink"
	"github.com/BYTEDz/pclink/lib/httplib"
	"github.com/BYTEDz/pclink/lib/registry"
	"github.com/BYTEDz/pclink/lib/utils"
)

// authClass is the per-route authorization requirement.
type authClass int

const (
	// authPublic routes take no credential.
	authPublic authClass = iota
	// authDevice routes accept a device key, the server key or an
	// operator session.
	authDevice
	// authOperator routes accept only an operator session or the server
	// key; device keys are rejected.
	authOperator
)

// AuthContext describes the authenticated caller of a request.
type AuthContext struct {
	// Identity is set for key-based (device or server) credentials.
	Identity *registry.Identity
	// Operator is set for cookie-based operator sessions.
	Operator *OperatorSession
}

// IsOperator reports whether the caller may use operator-only endpoints.
func (c *AuthContext) IsOperator() bool {
	return c.Operator != nil || (c.Identity != nil && c.Identity.Server)
}

// OwnerID identifies the caller for resource ownership checks. Operator
// and server credentials return the empty owner, which passes every
// ownership check.
func (c *AuthContext) OwnerID() string {
	if c.Identity != nil && !c.Identity.Server {
		return c.Identity.DeviceID
	}
	return ""
}

// HandlerWithAuth is a route handler receiving the authenticated context.
type HandlerWithAuth func(w http.ResponseWriter, r *http.Request, p httprouter.Params, ctx *AuthContext) (interface{}, error)

// authorize resolves the request credential into an AuthContext.
func (h *Handler) authorize(r *http.Request) (*AuthContext, error) {
	clientIP := utils.ClientIP(r.RemoteAddr)

	if key := r.Header.Get(pclink.APIKeyHeader); key != "" {
		identity, err := h.cfg.Registry.Authorize(key, clientIP)
		if err != nil {
			switch {
			case errors.Is(err, registry.ErrRevokedCredential):
				return nil, httplib.ErrorWithCode(http.StatusUnauthorized, httplib.CodeRevokedCredential, err)
			case errors.Is(err, registry.ErrMissingCredential):
				return nil, httplib.ErrorWithCode(http.StatusUnauthorized, httplib.CodeMissingCredential, err)
			default:
				return nil, httplib.ErrorWithCode(http.StatusUnauthorized, httplib.CodeInvalidCredential, err)
			}
		}
		return &AuthContext{Identity: identity}, nil
	}

	if cookie, err := r.Cookie(pclink.SessionCookieName); err == nil {
		session, err := h.cfg.Sessions.Validate(cookie.Value, clientIP)
		if err != nil {
			return nil, httplib.ErrorWithCode(http.StatusUnauthorized, httplib.CodeInvalidCredential, err)
		}
		return &AuthContext{Operator: session}, nil
	}

	return nil, httplib.Errorf(http.StatusUnauthorized, httplib.CodeMissingCredential,
		"request carries no credential")
}

// withAuth wraps fn with the credential check, the per-route auth class and
// the service toggle gate, in that order.
func (h *Handler) withAuth(class authClass, toggle string, fn HandlerWithAuth) httprouter.Handle {
	return httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		var authCtx *AuthContext
		if class == authPublic {
			authCtx = &AuthContext{}
		} else {
			var err error
			authCtx, err = h.authorize(r)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if class == authOperator && !authCtx.IsOperator() {
				return nil, httplib.Errorf(http.StatusForbidden, httplib.CodeAccessDenied,
					"this endpoint requires operator access")
			}
		}
		if toggle != "" && !h.cfg.Config.Toggle(toggle) {
			return nil, httplib.Errorf(http.StatusForbidden, httplib.CodeServiceDisabled,
				"the %q service is disabled on this host", toggle)
		}
		return fn(w, r, p, authCtx)
	})
}
