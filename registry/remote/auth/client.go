/*
Copyright The ORAS Authors.
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

// Package auth implements the distribution-spec token handshake for a client
// to a remote registry: Bearer challenges are answered by fetching a token
// from the challenge's realm (with HTTP Basic credentials when the recipe
// supplies them), Basic challenges by attaching the credentials directly.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kleinladungstraeger/klt/internal/errcode"
	"github.com/kleinladungstraeger/klt/registry/remote/retry"
)

// HTTP header names used in authentication.
const (
	headerAuthorization   = "Authorization"
	headerUserAgent       = "User-Agent"
	headerWWWAuthenticate = "Www-Authenticate"
)

// DefaultClient is the default auth-decorated client: anonymous, retrying,
// with a process-lifetime token cache. Builds construct their own Client per
// target so credentials and tokens stay scoped to one build.
var DefaultClient = &Client{
	Client: retry.DefaultClient,
	Header: http.Header{
		headerUserAgent: {"klt"},
	},
	Cache: NewCache(),
}

// maxTokenResponseBytes bounds the token service's JSON response. A typical
// response is 1 to 4 KiB and a token must fit in an HTTP header (usually
// capped at 16 KiB); the response may repeat the token under both the
// "token" and "access_token" keys.
// Reference: https://distribution.github.io/distribution/spec/auth/token/
var maxTokenResponseBytes int64 = 128 * 1024

// Client is an auth-decorated HTTP client.
// Its zero value is a usable client that uses http.DefaultClient with no
// cache and anonymous access.
type Client struct {
	// Client is the underlying HTTP client used to access the remote
	// server. If nil, http.DefaultClient is used. retry.DefaultClient
	// layers in the transient-failure backoff policy and is what
	// DefaultClient and NewHTTPClient wire here.
	Client *http.Client

	// Header contains custom headers added to each request.
	Header http.Header

	// CredentialFunc resolves the credential for a registry host.
	// EmptyCredential is a valid return value and is not an error.
	// If nil, every host resolves to EmptyCredential.
	CredentialFunc CredentialFunc

	// Cache holds fetched bearer tokens keyed by (host, scope set) and
	// remembers which scheme a host challenged with. If nil, every request
	// renegotiates from scratch.
	Cache Cache
}

func (c *Client) client() *http.Client {
	if c.Client == nil {
		return http.DefaultClient
	}
	return c.Client
}

// send adds the custom headers to the request and sends it.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	for key, values := range c.Header {
		req.Header[key] = append(req.Header[key], values...)
	}
	return c.client().Do(req)
}

// credential resolves the credential for the given registry host.
func (c *Client) credential(ctx context.Context, host string) (Credential, error) {
	if c.CredentialFunc == nil {
		return EmptyCredential, nil
	}
	return c.CredentialFunc(ctx, host)
}

func (c *Client) cache() Cache {
	if c.Cache == nil {
		return noCache{}
	}
	return c.Cache
}

// SetUserAgent sets the user agent for all out-going requests.
func (c *Client) SetUserAgent(userAgent string) {
	if c.Header == nil {
		c.Header = http.Header{}
	}
	c.Header.Set(headerUserAgent, userAgent)
}

// Do sends the request, resolving authentication when the 'Authorization'
// header is not already set.
//
// The first request to a host goes out with the cached token for that host
// if one exists, with preemptive Basic auth if credentials are configured
// and the host has never challenged, or anonymously otherwise. A 401
// response with a Www-Authenticate challenge triggers the handshake for the
// challenged scheme and one retry of the original request. A second 401
// after a fresh token was attached is returned to the caller as-is; the
// repository layer surfaces it as an authorization failure rather than
// looping on refresh.
func (c *Client) Do(originalReq *http.Request) (*http.Response, error) {
	if auth := originalReq.Header.Get(headerAuthorization); auth != "" {
		return c.send(originalReq)
	}

	ctx := originalReq.Context()
	req := originalReq.Clone(ctx)
	cache := c.cache()
	host := originalReq.Host
	if host == "" {
		host = originalReq.URL.Host
	}

	// First attempt: cached token for the host's known scheme, else
	// preemptive Basic when credentials are configured (a host that never
	// challenges but requires auth, spec'd registry behavior for some
	// private deployments).
	var attemptedKey string
	scheme, err := cache.GetScheme(ctx, host)
	switch {
	case err == nil && scheme == SchemeBasic:
		if token, err := cache.GetToken(ctx, host, SchemeBasic, ""); err == nil {
			req.Header.Set(headerAuthorization, "Basic "+token)
		}
	case err == nil && scheme == SchemeBearer:
		scopes := GetAllScopesForHost(ctx, host)
		attemptedKey = strings.Join(scopes, " ")
		if token, err := cache.GetToken(ctx, host, SchemeBearer, attemptedKey); err == nil {
			req.Header.Set(headerAuthorization, "Bearer "+token)
		}
	default:
		cred, err := c.credential(ctx, host)
		if err != nil {
			return nil, err
		}
		if cred.Username != "" && cred.Password != "" {
			req.Header.Set(headerAuthorization, "Basic "+basicToken(cred))
		}
	}

	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	// Second attempt: answer the challenge.
	challenge := resp.Header.Get(headerWWWAuthenticate)
	scheme, params := parseChallenge(challenge)
	switch scheme {
	case SchemeBasic:
		resp.Body.Close()
		token, err := cache.Set(ctx, host, SchemeBasic, "", func(ctx context.Context) (string, error) {
			return c.fetchBasicAuth(ctx, host)
		})
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", resp.Request.Method, resp.Request.URL, err)
		}
		req = originalReq.Clone(ctx)
		req.Header.Set(headerAuthorization, "Basic "+token)
	case SchemeBearer:
		resp.Body.Close()
		scopes := GetAllScopesForHost(ctx, host)
		if paramScope := params["scope"]; paramScope != "" {
			// merge hinted scopes with challenged scopes
			scopes = CleanScopes(append(scopes, strings.Split(paramScope, " ")...))
		}
		key := strings.Join(scopes, " ")

		// Try the cache once more if the challenge widened the scope set
		// beyond what the first attempt looked up.
		if key != attemptedKey {
			if token, err := cache.GetToken(ctx, host, SchemeBearer, key); err == nil {
				req = originalReq.Clone(ctx)
				req.Header.Set(headerAuthorization, "Bearer "+token)
				if err := rewindRequestBody(req); err != nil {
					return nil, err
				}
				resp, err := c.send(req)
				if err != nil {
					return nil, err
				}
				if resp.StatusCode != http.StatusUnauthorized {
					return resp, nil
				}
				resp.Body.Close()
			}
		}

		token, err := cache.Set(ctx, host, SchemeBearer, key, func(ctx context.Context) (string, error) {
			return c.fetchToken(ctx, host, params["realm"], params["service"], scopes)
		})
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", resp.Request.Method, resp.Request.URL, err)
		}
		req = originalReq.Clone(ctx)
		req.Header.Set(headerAuthorization, "Bearer "+token)
	default:
		return resp, nil
	}
	if err := rewindRequestBody(req); err != nil {
		return nil, err
	}
	return c.send(req)
}

// fetchBasicAuth produces the base64 Basic token for the host's credential.
func (c *Client) fetchBasicAuth(ctx context.Context, host string) (string, error) {
	cred, err := c.credential(ctx, host)
	if err != nil {
		return "", fmt.Errorf("failed to resolve credential: %w", err)
	}
	if cred.Username == "" || cred.Password == "" {
		return "", errors.New("missing username or password for basic auth")
	}
	return basicToken(cred), nil
}

func basicToken(cred Credential) string {
	return base64.StdEncoding.EncodeToString([]byte(cred.Username + ":" + cred.Password))
}

// fetchToken fetches a bearer token from the token service named by the
// challenge, as defined by the distribution specification: GET
// {realm}?service={service}&scope={scope}... with HTTP Basic credentials
// when available, anonymous otherwise.
// Reference: https://distribution.github.io/distribution/spec/auth/token/
func (c *Client) fetchToken(ctx context.Context, host, realm, service string, scopes []string) (string, error) {
	cred, err := c.credential(ctx, host)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, realm, nil)
	if err != nil {
		return "", err
	}
	if cred.Username != "" || cred.Password != "" {
		req.SetBasicAuth(cred.Username, cred.Password)
	}
	q := req.URL.Query()
	if service != "" {
		q.Set("service", service)
	}
	for _, scope := range scopes {
		q.Add("scope", scope)
	}
	req.URL.RawQuery = q.Encode()

	resp, err := c.send(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errcode.ParseErrorResponse(resp)
	}

	// Per the distribution spec's "Token Response Fields", the token is in
	// `token` or `access_token`; if both are present they are identical.
	var result struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	lr := io.LimitReader(resp.Body, maxTokenResponseBytes)
	if err := json.NewDecoder(lr).Decode(&result); err != nil {
		return "", fmt.Errorf("%s %q: failed to decode response: %w", resp.Request.Method, resp.Request.URL, err)
	}
	if result.Token != "" {
		return result.Token, nil
	}
	if result.AccessToken != "" {
		return result.AccessToken, nil
	}
	return "", fmt.Errorf("%s %q: empty token returned", resp.Request.Method, resp.Request.URL)
}

// rewindRequestBody tries to rewind the request body if one exists, so the
// original request can be replayed with fresh authorization attached.
func rewindRequestBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	if req.GetBody == nil {
		return fmt.Errorf("%s %q: request body is not rewindable", req.Method, req.URL)
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("%s %q: failed to get request body: %w", req.Method, req.URL, err)
	}
	req.Body = body
	return nil
}
