// SPDX-FileCopyrightText: 2026 The meshwire Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpauth implements the HTTP Basic and Digest access schemes
// (RFC 7617, RFC 7616) used to guard the WebSocket upgrade.
package httpauth

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrBadChallenge     = errors.New("malformed authentication challenge")
	ErrBadAuthorization = errors.New("malformed authorization header")
	ErrNoCredentials    = errors.New("no credentials available")
)

// Scheme is the HTTP authentication scheme in use.
type Scheme int

const (
	SchemeNone Scheme = iota
	SchemeBasic
	SchemeDigest
)

func (s Scheme) String() string {
	switch s {
	case SchemeBasic:
		return "Basic"
	case SchemeDigest:
		return "Digest"
	}
	return "None"
}

// Credentials identify the client to the server.
type Credentials struct {
	Username string
	Password string
}

// IsZero reports whether no credentials were provided.
func (c Credentials) IsZero() bool {
	return c.Username == "" && c.Password == ""
}

// Challenge is a parsed WWW-Authenticate header.
type Challenge struct {
	Scheme    Scheme
	Realm     string
	Nonce     string
	Opaque    string
	QOP       string
	Algorithm string
	Stale     bool
}

// ParseChallenge parses a WWW-Authenticate header value.
func ParseChallenge(header string) (Challenge, error) {
	scheme, rest, _ := strings.Cut(strings.TrimSpace(header), " ")

	var ch Challenge
	switch {
	case strings.EqualFold(scheme, "Basic"):
		ch.Scheme = SchemeBasic
	case strings.EqualFold(scheme, "Digest"):
		ch.Scheme = SchemeDigest
	default:
		return Challenge{}, fmt.Errorf("%w: scheme %q", ErrBadChallenge, scheme)
	}

	for key, value := range parseParams(rest) {
		switch strings.ToLower(key) {
		case "realm":
			ch.Realm = value
		case "nonce":
			ch.Nonce = value
		case "opaque":
			ch.Opaque = value
		case "qop":
			ch.QOP = value
		case "algorithm":
			ch.Algorithm = value
		case "stale":
			ch.Stale = strings.EqualFold(value, "true")
		}
	}

	if ch.Scheme == SchemeDigest && ch.Nonce == "" {
		return Challenge{}, fmt.Errorf("%w: digest without nonce", ErrBadChallenge)
	}

	return ch, nil
}

// parseParams splits `k1="v1", k2=v2` lists, tolerating quoted commas.
func parseParams(s string) map[string]string {
	out := make(map[string]string)
	for len(s) > 0 {
		s = strings.TrimLeft(s, " \t,")
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+1:]

		var value string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				value = s[1:]
				s = ""
			} else {
				value = s[1 : 1+end]
				s = s[end+2:]
			}
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				value = strings.TrimSpace(s)
				s = ""
			} else {
				value = strings.TrimSpace(s[:end])
				s = s[end+1:]
			}
		}
		if key != "" {
			out[key] = value
		}
	}
	return out
}

func (ch Challenge) hasher() func() hash.Hash {
	if strings.EqualFold(ch.Algorithm, "SHA-256") {
		return sha256.New
	}
	// MD5 is the RFC 7616 compatibility default when absent
	return md5.New
}

func hexDigest(h func() hash.Hash, parts ...string) string {
	d := h()
	d.Write([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(d.Sum(nil))
}

// Authorization computes the Authorization header value answering this
// challenge for the given request method and URI.
func (ch Challenge) Authorization(creds Credentials, method, uri string) (string, error) {
	if creds.IsZero() {
		return "", ErrNoCredentials
	}

	switch ch.Scheme {
	case SchemeBasic:
		raw := creds.Username + ":" + creds.Password
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw)), nil

	case SchemeDigest:
		h := ch.hasher()
		cnonce := strings.ReplaceAll(uuid.NewString(), "-", "")
		const nc = "00000001"

		ha1 := hexDigest(h, creds.Username, ch.Realm, creds.Password)
		ha2 := hexDigest(h, method, uri)

		var response string
		if ch.QOP == "" {
			response = hexDigest(h, ha1, ch.Nonce, ha2)
		} else {
			response = hexDigest(h, ha1, ch.Nonce, nc, cnonce, "auth", ha2)
		}

		var b strings.Builder
		fmt.Fprintf(&b, `Digest username=%q, realm=%q, nonce=%q, uri=%q, response=%q`,
			creds.Username, ch.Realm, ch.Nonce, uri, response)
		if ch.QOP != "" {
			fmt.Fprintf(&b, `, qop=auth, nc=%s, cnonce=%q`, nc, cnonce)
		}
		if ch.Opaque != "" {
			fmt.Fprintf(&b, `, opaque=%q`, ch.Opaque)
		}
		if ch.Algorithm != "" {
			fmt.Fprintf(&b, `, algorithm=%s`, ch.Algorithm)
		}
		return b.String(), nil
	}

	return "", fmt.Errorf("%w: unsupported scheme", ErrBadChallenge)
}

// Result is the outcome of validating presented credentials.
type Result int

const (
	Invalid Result = iota
	Valid
)

func (r Result) String() string {
	if r == Valid {
		return "valid"
	}
	return "invalid"
}

// AuthorizationContext is the server-side view of the credentials a client
// presented during the upgrade.  Validate recomputes the proof against a
// password looked up by the application.
type AuthorizationContext struct {
	Scheme   Scheme
	Username string
	Realm    string

	// digest parameters echoed by the client
	nonce     string
	uri       string
	qop       string
	nc        string
	cnonce    string
	response  string
	algorithm string
	method    string

	// basic
	password string
}

// ParseAuthorization parses an Authorization header as received with the
// upgrade request.  method is the HTTP method of that request.
func ParseAuthorization(header, method string) (*AuthorizationContext, error) {
	scheme, rest, _ := strings.Cut(strings.TrimSpace(header), " ")

	switch {
	case strings.EqualFold(scheme, "Basic"):
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rest))
		if err != nil {
			return nil, errors.Join(ErrBadAuthorization, err)
		}
		user, pass, ok := strings.Cut(string(raw), ":")
		if !ok {
			return nil, fmt.Errorf("%w: missing separator", ErrBadAuthorization)
		}
		return &AuthorizationContext{
			Scheme:   SchemeBasic,
			Username: user,
			password: pass,
		}, nil

	case strings.EqualFold(scheme, "Digest"):
		params := parseParams(rest)
		ac := &AuthorizationContext{
			Scheme:    SchemeDigest,
			Username:  params["username"],
			Realm:     params["realm"],
			nonce:     params["nonce"],
			uri:       params["uri"],
			qop:       params["qop"],
			nc:        params["nc"],
			cnonce:    params["cnonce"],
			response:  params["response"],
			algorithm: params["algorithm"],
			method:    method,
		}
		if ac.Username == "" || ac.nonce == "" || ac.response == "" {
			return nil, fmt.Errorf("%w: incomplete digest", ErrBadAuthorization)
		}
		return ac, nil
	}

	return nil, fmt.Errorf("%w: scheme %q", ErrBadAuthorization, scheme)
}

// Validate checks the presented proof against the expected password.
func (ac *AuthorizationContext) Validate(password string) Result {
	switch ac.Scheme {
	case SchemeBasic:
		if subtle.ConstantTimeCompare([]byte(ac.password), []byte(password)) == 1 {
			return Valid
		}
		return Invalid

	case SchemeDigest:
		h := md5.New
		if strings.EqualFold(ac.algorithm, "SHA-256") {
			h = sha256.New
		}
		ha1 := hexDigest(h, ac.Username, ac.Realm, password)
		ha2 := hexDigest(h, ac.method, ac.uri)

		var want string
		if ac.qop == "" {
			want = hexDigest(h, ha1, ac.nonce, ha2)
		} else {
			want = hexDigest(h, ha1, ac.nonce, ac.nc, ac.cnonce, ac.qop, ha2)
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(ac.response)) == 1 {
			return Valid
		}
		return Invalid
	}

	return Invalid
}

// Mode selects the challenge a Guard issues.
type Mode int

const (
	None Mode = iota
	Basic
	Digest
)

// Guard issues challenges and screens upgrade requests for a listener.
type Guard struct {
	Mode  Mode
	Realm string

	mu     sync.Mutex
	nonces map[string]struct{}
}

// NewChallenge produces the WWW-Authenticate header for a 401 response.
func (g *Guard) NewChallenge() string {
	switch g.Mode {
	case Basic:
		return fmt.Sprintf(`Basic realm=%q`, g.Realm)
	case Digest:
		nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
		g.mu.Lock()
		if g.nonces == nil {
			g.nonces = make(map[string]struct{})
		}
		// keep the set bounded; stale nonces simply force a re-challenge
		if len(g.nonces) > 1024 {
			g.nonces = make(map[string]struct{})
		}
		g.nonces[nonce] = struct{}{}
		g.mu.Unlock()
		return fmt.Sprintf(`Digest realm=%q, qop="auth", nonce=%q, algorithm=MD5`,
			g.Realm, nonce)
	}
	return ""
}

// Screen inspects the Authorization header of an upgrade request.  It
// returns the parsed context when the header is acceptable for this guard,
// or nil when the request must be (re)challenged.
func (g *Guard) Screen(header, method string) *AuthorizationContext {
	if g.Mode == None {
		return &AuthorizationContext{}
	}
	if header == "" {
		return nil
	}

	ac, err := ParseAuthorization(header, method)
	if err != nil {
		return nil
	}

	switch g.Mode {
	case Basic:
		if ac.Scheme != SchemeBasic {
			return nil
		}
	case Digest:
		if ac.Scheme != SchemeDigest {
			return nil
		}
		g.mu.Lock()
		_, known := g.nonces[ac.nonce]
		if known {
			delete(g.nonces, ac.nonce)
		}
		g.mu.Unlock()
		if !known {
			return nil
		}
	}

	return ac
}
