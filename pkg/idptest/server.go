// Package idptest runs an in-process identity provider and Groups service
// for tests. Bearer tokens are real signed JWTs, the confidential client is
// authenticated with a hashed secret, and every endpoint counts its calls
// and can be made to fail on demand.
package idptest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/globus/action-provider-tools/pkg/authclient"
	"github.com/globus/action-provider-tools/pkg/cryptox"
	"github.com/globus/action-provider-tools/pkg/groupsclient"
	"github.com/globus/action-provider-tools/pkg/httpx/retry"
	"github.com/globus/action-provider-tools/pkg/jwtx"
)

// Endpoint names a fake endpoint for call counting and failure injection.
type Endpoint string

const (
	Introspect      Endpoint = "introspect"
	DependentTokens Endpoint = "dependent_tokens"
	Refresh         Endpoint = "refresh"
	MyGroups        Endpoint = "my_groups"
)

const (
	// Issuer is the iss claim of every minted token.
	Issuer = "https://auth.idptest.invalid"

	// Audience is the default aud claim of minted bearer tokens.
	Audience = "action-provider"
)

// DependentScope is one record handed out by the dependent token grant.
type DependentScope struct {
	Scope          string
	ResourceServer string
	Refreshable    bool
	TTL            time.Duration
}

// Server is the fake. Create it with New.
type Server struct {
	*httptest.Server

	ClientID     string
	ClientSecret string
	secretHash   string

	signer   *jwtx.Signer
	verifier *jwtx.Verifier

	mu              sync.Mutex
	verifiedSecrets map[string]bool
	users           map[string]*user
	revoked         map[string]bool
	refreshTokens   map[string]refreshGrant
	dependent       []DependentScope
	failures        map[Endpoint]failure
	calls           map[Endpoint]int
}

type user struct {
	linked []string
	groups map[string]string // group id -> role
}

type refreshGrant struct {
	subject string
	scope   string
}

type failure struct {
	status    int
	remaining int
}

// New starts a server that is closed when t ends. By default the dependent
// token grant hands out a groups token and nothing else.
func New(t testing.TB) *Server {
	t.Helper()

	pemKey, err := cryptox.GenerateEd25519Key()
	if err != nil {
		t.Fatalf("idptest: generate key: %v", err)
	}
	signer, err := jwtx.NewSigner("idptest-1", pemKey)
	if err != nil {
		t.Fatalf("idptest: signer: %v", err)
	}
	verifier := jwtx.NewVerifier(Issuer)
	verifier.Trust(signer)

	secret := cryptox.MustGenerateToken(cryptox.TokenSize256)
	hash, err := cryptox.HashSecret(secret)
	if err != nil {
		t.Fatalf("idptest: hash client secret: %v", err)
	}

	s := &Server{
		ClientID:        "action-provider-client",
		ClientSecret:    secret,
		secretHash:      hash,
		signer:          signer,
		verifier:        verifier,
		verifiedSecrets: make(map[string]bool),
		users:           make(map[string]*user),
		revoked:         make(map[string]bool),
		refreshTokens:   make(map[string]refreshGrant),
		dependent: []DependentScope{{
			Scope:          groupsScope,
			ResourceServer: "groups.api.globus.org",
			TTL:            48 * time.Hour,
		}},
		failures: make(map[Endpoint]failure),
		calls:    make(map[Endpoint]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+authclient.IntrospectPath, s.handleIntrospect)
	mux.HandleFunc("POST "+authclient.TokenPath, s.handleToken)
	mux.HandleFunc("GET "+groupsclient.MyGroupsPath, s.handleMyGroups)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

const groupsScope = "urn:globus:auth:scope:groups.api.globus.org:view_my_groups_and_memberships"

// AddUser registers identity id with optional linked identities.
func (s *Server) AddUser(id string, linked ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = &user{linked: linked, groups: make(map[string]string)}
}

// AddMembership puts identity id in group with role. Only member, manager
// and admin count as membership.
func (s *Server) AddMembership(id, group, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		u = &user{groups: make(map[string]string)}
		s.users[id] = u
	}
	u.groups[group] = role
}

// SetDependentScopes replaces what the dependent token grant hands out.
func (s *Server) SetDependentScopes(scopes ...DependentScope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dependent = slices.Clone(scopes)
}

// Issue mints a bearer token for identity id with scopes, valid for ttl.
func (s *Server) Issue(t testing.TB, id string, ttl time.Duration, scopes ...string) string {
	t.Helper()
	return s.mint(t, id, ttl, scopes, []string{Audience})
}

func (s *Server) mint(t testing.TB, id string, ttl time.Duration, scopes, audience []string) string {
	s.mu.Lock()
	var linked []string
	if u, ok := s.users[id]; ok {
		linked = u.linked
	}
	s.mu.Unlock()

	token, err := s.signer.Sign(jwtx.NewClaims(Issuer, id, linked, scopes, audience, ttl, time.Now()))
	if err != nil {
		t.Fatalf("idptest: sign token: %v", err)
	}
	return token
}

// Revoke makes token inactive from now on.
func (s *Server) Revoke(token string) {
	claims, err := s.verifier.Parse(token)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.revoked[claims.ID] = true
	s.mu.Unlock()
}

// Fail makes the next n calls to endpoint answer with status.
func (s *Server) Fail(endpoint Endpoint, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[endpoint] = failure{status: status, remaining: n}
}

// Calls returns how many requests endpoint has received, failed ones
// included.
func (s *Server) Calls(endpoint Endpoint) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[endpoint]
}

// AuthClient returns a client for this server with fast retries.
func (s *Server) AuthClient() *authclient.Client {
	return authclient.New(s.URL, s.ClientID, s.ClientSecret, authclient.WithHTTPClient(s.httpClient()))
}

// GroupsClient returns a Groups client for this server with fast retries.
func (s *Server) GroupsClient() *groupsclient.Client {
	c := groupsclient.New(s.URL)
	c.HTTPClient = s.httpClient()
	return c
}

func (s *Server) httpClient() *http.Client {
	return retry.NewClient(5*time.Second, retry.Config{
		MaxRetries:      1,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	})
}

// begin counts the call and reports whether an injected failure was
// written.
func (s *Server) begin(w http.ResponseWriter, endpoint Endpoint) bool {
	s.mu.Lock()
	s.calls[endpoint]++
	f := s.failures[endpoint]
	inject := f.remaining > 0
	if inject {
		f.remaining--
		s.failures[endpoint] = f
	}
	s.mu.Unlock()

	if !inject {
		return false
	}
	writeJSON(w, f.status, map[string]string{"error": "injected_failure"})
	return true
}

func (s *Server) authenticateClient(w http.ResponseWriter, r *http.Request) bool {
	id, secret, ok := r.BasicAuth()
	if ok && id == s.ClientID {
		s.mu.Lock()
		known := s.verifiedSecrets[secret]
		s.mu.Unlock()
		if known {
			return true
		}
		if cryptox.VerifySecret(secret, s.secretHash) == nil {
			s.mu.Lock()
			s.verifiedSecrets[secret] = true
			s.mu.Unlock()
			return true
		}
	}
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error":             "invalid_client",
		"error_description": "client authentication failed",
	})
	return false
}

// active returns the claims of token if it is signed, unexpired and not
// revoked.
func (s *Server) active(token string) (*jwtx.Claims, bool) {
	claims, err := s.verifier.Verify(token, time.Now())
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return claims, !s.revoked[claims.ID]
}

func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if s.begin(w, Introspect) || !s.authenticateClient(w, r) {
		return
	}

	claims, ok := s.active(r.PostFormValue("token"))
	if !ok {
		writeJSON(w, http.StatusOK, authclient.Introspection{Active: false})
		return
	}

	res := authclient.Introspection{
		Active:   true,
		Subject:  claims.Subject,
		Scope:    claims.Scope,
		Audience: claims.Audience,
		ClientID: s.ClientID,
		Issuer:   claims.Issuer,
	}
	if claims.ExpiresAt != nil {
		res.ExpiresAt = claims.ExpiresAt.Unix()
	}
	if claims.NotBefore != nil {
		res.NotBefore = claims.NotBefore.Unix()
	}
	if claims.IssuedAt != nil {
		res.IssuedAt = claims.IssuedAt.Unix()
	}
	if strings.Contains(r.PostFormValue("include"), "identity_set") {
		res.IdentitySet = claims.IdentitySet
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	switch r.PostFormValue("grant_type") {
	case authclient.DependentTokenGrant:
		s.handleDependentTokens(w, r)
	case "refresh_token":
		s.handleRefresh(w, r)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (s *Server) handleDependentTokens(w http.ResponseWriter, r *http.Request) {
	if s.begin(w, DependentTokens) || !s.authenticateClient(w, r) {
		return
	}

	claims, ok := s.active(r.PostFormValue("token"))
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_grant"})
		return
	}

	s.mu.Lock()
	scopes := slices.Clone(s.dependent)
	s.mu.Unlock()

	offline := r.PostFormValue("access_type") == "offline"
	out := make([]authclient.TokenResponse, 0, len(scopes))
	for _, d := range scopes {
		rec, err := s.dependentRecord(claims.Subject, d.Scope, d.ResourceServer, d.TTL)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
			return
		}
		if d.Refreshable && offline {
			rec.RefreshToken = cryptox.MustGenerateToken(cryptox.TokenSize256)
			s.mu.Lock()
			s.refreshTokens[rec.RefreshToken] = refreshGrant{subject: claims.Subject, scope: d.Scope}
			s.mu.Unlock()
		}
		out = append(out, rec)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.begin(w, Refresh) || !s.authenticateClient(w, r) {
		return
	}

	s.mu.Lock()
	grant, ok := s.refreshTokens[r.PostFormValue("refresh_token")]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}

	rec, err := s.dependentRecord(grant.subject, grant.scope, "", time.Hour)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) dependentRecord(subject, scope, resourceServer string, ttl time.Duration) (authclient.TokenResponse, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	s.mu.Lock()
	var linked []string
	if u, ok := s.users[subject]; ok {
		linked = u.linked
	}
	s.mu.Unlock()

	var audience []string
	if resourceServer != "" {
		audience = []string{resourceServer}
	}
	token, err := s.signer.Sign(jwtx.NewClaims(Issuer, subject, linked, []string{scope}, audience, ttl, time.Now()))
	if err != nil {
		return authclient.TokenResponse{}, err
	}
	return authclient.TokenResponse{
		AccessToken:    token,
		TokenType:      "Bearer",
		Scope:          scope,
		ResourceServer: resourceServer,
		ExpiresIn:      int64(ttl.Seconds()),
	}, nil
}

func (s *Server) handleMyGroups(w http.ResponseWriter, r *http.Request) {
	if s.begin(w, MyGroups) {
		return
	}

	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	claims, ok := s.active(token)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if !slices.Contains(strings.Fields(claims.Scope), groupsScope) {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	s.mu.Lock()
	var groups []groupsclient.Group
	if u, ok := s.users[claims.Subject]; ok {
		for id, role := range u.groups {
			groups = append(groups, groupsclient.Group{
				ID: id,
				MyMemberships: []groupsclient.Membership{{
					IdentityID: claims.Subject,
					Role:       role,
					Status:     "active",
				}},
			})
		}
	}
	s.mu.Unlock()

	slices.SortFunc(groups, func(a, b groupsclient.Group) int { return strings.Compare(a.ID, b.ID) })
	if groups == nil {
		groups = []groupsclient.Group{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
