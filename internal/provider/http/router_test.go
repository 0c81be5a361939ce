package http_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/globus/action-provider-tools/internal/provider/domain"
	providerhttp "github.com/globus/action-provider-tools/internal/provider/http"
	"github.com/globus/action-provider-tools/internal/provider/service"
	"github.com/globus/action-provider-tools/internal/provider/store/drivers/sqlite"
	"github.com/globus/action-provider-tools/pkg/authstate"
	"github.com/globus/action-provider-tools/pkg/httpx"
	"github.com/globus/action-provider-tools/pkg/idptest"
)

const providerScope = "https://auth.globus.org/scopes/whattimeisit/action_all"

type env struct {
	idp    *idptest.Server
	server *httptest.Server
	skew   *atomic.Int64
}

// advance moves the provider's clock forward.
func (e *env) advance(d time.Duration) { e.skew.Add(int64(d)) }

func newEnv(t *testing.T, visibleTo []string) *env {
	t.Helper()

	idp := idptest.New(t)
	factory, err := authstate.NewFactory(authstate.FactoryConfig{
		Provider:       idp.AuthClient(),
		Groups:         idp.GroupsClient(),
		Cache:          authstate.NewCredentialCache(authstate.DefaultCacheConfig()),
		ExpectedScopes: []string{providerScope},
		Policy:         authstate.VerifyPolicy{ExpectedAudience: idptest.Audience, CheckTimes: true},
	})
	require.NoError(t, err)

	st, err := sqlite.NewStore(sqlite.DSN(filepath.Join(t.TempDir(), "actions.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.ApplyMigrations())

	skew := &atomic.Int64{}
	router := providerhttp.NewRouter(factory, domain.ProviderDescription{
		APIVersion:      "1.0",
		Title:           "What Time Is It Right Now?",
		GlobusAuthScope: providerScope,
		AdminContact:    "support@example.org",
		VisibleTo:       visibleTo,
		RunnableBy:      []string{authstate.PrincipalAllAuthenticatedUsers},
		InputSchema:     service.InputSchema(),
	}, "test", st, nil)
	router.ActionService = &service.ActionService{
		Store:          st,
		ProcessingTime: time.Hour,
		Now:            func() time.Time { return time.Now().Add(time.Duration(skew.Load())) },
	}
	router.ActionLimit = httpx.RateLimitConfig{RequestsPerWindow: 1000, Window: time.Minute, Burst: 1000}
	router.ApplyRoutes()

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &env{idp: idp, server: srv, skew: skew}
}

func (e *env) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func TestDescription(t *testing.T) {
	t.Parallel()

	t.Run("public", func(t *testing.T) {
		e := newEnv(t, []string{authstate.PrincipalPublic})
		code, body := e.do(t, http.MethodGet, "/", "", nil)
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, providerScope, body["globus_auth_scope"])

		// An unusable credential does not matter for a public provider.
		code, _ = e.do(t, http.MethodGet, "/", "garbage", nil)
		require.Equal(t, http.StatusOK, code)
		require.Zero(t, e.idp.Calls(idptest.Introspect))
	})

	t.Run("restricted to a group", func(t *testing.T) {
		e := newEnv(t, []string{authstate.GroupPrincipal("G1")})
		e.idp.AddUser("U1")
		e.idp.AddMembership("U1", "G1", "member")
		e.idp.AddUser("U2")

		code, _ := e.do(t, http.MethodGet, "/", "", nil)
		require.Equal(t, http.StatusUnauthorized, code)

		code, _ = e.do(t, http.MethodGet, "/", e.idp.Issue(t, "U1", time.Hour, providerScope), nil)
		require.Equal(t, http.StatusOK, code)

		code, _ = e.do(t, http.MethodGet, "/", e.idp.Issue(t, "U2", time.Hour, providerScope), nil)
		require.Equal(t, http.StatusForbidden, code)
	})
}

func TestActionLifecycle(t *testing.T) {
	t.Parallel()

	e := newEnv(t, []string{authstate.PrincipalPublic})
	e.idp.AddUser("U1", "U2")
	e.idp.AddUser("U3")
	e.idp.AddMembership("U3", "G1", "member")
	e.idp.AddUser("U4")
	alice := e.idp.Issue(t, "U1", time.Hour, providerScope)
	carol := e.idp.Issue(t, "U3", time.Hour, providerScope)
	dave := e.idp.Issue(t, "U4", time.Hour, providerScope)

	run := map[string]any{
		"request_id": "R1",
		"body":       map[string]any{"utc_offset": 2},
		"monitor_by": []string{authstate.GroupPrincipal("G1")},
	}

	code, _ := e.do(t, http.MethodPost, "/run", "", run)
	require.Equal(t, http.StatusUnauthorized, code)

	code, started := e.do(t, http.MethodPost, "/run", alice, run)
	require.Equal(t, http.StatusAccepted, code)
	require.Equal(t, "ACTIVE", started["status"])
	require.Equal(t, "urn:globus:auth:identity:U1", started["creator_id"])
	require.Equal(t, "P30D", started["release_after"])
	actionID, _ := started["action_id"].(string)
	require.NotEmpty(t, actionID)

	code, replay := e.do(t, http.MethodPost, "/run", alice, run)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, actionID, replay["action_id"])

	statusPath := "/" + actionID + "/status"

	// G1 members may monitor but not manage.
	code, _ = e.do(t, http.MethodGet, statusPath, carol, nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, http.MethodPost, "/"+actionID+"/cancel", carol, nil)
	require.Equal(t, http.StatusNotFound, code)

	// Strangers cannot tell the action exists.
	code, _ = e.do(t, http.MethodGet, statusPath, dave, nil)
	require.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(t, http.MethodPost, "/"+actionID+"/release", alice, nil)
	require.Equal(t, http.StatusConflict, code)

	e.advance(2 * time.Hour)
	code, done := e.do(t, http.MethodGet, statusPath, alice, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "SUCCEEDED", done["status"])
	details, _ := done["details"].(map[string]any)
	require.Contains(t, details, "whattimeisit")

	code, log := e.do(t, http.MethodGet, "/"+actionID+"/log?limit=5", alice, nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, log["entries"], 2)

	code, _ = e.do(t, http.MethodGet, "/"+actionID+"/log?limit=zero", alice, nil)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodPost, "/"+actionID+"/cancel", alice, nil)
	require.Equal(t, http.StatusConflict, code)

	code, _ = e.do(t, http.MethodPost, "/"+actionID+"/release", alice, nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = e.do(t, http.MethodGet, statusPath, alice, nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestCancelAction(t *testing.T) {
	t.Parallel()

	e := newEnv(t, []string{authstate.PrincipalPublic})
	e.idp.AddUser("U1")
	alice := e.idp.Issue(t, "U1", time.Hour, providerScope)

	code, started := e.do(t, http.MethodPost, "/run", alice, map[string]any{
		"request_id": "R1",
		"body":       map[string]any{"utc_offset": -5},
	})
	require.Equal(t, http.StatusAccepted, code)
	actionID, _ := started["action_id"].(string)

	code, cancelled := e.do(t, http.MethodPost, "/"+actionID+"/cancel", alice, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "FAILED", cancelled["status"])
}

func TestRunRejections(t *testing.T) {
	t.Parallel()

	e := newEnv(t, []string{authstate.PrincipalPublic})
	e.idp.AddUser("U1")
	alice := e.idp.Issue(t, "U1", time.Hour, providerScope)

	tests := []struct {
		name  string
		token string
		body  any
		code  int
	}{
		{
			name:  "missing utc_offset",
			token: alice,
			body:  map[string]any{"request_id": "R1", "body": map[string]any{}},
			code:  http.StatusBadRequest,
		},
		{
			name:  "not an object",
			token: alice,
			body:  []string{"nope"},
			code:  http.StatusBadRequest,
		},
		{
			name:  "missing scope",
			token: e.idp.Issue(t, "U1", time.Hour, "some-other-scope"),
			body:  map[string]any{"request_id": "R2", "body": map[string]any{"utc_offset": 0}},
			code:  http.StatusForbidden,
		},
		{
			name:  "expired",
			token: e.idp.Issue(t, "U1", -time.Minute, providerScope),
			body:  map[string]any{"request_id": "R3", "body": map[string]any{"utc_offset": 0}},
			code:  http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := e.do(t, http.MethodPost, "/run", tt.token, tt.body)
			require.Equal(t, tt.code, code, body)
		})
	}

	t.Run("body outside the input schema", func(t *testing.T) {
		for i, body := range []map[string]any{
			{"utc_offset": 1, "unexpected": true},
			{"utc_offset": 15},
			{"utc_offset": "1"},
		} {
			code, resp := e.do(t, http.MethodPost, "/run", alice, map[string]any{
				"request_id": fmt.Sprintf("S%d", i), "body": body,
			})
			require.Equal(t, http.StatusBadRequest, code, resp)
			require.Equal(t, "invalid_request", resp["code"])
			require.Contains(t, resp["description"], "invalid due to")
		}
	})

	t.Run("revoked", func(t *testing.T) {
		token := e.idp.Issue(t, "U1", time.Hour, providerScope)
		e.idp.Revoke(token)
		code, body := e.do(t, http.MethodPost, "/run", token, map[string]any{
			"request_id": "R4", "body": map[string]any{"utc_offset": 0},
		})
		require.Equal(t, http.StatusUnauthorized, code)
		require.Equal(t, "invalid_token", body["code"])
	})
}

func TestSystemRoutes(t *testing.T) {
	t.Parallel()

	e := newEnv(t, []string{authstate.PrincipalPublic})

	code, _ := e.do(t, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, code)

	code, body := e.do(t, http.MethodGet, "/livez", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])

	code, body = e.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])

	resp, err := e.server.Client().Get(e.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	// GET / recorded a public decision.
	require.Contains(t, string(raw), "authstate_authorization_decisions_total")
}
