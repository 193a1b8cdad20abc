package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bigbluebutton/bbb-consult-session/internal/auth"
	"github.com/bigbluebutton/bbb-consult-session/internal/media"
	"github.com/bigbluebutton/bbb-consult-session/internal/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "consult-test-secret"

func token(t *testing.T, role types.Role) string {
	t.Helper()
	claims := auth.Claims{
		ParticipantID: "user-" + string(role),
		Role:          string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func do(t *testing.T, srv *httptest.Server, method, path, bearer string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, nil)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func newTestAPI(t *testing.T, device media.Device) (*harness, *httptest.Server) {
	h := newHarness(t, device, nil)
	api := NewHTTPServer(h.cfg, h.server, nil, auth.NewHMACVerifier(testSecret))
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return h, srv
}

func TestHTTPRequiresToken(t *testing.T) {
	_, srv := newTestAPI(t, &media.TestSource{})

	resp, _ := do(t, srv, http.MethodPost, "/api/v1/appointments/apt_1/session", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/appointments/apt_1/session", "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := do(t, srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestHTTPSessionLifecycle(t *testing.T) {
	h, srv := newTestAPI(t, &media.TestSource{})
	clinician := token(t, types.RoleClinician)
	patient := token(t, types.RolePatient)

	resp, body := do(t, srv, http.MethodPost, "/api/v1/appointments/apt_1/session", clinician)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, string(types.StateWaiting), body["state"])
	sessionID, _ := body["sessionId"].(string)
	require.NotEmpty(t, sessionID)

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/appointments/apt_1/session", clinician)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/appointments/apt_1/session", patient)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	hd, ok := h.server.Lookup(sessionID, types.RoleClinician)
	require.True(t, ok)
	h.waitState(hd, types.StateActive)

	base := "/api/v1/sessions/" + sessionID
	resp, body = do(t, srv, http.MethodGet, base, clinician)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(types.StateActive), body["state"])

	resp, body = do(t, srv, http.MethodPost, base+"/recording", clinician)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "granted", body["outcome"])

	resp, body = do(t, srv, http.MethodPost, base+"/tracks/audio/toggle", patient)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio", body["kind"])
	assert.Equal(t, false, body["enabled"])

	resp, body = do(t, srv, http.MethodPost, base+"/tracks/screen/toggle", patient)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_track", body["error"].(map[string]any)["code"])

	resp, body = do(t, srv, http.MethodPost, base+"/end", patient)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(types.StateCompleted), body["state"])

	h.waitState(hd, types.StateCompleted)
	require.Eventually(t, func() bool { return h.server.Active() == 0 }, waitFor, tick)

	resp, _ = do(t, srv, http.MethodGet, base, patient)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPStartMediaDenied(t *testing.T) {
	_, srv := newTestAPI(t, media.DeniedDevice{})

	resp, body := do(t, srv, http.MethodPost, "/api/v1/appointments/apt_1/session", token(t, types.RolePatient))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, string(types.StateFailed), body["state"])
	assert.Equal(t, string(types.ReasonMediaAccessDenied), body["failure"])
}
