package identity_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/bursary/internal/identity"
	"github.com/odyssey-erp/bursary/internal/shared"
)

type authFixture struct {
	router   chi.Router
	sessions *shared.SessionManager
	repo     *stubRepo
	events   *recorded
	mailer   *captureMailer
}

func newAuthFixture(t *testing.T, users ...*identity.User) *authFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := newStubRepo(users...)
	broker := identity.NewBroker()
	rec := &recorded{}
	broker.Subscribe(rec.add)
	mailer := &captureMailer{}
	svc := identity.NewService(repo, broker, identity.ServiceConfig{
		Tokens:   identity.NewRedisTokenStore(client, time.Hour),
		Mailer:   mailer,
		ResetURL: "https://bursary.test/reset-password",
	})
	sessions := shared.NewSessionManager(client, "test_session", time.Hour, false)
	handler := identity.NewHandler(nil, svc, sessions, shared.NewCSRFManager("csrfsecret"), nil)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			sess, err := sessions.Load(req.Context(), req)
			require.NoError(t, err)
			ctx := shared.ContextWithSession(req.Context(), sess)
			rec := httptest.NewRecorder()
			next.ServeHTTP(rec, req.WithContext(ctx))
			require.NoError(t, sessions.Commit(context.Background(), w, req, sess))
			for k, v := range rec.Header() {
				w.Header()[k] = v
			}
			w.WriteHeader(rec.Code)
			_, _ = w.Write(rec.Body.Bytes())
		})
	})
	r.Route("/auth", handler.MountRoutes)
	return &authFixture{router: r, sessions: sessions, repo: repo, events: rec, mailer: mailer}
}

func (f *authFixture) do(t *testing.T, method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	res := httptest.NewRecorder()
	f.router.ServeHTTP(res, req)
	return res
}

func TestLoginReturnsIdentity(t *testing.T) {
	u := newUser(t, "u1", "bursar@school.test", "temporary1")
	u.PasswordChangeRequired = true
	f := newAuthFixture(t, u)

	res := f.do(t, http.MethodPost, "/auth/login", `{"email":"bursar@school.test","password":"temporary1"}`)
	require.Equal(t, http.StatusOK, res.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.Equal(t, "u1", body["user_id"])
	require.Equal(t, true, body["must_change_password"])
	require.NotEmpty(t, body["csrf_token"])
	require.Equal(t, []identity.EventKind{identity.EventSignedIn}, f.events.kinds())
	require.Len(t, f.repo.sessions, 1)
}

func TestLoginInvalidCredentials(t *testing.T) {
	f := newAuthFixture(t, newUser(t, "u1", "bursar@school.test", "correct-horse"))

	res := f.do(t, http.MethodPost, "/auth/login", `{"email":"bursar@school.test","password":"not-the-one"}`)
	require.Equal(t, http.StatusUnauthorized, res.Code)
	require.Empty(t, f.events.kinds())
}

func TestLoginValidation(t *testing.T) {
	f := newAuthFixture(t)

	res := f.do(t, http.MethodPost, "/auth/login", `{"email":"not-an-email","password":"x"}`)
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = f.do(t, http.MethodPost, "/auth/login", `{"email":"a@b.c","password":"longenough","extra":1}`)
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestLogoutClearsSession(t *testing.T) {
	f := newAuthFixture(t, newUser(t, "u1", "bursar@school.test", "correct-horse"))

	res := f.do(t, http.MethodPost, "/auth/login", `{"email":"bursar@school.test","password":"correct-horse"}`)
	require.Equal(t, http.StatusOK, res.Code)
	cookies := res.Result().Cookies()
	require.NotEmpty(t, cookies)

	res = f.do(t, http.MethodPost, "/auth/logout", "", cookies...)
	require.Equal(t, http.StatusNoContent, res.Code)
	require.Equal(t, []identity.EventKind{identity.EventSignedIn, identity.EventSignedOut}, f.events.kinds())
	require.Empty(t, f.repo.sessions)
}

func TestForcedChangeThroughHandler(t *testing.T) {
	u := newUser(t, "u1", "bursar@school.test", "temporary1")
	u.PasswordChangeRequired = true
	f := newAuthFixture(t, u)

	res := f.do(t, http.MethodPost, "/auth/login", `{"email":"bursar@school.test","password":"temporary1"}`)
	cookies := res.Result().Cookies()

	res = f.do(t, http.MethodPost, "/auth/change-password", `{"new_password":"fresh-secret","confirm_password":"fresh-secret"}`, cookies...)
	require.Equal(t, http.StatusNoContent, res.Code)
	require.False(t, f.repo.users["u1"].PasswordChangeRequired)

	res = f.do(t, http.MethodPost, "/auth/change-password", `{"new_password":"fresh-secret","confirm_password":"other-secret"}`, cookies...)
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestForgotPasswordAccepted(t *testing.T) {
	f := newAuthFixture(t, newUser(t, "u1", "bursar@school.test", "correct-horse"))

	res := f.do(t, http.MethodPost, "/auth/forgot-password", `{"email":"bursar@school.test"}`)
	require.Equal(t, http.StatusAccepted, res.Code)
	require.Contains(t, f.mailer.link, "token=")

	res = f.do(t, http.MethodPost, "/auth/forgot-password", `{"email":"ghost@school.test"}`)
	require.Equal(t, http.StatusAccepted, res.Code)
}

func TestResetPasswordRejectsUnknownToken(t *testing.T) {
	f := newAuthFixture(t)
	res := f.do(t, http.MethodPost, "/auth/reset-password", `{"token":"nope","new_password":"long-enough-1"}`)
	require.Equal(t, http.StatusBadRequest, res.Code)
}
