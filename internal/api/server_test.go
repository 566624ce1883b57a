package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/orrn/labeld/internal/api/middleware"
	"github.com/orrn/labeld/internal/core"
	"github.com/orrn/labeld/internal/poller"
)

type fakeLoop struct {
	mu      sync.Mutex
	running bool
}

func (f *fakeLoop) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return poller.ErrAlreadyRunning
	}
	f.running = true
	return nil
}

func (f *fakeLoop) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
}

func (f *fakeLoop) Status() poller.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := poller.Status{Running: f.running, State: poller.StateStopped, ConsecutiveFailures: 2}
	if f.running {
		s.State = poller.StateIdle
	}
	return s
}

type fakeTransport struct{}

func (fakeTransport) Print(ctx context.Context, a *core.Artifact) error { return nil }

func (fakeTransport) CheckStatus(ctx context.Context) *core.PrinterStatus {
	return &core.PrinterStatus{
		Ready:       false,
		Diagnostic:  "device /dev/usb/lp0 not found",
		Transport:   "device",
		Target:      "/dev/usb/lp0",
		LastChecked: time.Now(),
	}
}

func newTestRouter(t *testing.T, password string) (*gin.Engine, *fakeLoop) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var hash string
	if password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		if err != nil {
			t.Fatal(err)
		}
		hash = string(h)
	}

	auth, err := middleware.NewAuthMiddleware(hash, false)
	if err != nil {
		t.Fatalf("NewAuthMiddleware() err=%v", err)
	}

	loop := &fakeLoop{running: true}
	r := NewRouter(Deps{Loop: loop, Transport: fakeTransport{}, Auth: auth})
	return r, loop
}

func do(r http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	r, _ := newTestRouter(t, "")
	w := do(r, http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ok") {
		t.Fatalf("healthz %d %s", w.Code, w.Body.String())
	}
}

func TestStatus(t *testing.T) {
	r, _ := newTestRouter(t, "")
	w := do(r, http.MethodGet, "/api/status", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status code %d", w.Code)
	}

	var s poller.Status
	if err := json.Unmarshal(w.Body.Bytes(), &s); err != nil {
		t.Fatal(err)
	}
	if s.State != poller.StateIdle || !s.Running || s.ConsecutiveFailures != 2 {
		t.Fatalf("unexpected status %+v", s)
	}
}

func TestPrinterStatus_NotReadyIsStill200(t *testing.T) {
	r, _ := newTestRouter(t, "")
	w := do(r, http.MethodGet, "/api/printer", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code %d", w.Code)
	}

	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body["ready"] != false || body["diagnostic"] == nil {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestHistory_DisabledIs503(t *testing.T) {
	r, _ := newTestRouter(t, "")
	if w := do(r, http.MethodGet, "/api/history", "", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("code %d", w.Code)
	}
}

func TestLogin_DisabledWithoutHash(t *testing.T) {
	r, _ := newTestRouter(t, "")

	if w := do(r, http.MethodPost, "/api/auth/login", `{"password":"x"}`, ""); w.Code != http.StatusForbidden {
		t.Fatalf("login code %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/api/loop/stop", "", ""); w.Code != http.StatusForbidden {
		t.Fatalf("control code %d", w.Code)
	}
}

func TestLoopControl_RequiresToken(t *testing.T) {
	r, loop := newTestRouter(t, "hunter22")

	if w := do(r, http.MethodPost, "/api/loop/stop", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated stop code %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/api/loop/stop", "", "garbage"); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token stop code %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/api/auth/login", `{"password":"wrong"}`, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password code %d", w.Code)
	}

	w := do(r, http.MethodPost, "/api/auth/login", `{"password":"hunter22"}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("login code %d: %s", w.Code, w.Body.String())
	}
	var login middleware.LoginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &login); err != nil || login.Token == "" {
		t.Fatalf("login response %s", w.Body.String())
	}
	if !strings.Contains(w.Header().Get("Set-Cookie"), "labeld_auth=") {
		t.Fatal("auth cookie not set")
	}

	if w := do(r, http.MethodPost, "/api/loop/stop", "", login.Token); w.Code != http.StatusOK {
		t.Fatalf("stop code %d", w.Code)
	}
	if loop.Status().Running {
		t.Fatal("loop still running after stop")
	}

	if w := do(r, http.MethodPost, "/api/loop/start", "", login.Token); w.Code != http.StatusOK {
		t.Fatalf("start code %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/api/loop/start", "", login.Token); w.Code != http.StatusConflict {
		t.Fatalf("second start code %d", w.Code)
	}
}
