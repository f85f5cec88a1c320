package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/OpenLabRig/internal/api/rest"
	"github.com/KevinKickass/OpenLabRig/internal/auth"
	"github.com/KevinKickass/OpenLabRig/internal/config"
	"github.com/KevinKickass/OpenLabRig/internal/shutter"
	"github.com/KevinKickass/OpenLabRig/internal/system"
	"github.com/KevinKickass/OpenLabRig/internal/types"
	"go.uber.org/zap/zaptest"
)

type testLab struct {
	lm      *system.LifecycleManager
	sim     *system.Simulation
	handler http.Handler
}

func nm(v float64) *float64 {
	return &v
}

func labDocument() *types.RigDocument {
	spec := func(serial string, typ types.FilterType, filters map[int]string) types.WheelSpec {
		return types.WheelSpec{Serial: serial, TimeoutS: 0.5, PollS: 0.005, Type: typ, Filters: filters}
	}
	return &types.RigDocument{
		Wheels: map[string]types.WheelSpec{
			"a":  spec("SN-A", types.FilterTypeBandpass, map[int]string{1: "450nm", 2: "EMPTY", 3: "500nm"}),
			"b":  spec("SN-B", types.FilterTypeBandpass, map[int]string{1: "600nm", 2: "EMPTY"}),
			"nd": spec("SN-ND", types.FilterTypeND, map[int]string{1: "ND 0.5", 2: "ND 1.0", 3: "EMPTY"}),
		},
		Filters: map[string]types.FilterMeta{
			"450nm": {Type: types.FilterTypeBandpass, Wavelength: nm(450)},
			"500nm": {Type: types.FilterTypeBandpass, Wavelength: nm(500)},
			"600nm": {Type: types.FilterTypeBandpass, Wavelength: nm(600)},
		},
	}
}

func newTestLab(t *testing.T, authCfg config.AuthConfig) *testLab {
	t.Helper()

	logger := zaptest.NewLogger(t)
	cfg := &config.Config{
		Server: config.ServerConfig{ShutdownTimeout: 5 * time.Second},
		Auth:   authCfg,
		Rig: config.RigConfig{
			Source:         config.RigSourceFile,
			Driver:         config.RigDriverSim,
			ConnectTimeout: 2 * time.Second,
		},
		Shutter: config.ShutterConfig{Config: shutter.Config{ActiveHigh: true}},
	}

	doc := labDocument()
	sim, err := system.NewSimulation(cfg, doc, logger)
	if err != nil {
		t.Fatalf("simulation failed: %v", err)
	}
	t.Cleanup(func() { sim.Close() })

	lm := system.NewLifecycleManager(cfg, doc, sim.Driver, logger, append(sim.Options(), system.WithoutServers())...)
	if err := lm.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() { lm.Shutdown(context.Background()) })

	srv := rest.NewServer(cfg, lm, logger, lm.Hub(), lm.AuthService())
	return &testLab{lm: lm, sim: sim, handler: srv.Handler()}
}

func (l *testLab) do(t *testing.T, method, path string, body any, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	l.handler.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestHealthAndMetrics(t *testing.T) {
	lab := newTestLab(t, config.AuthConfig{})

	rec, body := lab.do(t, http.MethodGet, "/health", nil, "")
	if rec.Code != http.StatusOK || body["state"] != "RUNNING" {
		t.Fatalf("unexpected health %d %v", rec.Code, body)
	}

	rec, _ = lab.do(t, http.MethodGet, "/metrics", nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "openlabrig_") {
		t.Fatalf("expected prometheus metrics, got %d", rec.Code)
	}
}

func TestListAndInspectWheels(t *testing.T) {
	lab := newTestLab(t, config.AuthConfig{})

	rec, body := lab.do(t, http.MethodGet, "/api/v1/rack/wheels", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list failed: %d", rec.Code)
	}
	wheels, _ := body["wheels"].([]any)
	if len(wheels) != 3 || wheels[0] != "a" || wheels[2] != "nd" {
		t.Fatalf("unexpected wheels %v", body["wheels"])
	}

	rec, body = lab.do(t, http.MethodGet, "/api/v1/rack/wheels/a", nil, "")
	if rec.Code != http.StatusOK || body["connected"] != true {
		t.Fatalf("unexpected status %d %v", rec.Code, body)
	}

	rec, body = lab.do(t, http.MethodGet, "/api/v1/rack/wheels/a/filters", nil, "")
	filters, _ := body["filters"].(map[string]any)
	if rec.Code != http.StatusOK || filters["1"] != "450nm" {
		t.Fatalf("unexpected filters %d %v", rec.Code, body)
	}

	rec, body = lab.do(t, http.MethodGet, "/api/v1/rack/wheels/zz", nil, "")
	if rec.Code != http.StatusNotFound || errorCode(body) != types.CodeNotFound {
		t.Fatalf("expected 404 for unknown wheel, got %d %v", rec.Code, body)
	}
}

func TestSelectBandpass(t *testing.T) {
	lab := newTestLab(t, config.AuthConfig{})

	rec, body := lab.do(t, http.MethodPost, "/api/v1/rack/bandpass", map[string]any{"wavelength_nm": 601}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("select failed: %d %v", rec.Code, body)
	}
	match, _ := body["match"].(map[string]any)
	if match["wheel"] != "b" || match["slot"] != float64(1) {
		t.Fatalf("unexpected match %v", match)
	}

	devA, _ := lab.sim.Driver.Device("SN-A")
	if devA.Position() != 2 {
		t.Fatalf("expected wheel a parked on EMPTY slot 2, at %d", devA.Position())
	}

	rec, body = lab.do(t, http.MethodPost, "/api/v1/rack/bandpass", map[string]any{"wavelength_nm": 700, "tol_nm": 5}, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 outside tolerance, got %d", rec.Code)
	}
	details, _ := body["error"].(map[string]any)["details"].(map[string]any)
	if details["requested"] != float64(700) || details["tolerance"] != float64(5) {
		t.Fatalf("expected request details, got %v", body)
	}

	rec, _ = lab.do(t, http.MethodPost, "/api/v1/rack/bandpass", map[string]any{"tol_nm": 5}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without wavelength, got %d", rec.Code)
	}

	rec, _ = lab.do(t, http.MethodPost, "/api/v1/rack/bandpass", map[string]any{"wavelength_nm": 450, "tol_nm": -1}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative tolerance, got %d", rec.Code)
	}
}

func TestSelectND(t *testing.T) {
	lab := newTestLab(t, config.AuthConfig{})

	for _, od := range []any{1.0, "ND 1.0"} {
		rec, body := lab.do(t, http.MethodPost, "/api/v1/rack/nd", map[string]any{"od": od}, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("select %v failed: %d %v", od, rec.Code, body)
		}
	}
	dev, _ := lab.sim.Driver.Device("SN-ND")
	if dev.Position() != 2 {
		t.Fatalf("expected ND wheel at slot 2, at %d", dev.Position())
	}

	rec, _ := lab.do(t, http.MethodPost, "/api/v1/rack/nd", map[string]any{"od": true}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for boolean OD, got %d", rec.Code)
	}
}

func TestMoveWheel(t *testing.T) {
	lab := newTestLab(t, config.AuthConfig{})

	rec, body := lab.do(t, http.MethodPost, "/api/v1/rack/wheels/a/move", map[string]any{"slot": 3}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("move failed: %d %v", rec.Code, body)
	}

	rec, _ = lab.do(t, http.MethodPost, "/api/v1/rack/wheels/a/move", map[string]any{"slot": 7}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for slot out of range, got %d", rec.Code)
	}

	rec, _ = lab.do(t, http.MethodPost, "/api/v1/rack/wheels/zz/move", map[string]any{"slot": 1}, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown wheel, got %d", rec.Code)
	}

	dev, _ := lab.sim.Driver.Device("SN-B")
	dev.SetStuck(true)
	rec, body = lab.do(t, http.MethodPost, "/api/v1/rack/wheels/b/move", map[string]any{"slot": 2}, "")
	if rec.Code != http.StatusGatewayTimeout || errorCode(body) != types.CodeTimeout {
		t.Fatalf("expected 504 for stuck wheel, got %d %v", rec.Code, body)
	}
}

func TestNotConnectedIsConflict(t *testing.T) {
	lab := newTestLab(t, config.AuthConfig{})

	w, _ := lab.lm.Rack().Wheel("b")
	w.Disconnect()

	rec, body := lab.do(t, http.MethodPost, "/api/v1/rack/wheels/b/move", map[string]any{"slot": 1}, "")
	if rec.Code != http.StatusConflict || errorCode(body) != types.CodeNotConnected {
		t.Fatalf("expected 409, got %d %v", rec.Code, body)
	}
}

func TestFiltersStatusAndRefresh(t *testing.T) {
	lab := newTestLab(t, config.AuthConfig{})

	rec, body := lab.do(t, http.MethodGet, "/api/v1/rack/filters", nil, "")
	filters, _ := body["filters"].(map[string]any)
	if rec.Code != http.StatusOK || len(filters) != 5 {
		t.Fatalf("expected 5 installed filters, got %d %v", rec.Code, body["filters"])
	}

	rec, body = lab.do(t, http.MethodGet, "/api/v1/rack/status", nil, "")
	if rec.Code != http.StatusOK || body["index"] == nil {
		t.Fatalf("unexpected rack status %d %v", rec.Code, body)
	}

	rec, body = lab.do(t, http.MethodPost, "/api/v1/rack/refresh", nil, "")
	if rec.Code != http.StatusOK || body["changed"] != false {
		t.Fatalf("unexpected refresh %d %v", rec.Code, body)
	}
}

func TestShutterAndAmmeter(t *testing.T) {
	lab := newTestLab(t, config.AuthConfig{})

	rec, body := lab.do(t, http.MethodPost, "/api/v1/shutter", map[string]any{"action": "OPEN"}, "")
	if rec.Code != http.StatusOK || body["state"] != "open" {
		t.Fatalf("open failed: %d %v", rec.Code, body)
	}
	if lab.sim.LabJack.Register(2004) != 1 {
		t.Fatalf("shutter line not driven high")
	}

	rec, _ = lab.do(t, http.MethodPost, "/api/v1/shutter", map[string]any{"action": "ajar"}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d", rec.Code)
	}

	rec, body = lab.do(t, http.MethodGet, "/api/v1/ammeter/current", nil, "")
	if rec.Code != http.StatusOK || body["current_a"] == nil {
		t.Fatalf("read failed: %d %v", rec.Code, body)
	}

	rec, body = lab.do(t, http.MethodPost, "/api/v1/ammeter/multisample", map[string]any{"n": 3, "dt": 0}, "")
	if rec.Code != http.StatusOK || body["n_samples"] != float64(3) {
		t.Fatalf("multisample failed: %d %v", rec.Code, body)
	}
	if samples, _ := body["samples"].([]any); len(samples) != 3 {
		t.Fatalf("expected samples by default, got %v", body["samples"])
	}

	rec, body = lab.do(t, http.MethodPost, "/api/v1/ammeter/disconnect", nil, "")
	if rec.Code != http.StatusOK || body["disconnected"] != true {
		t.Fatalf("disconnect failed: %d %v", rec.Code, body)
	}

	rec, body = lab.do(t, http.MethodGet, "/api/v1/ammeter/current", nil, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while disconnected, got %d %v", rec.Code, body)
	}

	rec, body = lab.do(t, http.MethodGet, "/api/v1/system/lab", nil, "")
	if rec.Code != http.StatusOK || body["ammeter_a"] != nil {
		t.Fatalf("expected null current while disconnected, got %d %v", rec.Code, body)
	}

	rec, body = lab.do(t, http.MethodPost, "/api/v1/ammeter/connect", nil, "")
	if rec.Code != http.StatusOK || body["connected"] != true {
		t.Fatalf("connect failed: %d %v", rec.Code, body)
	}
}

func TestAuthenticatedAccess(t *testing.T) {
	t.Setenv("OLR_TEST_JWT", "0123456789abcdef0123456789abcdef")

	hash, err := auth.NewPasswordHasherWithParams(8*1024, 1, 1).HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	lab := newTestLab(t, config.AuthConfig{
		Enabled:        true,
		JWTSecretEnv:   "OLR_TEST_JWT",
		AccessTokenTTL: time.Hour,
		Users: []config.UserConfig{
			{Username: "viewer", PasswordHash: hash, Role: auth.RoleViewer},
			{Username: "op", PasswordHash: hash, Role: auth.RoleOperator},
		},
	})

	rec, _ := lab.do(t, http.MethodGet, "/api/v1/rack/wheels", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	login := func(user string) string {
		rec, body := lab.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"username": user, "password": "s3cret"}, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("login %s failed: %d %v", user, rec.Code, body)
		}
		return body["access_token"].(string)
	}
	viewer := login("viewer")
	operator := login("op")

	rec, body := lab.do(t, http.MethodGet, "/api/v1/auth/me", nil, viewer)
	if rec.Code != http.StatusOK || body["subject"] != "viewer" {
		t.Fatalf("unexpected identity %d %v", rec.Code, body)
	}

	rec, _ = lab.do(t, http.MethodGet, "/api/v1/rack/wheels", nil, viewer)
	if rec.Code != http.StatusOK {
		t.Fatalf("viewer cannot list wheels: %d", rec.Code)
	}

	rec, body = lab.do(t, http.MethodPost, "/api/v1/rack/bandpass", map[string]any{"wavelength_nm": 450}, viewer)
	if rec.Code != http.StatusForbidden || errorCode(body) != types.CodeForbidden {
		t.Fatalf("expected 403 for viewer selection, got %d %v", rec.Code, body)
	}

	rec, _ = lab.do(t, http.MethodPost, "/api/v1/rack/bandpass", map[string]any{"wavelength_nm": 450}, operator)
	if rec.Code != http.StatusOK {
		t.Fatalf("operator selection failed: %d", rec.Code)
	}

	rec, _ = lab.do(t, http.MethodPost, "/api/v1/system/shutdown", nil, operator)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for operator shutdown, got %d", rec.Code)
	}

	rec, _ = lab.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "op", "password": "wrong"}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", rec.Code)
	}
}
