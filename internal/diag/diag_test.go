package diag

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	appconfig "github.com/robotical/riclink/internal/config"
	"github.com/robotical/riclink/pkg/comms"
	"github.com/robotical/riclink/pkg/ric"
	"github.com/robotical/riclink/pkg/ric/rosserial"
)

type stubTransport struct {
	open bool
}

func (t *stubTransport) Open(params comms.Params) error      { t.open = true; return nil }
func (t *stubTransport) Close() error                        { t.open = false; return nil }
func (t *stubTransport) IsOpen() bool                        { return t.open }
func (t *stubTransport) Send(data []byte) error              { return nil }
func (t *stubTransport) SetRxFrameCB(cb func(frame []byte))  {}
func (t *stubTransport) SetRxLogLineCB(cb func(line string)) {}
func (t *stubTransport) TransferParams() comms.TransferParams {
	return comms.TransferParams{BlockMaxSize: 5000, BatchAckSize: 1}
}
func (t *stubTransport) HintMsgTimeout(numTimedOut int) {}

func newTestServer(t *testing.T) (*Server, *ric.HWState) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	d := ric.NewDispatcher(&stubTransport{}, nil)
	if err := d.Open(comms.Params{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	hw := ric.NewHWState()
	ft := ric.NewFileTransfer(d, nil)
	cfg := appconfig.Config{Method: appconfig.MethodUSB, ProfilesDir: t.TempDir()}
	return New(cfg, nil, d, hw, ft), hw
}

func getJSON(t *testing.T, s *Server, path string) map[string]any {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET %s status=%d", path, rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("GET %s body: %v", path, err)
	}
	return body
}

func TestStatusReportsConnection(t *testing.T) {
	s, _ := newTestServer(t)
	body := getJSON(t, s, "/api/status")
	if body["connected"] != true {
		t.Fatalf("connected=%v, want true", body["connected"])
	}
	if body["method"] != "usb" {
		t.Fatalf("method=%v, want usb", body["method"])
	}
}

func TestTelemetryReflectsCache(t *testing.T) {
	s, hw := newTestServer(t)

	servoGroup := []byte{2, 0, 100, 0, 5, 0x01}
	hw.Update(rosserial.TopicSmartServos, servoGroup)

	body := getJSON(t, s, "/api/telemetry")
	servos, ok := body["servos"].(map[string]any)
	if !ok || len(servos) != 1 {
		t.Fatalf("servos=%v, want one entry", body["servos"])
	}
	if body["powerFresh"] != false {
		t.Fatalf("powerFresh=%v with no power telemetry, want false", body["powerFresh"])
	}
}

func TestStatsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	body := getJSON(t, s, "/api/stats")
	if _, ok := body["dispatcher"].(map[string]any); !ok {
		t.Fatalf("stats body=%v", body)
	}
}

func TestProfilesEndpointEmptyDir(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/profiles", nil)
	s.router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if got := rec.Body.String(); got != "[]" {
		t.Fatalf("body=%q, want []", got)
	}
}
