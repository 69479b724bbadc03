package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger_LevelParsing(t *testing.T) {
	if NewLogger("warn").Core().Enabled(zapcore.InfoLevel) {
		t.Error("warn logger must not enable info")
	}
	if !NewLogger("nonsense").Core().Enabled(zapcore.InfoLevel) {
		t.Error("unparseable level must fall back to info")
	}
	if !NewLogger("debug").Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug logger must enable debug")
	}
}

func TestZapLoggerMiddleware_LogsCompletedRequest(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	h := ZapLoggerMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/expenses", nil))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Errorf("4xx must log at warn, got %v", entries[0].Level)
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusTeapot) {
		t.Errorf("status field = %v", fields["status"])
	}
	if fields["bytes"] != int64(len("short and stout")) {
		t.Errorf("bytes field = %v", fields["bytes"])
	}
	if fields["path"] != "/v1/expenses" {
		t.Errorf("path field = %v", fields["path"])
	}
}
