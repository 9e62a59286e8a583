package httpapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/veighnsche/inferd/internal/pool"
	"github.com/veighnsche/inferd/pkg/types"
)

// blockService blocks Query until the request context is done.
type blockService struct{}

func (b *blockService) ListModels() []types.Model    { return nil }
func (b *blockService) Status() types.StatusResponse { return types.StatusResponse{} }
func (b *blockService) Ready() bool                  { return true }

func (b *blockService) Query(ctx context.Context, req types.QueryRequest) (types.QueryResult, error) {
	<-ctx.Done()
	return types.QueryResult{}, ctx.Err()
}

func (b *blockService) Reload(ctx context.Context, req types.ReloadRequest) (types.ReloadResponse, error) {
	return types.ReloadResponse{}, nil
}

func (b *blockService) Subscribe(buffer int) (<-chan pool.Event, func()) {
	ch := make(chan pool.Event)
	close(ch)
	return ch, func() {}
}

func TestQueryLogsWithZerologInfo(t *testing.T) {
	// Install a structured logger so the zlog branches run.
	SetLogger(zerolog.New(io.Discard))
	defer SetLogger(zerolog.Logger{})

	svc := &mockService{}
	h := NewMux(svc)
	req := httptest.NewRequest(http.MethodPost, "/query?log=info", bytes.NewBufferString(`{"prompt":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with info logging, got %d", rec.Code)
	}
}

func TestCORSAndSecurityHeaders(t *testing.T) {
	SetCORSOptions(true, []string{"*"}, []string{"GET", "POST", "OPTIONS"}, []string{"Content-Type"})
	defer SetCORSOptions(false, nil, nil, nil)

	svc := &mockService{ready: true}
	h := NewMux(svc)
	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options=nosniff, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Fatalf("expected CORS header Access-Control-Allow-Origin to be set, got empty")
	}
}

func TestQueryTimeoutReturns504(t *testing.T) {
	defer SetQueryTimeoutSeconds(0)
	SetQueryTimeoutSeconds(1)

	svc := &blockService{}
	h := NewMux(svc)
	req := httptest.NewRequest(http.MethodPost, "/query", bytes.NewBufferString(`{"prompt":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 on timeout, got %d", rec.Code)
	}
}

func TestContentTypeCaseInsensitive(t *testing.T) {
	svc := &mockService{}
	h := NewMux(svc)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/query", bytes.NewBufferString(`{"prompt":"hi"}`))
	req.Header.Set("Content-Type", "Application/JSON; charset=utf-8")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with mixed-case content-type, got %d", rec.Code)
	}
}

func TestQueryWithDebugLogging(t *testing.T) {
	svc := &mockService{queryRes: types.QueryResult{Text: "hi there", WorkerID: "w1"}}
	h := NewMux(svc)
	req := httptest.NewRequest(http.MethodPost, "/query?log=debug", bytes.NewBufferString(`{"prompt":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with debug logging, got %d", rec.Code)
	}
}
