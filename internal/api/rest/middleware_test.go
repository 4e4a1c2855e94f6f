package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// mockLogger is a test logger that captures log messages
type mockLogger struct {
	mu       sync.Mutex
	messages []string
}

func newMockLogger() *mockLogger {
	return &mockLogger{
		messages: make([]string, 0),
	}
}

func (m *mockLogger) Debug(msg string, args ...any) { m.log("DEBUG", msg, args...) }
func (m *mockLogger) Info(msg string, args ...any)  { m.log("INFO", msg, args...) }
func (m *mockLogger) Warn(msg string, args ...any)  { m.log("WARN", msg, args...) }
func (m *mockLogger) Error(msg string, args ...any) { m.log("ERROR", msg, args...) }
func (m *mockLogger) Fatal(msg string, args ...any) { m.log("FATAL", msg, args...) }

func (m *mockLogger) log(level, msg string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	formatted := fmt.Sprintf("[%s] %s", level, msg)
	for i := 0; i+1 < len(args); i += 2 {
		formatted += fmt.Sprintf(" %v=%v", args[i], args[i+1])
	}
	m.messages = append(m.messages, formatted)
}

func (m *mockLogger) getOutput() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strings.Join(m.messages, "\n")
}

func TestLoggingMiddleware(t *testing.T) {
	logger := newMockLogger()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Hello, World!"))
	})

	wrapped := LoggingMiddleware(logger)(handler)

	req := httptest.NewRequest(http.MethodGet, "/api/workers", nil)
	w := httptest.NewRecorder()

	wrapped.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	logOutput := logger.getOutput()
	for _, want := range []string{"HTTP request", "method=GET", "path=/api/workers", "status=200", "bytes=13"} {
		if !strings.Contains(logOutput, want) {
			t.Errorf("Expected log to contain %q, got: %s", want, logOutput)
		}
	}
}

func TestLoggingMiddlewareWithDifferentStatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		level      string
	}{
		{"OK", http.StatusOK, "INFO"},
		{"Accepted", http.StatusAccepted, "INFO"},
		{"BadRequest", http.StatusBadRequest, "INFO"},
		{"NotFound", http.StatusNotFound, "INFO"},
		{"BadGateway", http.StatusBadGateway, "WARN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := newMockLogger()

			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			})

			wrapped := LoggingMiddleware(logger)(handler)
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			w := httptest.NewRecorder()

			wrapped.ServeHTTP(w, req)

			if w.Code != tt.statusCode {
				t.Errorf("Expected status %d, got %d", tt.statusCode, w.Code)
			}

			logOutput := logger.getOutput()
			if !strings.Contains(logOutput, fmt.Sprintf("status=%d", tt.statusCode)) {
				t.Errorf("Expected log to contain status code %d, got: %s", tt.statusCode, logOutput)
			}
			if !strings.HasPrefix(logOutput, "["+tt.level+"] HTTP request") {
				t.Errorf("Expected %s level, got: %s", tt.level, logOutput)
			}
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	logger := newMockLogger()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("something went wrong")
	})

	wrapped := RecoveryMiddleware(logger)(handler)

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	w := httptest.NewRecorder()

	wrapped.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON error envelope, got content type %q", ct)
	}
	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Code != http.StatusInternalServerError || resp.Error != "internal server error" {
		t.Errorf("Unexpected error envelope: %+v", resp)
	}

	logOutput := logger.getOutput()
	if !strings.Contains(logOutput, "[ERROR] Panic recovered") {
		t.Error("Expected log to contain 'Panic recovered' at ERROR level")
	}
	if !strings.Contains(logOutput, "something went wrong") {
		t.Error("Expected log to contain panic message")
	}
}

func TestRecoveryMiddlewareAfterResponseStarted(t *testing.T) {
	logger := newMockLogger()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("partial"))
		panic("late failure")
	})

	w := httptest.NewRecorder()
	RecoveryMiddleware(logger)(handler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/late", nil))

	if w.Code != http.StatusAccepted {
		t.Errorf("Expected the original status 202, got %d", w.Code)
	}
	if body := w.Body.String(); body != "partial" {
		t.Errorf("Expected body to be left untouched, got %q", body)
	}
	if !strings.Contains(logger.getOutput(), "late failure") {
		t.Error("Expected the panic to be logged")
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(requestIDHeader)
	}))

	t.Run("assigns id", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		got := w.Header().Get(requestIDHeader)
		if got == "" {
			t.Fatal("Expected a request id header")
		}
		if seen != got {
			t.Errorf("Expected handler to see %q, got %q", got, seen)
		}
	})

	t.Run("keeps caller id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(requestIDHeader, "abc-123")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if got := w.Header().Get(requestIDHeader); got != "abc-123" {
			t.Errorf("Expected abc-123, got %q", got)
		}
	})

	malformed := []struct {
		name string
		id   string
	}{
		{"spaces", "abc 123"},
		{"control characters", "abc\x01"},
		{"non ascii", "zahtev-č"},
		{"too long", strings.Repeat("a", maxRequestIDLength+1)},
	}
	for _, tt := range malformed {
		t.Run("replaces "+tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(requestIDHeader, tt.id)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			got := w.Header().Get(requestIDHeader)
			if got == tt.id || got == "" {
				t.Errorf("Expected a fresh id, got %q", got)
			}
			if seen != got {
				t.Errorf("Expected handler to see %q, got %q", got, seen)
			}
		})
	}
}

func TestRequestIDFromContext(t *testing.T) {
	var fromCtx string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromCtx = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if fromCtx != "abc-123" {
		t.Errorf("Expected abc-123 in context, got %q", fromCtx)
	}
	if id := RequestIDFromContext(context.Background()); id != "" {
		t.Errorf("Expected no id outside the middleware, got %q", id)
	}
}

func TestChainMiddlewareWithPanic(t *testing.T) {
	logger := newMockLogger()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	wrapped := ChainMiddleware(
		handler,
		RequestIDMiddleware,
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
	)

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	w := httptest.NewRecorder()

	wrapped.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
	id := w.Header().Get(requestIDHeader)
	if id == "" {
		t.Error("Expected request id on the recovered response")
	}
	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.RequestID != id {
		t.Errorf("Expected envelope request id %q, got %q", id, resp.RequestID)
	}

	logOutput := logger.getOutput()
	if !strings.Contains(logOutput, "ERROR") {
		t.Errorf("Expected log to contain ERROR, got: %s", logOutput)
	}
	if !strings.Contains(logOutput, "request_id="+id) {
		t.Errorf("Expected log to carry the request id, got: %s", logOutput)
	}
	if !strings.Contains(logOutput, "/panic") {
		t.Error("Expected log to contain the request path")
	}
}

func TestResponseWriterDefaultStatusCode(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	logger := newMockLogger()

	wrapped := LoggingMiddleware(logger)(handler)
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	wrapped.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(logger.getOutput(), "status=200") {
		t.Error("Expected log to contain status code 200")
	}
}
