package alert

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

type mockHTTPClient struct {
	statusCode int
	err        error
	lastReq    *http.Request
	lastBody   string
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.lastReq = req
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		m.lastBody = string(b)
	}
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       http.NoBody,
	}, nil
}

func TestNewManager(t *testing.T) {
	m := NewManager(true, "https://hooks.example.com/test")
	if m == nil {
		t.Fatal("expected non-nil manager")
	}
	if !m.enabled {
		t.Error("expected enabled to be true")
	}
	if m.webhook != "https://hooks.example.com/test" {
		t.Error("expected webhook to be set")
	}
}

func TestSendChainBrokenAlert_Disabled(t *testing.T) {
	m := NewManager(false, "https://hooks.example.com/test")
	err := m.SendChainBrokenAlert("default", 3, "sha256:aaa", "sha256:bbb")
	if err != nil {
		t.Errorf("expected nil error when disabled, got: %v", err)
	}
}

func TestSendChainBrokenAlert_EmptyWebhook(t *testing.T) {
	m := NewManager(true, "")
	err := m.SendChainBrokenAlert("default", 3, "sha256:aaa", "sha256:bbb")
	if err != nil {
		t.Errorf("expected nil error with empty webhook, got: %v", err)
	}
}

func TestSendChainBrokenAlert_Success(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(true, "https://hooks.example.com/test", mock)

	err := m.SendChainBrokenAlert("prod", 7, "sha256:expected", "sha256:actual")
	if err != nil {
		t.Errorf("expected nil error, got: %v", err)
	}
	if mock.lastReq == nil {
		t.Fatal("expected request to be sent")
	}
	if mock.lastReq.Method != http.MethodPost {
		t.Errorf("expected POST, got %s", mock.lastReq.Method)
	}
	if ct := mock.lastReq.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json content type, got %s", ct)
	}
	if !strings.Contains(mock.lastBody, "prod") {
		t.Error("expected body to name the partition")
	}
}

func TestSendChainBrokenAlert_HTTPError(t *testing.T) {
	mock := &mockHTTPClient{err: errors.New("connection refused")}
	m := NewManagerWithClient(true, "https://hooks.example.com/test", mock)

	err := m.SendChainBrokenAlert("default", 0, "sha256:a", "sha256:b")
	if err == nil {
		t.Error("expected error on HTTP failure")
	}
}

func TestSendChainBrokenAlert_Non200(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusInternalServerError}
	m := NewManagerWithClient(true, "https://hooks.example.com/test", mock)

	err := m.SendChainBrokenAlert("default", 0, "sha256:a", "sha256:b")
	if err == nil {
		t.Error("expected error on non-200 response")
	}
}

func TestSendOwnershipConflictAlert(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(true, "https://hooks.example.com/test", mock)

	err := m.SendOwnershipConflictAlert("lib/core.py", "PKG-A", "PKG-B")
	if err != nil {
		t.Errorf("expected nil error, got: %v", err)
	}
	if !strings.Contains(mock.lastBody, "lib/core.py") {
		t.Error("expected body to name the contested path")
	}
	if !strings.Contains(mock.lastBody, "PKG-A") || !strings.Contains(mock.lastBody, "PKG-B") {
		t.Error("expected body to name both owners")
	}
}

func TestSendGateFailureAlert(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(true, "https://hooks.example.com/test", mock)

	err := m.SendGateFailureAlert("PKG-A", "signature", "manifest is unsigned")
	if err != nil {
		t.Errorf("expected nil error, got: %v", err)
	}
	if !strings.Contains(mock.lastBody, "signature") {
		t.Error("expected body to name the failed gate")
	}
}
