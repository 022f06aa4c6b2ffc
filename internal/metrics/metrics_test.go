package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.MessagesSent.WithLabelValues("user").Inc()
	m.StreamsOpen.Set(2)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `chat_messages_sent_total{sender_type="user"} 1`) {
		t.Errorf("missing messages counter:\n%s", body)
	}
	if !strings.Contains(body, "chat_streams_open 2") {
		t.Errorf("missing streams gauge:\n%s", body)
	}
}

func TestIndependentRegistries(t *testing.T) {
	// Two instances must not panic on duplicate registration.
	_ = New()
	_ = New()
}
