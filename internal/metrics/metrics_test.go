package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// counterValue はラベルが一致するカウンタの値を返す。見つからない場合は-1を返す。
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			matched := 0
			for _, lp := range m.GetLabel() {
				if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
					matched++
				}
			}
			if matched == len(labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return -1
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordLogin_CountsByMethodAndResult は認証経路と結果ごとに集計されることを検証する。
func TestRecordLogin_CountsByMethodAndResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLogin("password", true)
	c.RecordLogin("password", true)
	c.RecordLogin("password", false)
	c.RecordLogin("saml", true)

	tests := []struct {
		method, result string
		want           float64
	}{
		{"password", "success", 2},
		{"password", "failure", 1},
		{"saml", "success", 1},
	}
	for _, tt := range tests {
		got := counterValue(t, reg, "ssogate_logins_total", map[string]string{"method": tt.method, "result": tt.result})
		if got != tt.want {
			t.Errorf("logins_total{%s,%s} = %v, want %v", tt.method, tt.result, got, tt.want)
		}
	}
}

// TestRecordRateLimited_IncrementsCounter はレート制限カウンタが増加することを検証する。
func TestRecordRateLimited_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRateLimited("login")

	if got := counterValue(t, reg, "ssogate_rate_limited_total", map[string]string{"limit_type": "login"}); got != 1 {
		t.Errorf("rate_limited_total = %v, want 1", got)
	}
}

// TestRecordCleanup_AddsDeletedCount は削除件数が加算されることを検証する。
func TestRecordCleanup_AddsDeletedCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordCleanup("refresh_tokens", 7)
	c.RecordCleanup("refresh_tokens", 3)
	c.RecordCleanup("login_logs", 0)

	if got := counterValue(t, reg, "ssogate_cleanup_deleted_total", map[string]string{"kind": "refresh_tokens"}); got != 10 {
		t.Errorf("cleanup_deleted_total{refresh_tokens} = %v, want 10", got)
	}
	if got := counterValue(t, reg, "ssogate_cleanup_deleted_total", map[string]string{"kind": "login_logs"}); got != 0 {
		t.Errorf("cleanup_deleted_total{login_logs} = %v, want 0", got)
	}
}

// TestRecordUpstreamLatency_ObservesHistogram は外部呼び出しのレイテンシが記録されることを検証する。
func TestRecordUpstreamLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordUpstreamLatency("learnworlds", 250*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "ssogate_upstream_latency_seconds" {
			h := mf.GetMetric()[0].GetHistogram()
			if h.GetSampleCount() != 1 {
				t.Errorf("sample count = %d, want 1", h.GetSampleCount())
			}
			if h.GetSampleSum() < 0.24 || h.GetSampleSum() > 0.26 {
				t.Errorf("sample sum = %v, want ~0.25", h.GetSampleSum())
			}
			return
		}
	}
	t.Error("ssogate_upstream_latency_seconds metric not found")
}

// TestNewCollector_DuplicateRegistrationPanics は同じレジストリへの二重登録がpanicすることを検証する。
func TestNewCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	NewCollector(reg)
}

// TestHandler_ServesMetrics はスクレイプでメトリクスが返ることを検証する。
func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordLogin("sso", true)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body, _ := io.ReadAll(w.Body)
	if !strings.Contains(string(body), `ssogate_logins_total{method="sso",result="success"} 1`) {
		t.Errorf("response should contain the login counter, got:\n%s", body)
	}
}
