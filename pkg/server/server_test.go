package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"opensase/sase-policy/pkg/audit"
	"opensase/sase-policy/pkg/config"
	"opensase/sase-policy/pkg/policy"
	"opensase/sase-policy/pkg/policy/engine"
	"opensase/sase-policy/pkg/policy/manager"
	"opensase/sase-policy/pkg/policy/rules"
	"opensase/sase-policy/pkg/policy/source"
	"opensase/sase-policy/pkg/telemetry/health"
	"opensase/sase-policy/pkg/telemetry/metrics"
)

type storeAuditor struct {
	mu    sync.Mutex
	n     int
	store audit.Storage
}

func (a *storeAuditor) Record(ev audit.Event) string {
	a.mu.Lock()
	a.n++
	ev.ID = "evt-" + strconv.Itoa(a.n)
	a.mu.Unlock()
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	_ = a.store.Store(context.Background(), &ev)
	return ev.ID
}

type fixture struct {
	handler http.Handler
	mgr     *manager.Manager
	src     *source.MemorySource
	audit   *audit.MemoryStorage
	metrics *metrics.Collector
}

func newFixture(t *testing.T, mutate func(*config.ServerConfig, *engine.Config)) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	serverCfg := config.Default().Server
	serverCfg.EnableRuleUpload = true
	engCfg := engine.DefaultConfig()
	if mutate != nil {
		mutate(&serverCfg, engCfg)
	}

	eng, err := engine.New(engCfg, logger)
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	src := source.NewMemorySource("test", []policy.PolicyRule{
		policy.DenyRule(1).WithDstPort(22).WithProtocol(policy.ProtoTCP).WithPriority(1),
		policy.AllowRule(2).WithDstCIDR(policy.MustParseCIDR("10.0.0.0/8")),
	})
	store := audit.NewMemoryStorage()
	collector := metrics.NewCollector(&config.MetricsConfig{Path: "/metrics"}, nil)

	mgr, err := manager.New(manager.Options{
		Engine:   eng,
		Source:   src,
		Auditor:  &storeAuditor{store: store},
		Observer: collector,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("manager.New() error = %v", err)
	}
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	checker := health.New(time.Second)
	checker.RegisterCheck("rules", health.RulesCheck(mgr))

	srv, err := New(&serverCfg, &config.MetricsConfig{Path: "/metrics"}, Deps{
		Manager: mgr,
		Audit:   store,
		Metrics: collector,
		Health:  checker,
		Version: health.VersionInfo{Version: "test"},
	}, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &fixture{handler: srv.Handler(), mgr: mgr, src: src, audit: store, metrics: collector}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(method, path, r))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("invalid JSON %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestNew_RequiresManager(t *testing.T) {
	if _, err := New(&config.ServerConfig{}, nil, Deps{}, nil); err == nil {
		t.Error("expected error without manager")
	}
}

func TestDecide(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		body   string
		code   int
		action policy.Action
		rule   uint32
	}{
		{"ssh denied", `{"src_ip":"192.168.1.5","dst_ip":"10.1.2.3","dst_port":22,"protocol":"tcp"}`, 200, policy.ActionDeny, 1},
		{"internal allowed", `{"src_ip":"192.168.1.5","dst_ip":"10.1.2.3","dst_port":443,"protocol":"tcp"}`, 200, policy.ActionAllow, 2},
		{"default", `{"src_ip":"192.168.1.5","dst_ip":"8.8.8.8","dst_port":53,"protocol":"17"}`, 200, policy.ActionAllow, 0},
		{"ipv6", `{"src_ip":"fd00::1","dst_ip":"2001:db8::1","dst_port":22,"protocol":"tcp"}`, 200, policy.ActionDeny, 1},
		{"bad ip", `{"src_ip":"nope","dst_ip":"10.0.0.1"}`, 400, 0, 0},
		{"bad protocol", `{"src_ip":"10.0.0.1","dst_ip":"10.0.0.2","protocol":"sctp-ish"}`, 400, 0, 0},
		{"unknown field", `{"src_ip":"10.0.0.1","dst_ip":"10.0.0.2","colour":"red"}`, 400, 0, 0},
		{"not json", `{`, 400, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/decide", tt.body)
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.code, rec.Body.String())
			}
			if tt.code != http.StatusOK {
				return
			}
			resp := decode[DecideResponse](t, rec)
			if resp.Action != tt.action || resp.RuleID != tt.rule {
				t.Errorf("decision = %+v, want %v by rule %d", resp, tt.action, tt.rule)
			}
			if resp.Matched != (tt.rule != 0) {
				t.Errorf("matched = %v", resp.Matched)
			}
			if resp.Version != 1 {
				t.Errorf("version = %d, want 1", resp.Version)
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/v1/status", "")
	if len(rec.Header().Get(RequestIDHeader)) != 32 {
		t.Errorf("generated request ID = %q", rec.Header().Get(RequestIDHeader))
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Errorf("request ID = %q, want abc-123", got)
	}
}

func TestStatusAndStats(t *testing.T) {
	f := newFixture(t, nil)

	st := decode[manager.Status](t, f.do(t, http.MethodGet, "/v1/status", ""))
	if st.Version != 1 || st.RuleCount != 2 || st.Source != "test" {
		t.Errorf("status = %+v", st)
	}

	f.do(t, http.MethodPost, "/v1/decide", `{"src_ip":"1.1.1.1","dst_ip":"2.2.2.2"}`)
	stats := decode[engine.EngineStats](t, f.do(t, http.MethodGet, "/v1/stats", ""))
	if stats.TotalLookups != 1 || stats.RulesLoaded != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestExportRules(t *testing.T) {
	f := newFixture(t, nil)

	for _, format := range []string{"", "yaml", "json"} {
		t.Run("format="+format, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, "/v1/rules?format="+format, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			if rec.Header().Get("X-Rules-Version") != "1" {
				t.Errorf("version header = %q", rec.Header().Get("X-Rules-Version"))
			}
			doc, err := rules.Parse(rec.Body.Bytes())
			if err != nil {
				t.Fatalf("export does not parse: %v", err)
			}
			compiled, err := doc.Compile()
			if err != nil {
				t.Fatalf("export does not compile: %v", err)
			}
			if len(compiled) != 2 {
				t.Errorf("exported %d rules, want 2", len(compiled))
			}
			if got := rules.Checksum(compiled); got != rec.Header().Get("X-Rules-Checksum") {
				t.Errorf("checksum = %s, header %s", got, rec.Header().Get("X-Rules-Checksum"))
			}
		})
	}

	if rec := f.do(t, http.MethodGet, "/v1/rules?format=toml", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("toml status = %d, want 400", rec.Code)
	}
}

func TestExportChecksumMatchesStatus(t *testing.T) {
	f := newFixture(t, nil)

	doc := "rules:\n  - {id: 5, action: allow, priority: 50}\n  - {id: 6, action: deny, dst_ports: \"23\", priority: 5}\n"
	if rec := f.do(t, http.MethodPut, "/v1/rules", doc); rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d: %s", rec.Code, rec.Body.String())
	}

	st := f.mgr.Status()
	rec := f.do(t, http.MethodGet, "/v1/rules", "")
	if got := rec.Header().Get("X-Rules-Checksum"); got != st.Checksum {
		t.Errorf("export checksum = %s, status checksum %s", got, st.Checksum)
	}
}

func TestUploadRules(t *testing.T) {
	f := newFixture(t, func(_ *config.ServerConfig, e *engine.Config) { e.MaxRules = 2 })

	doc := "name: pushed\nrules:\n  - id: 7\n    dst_ports: \"3389\"\n    action: deny\n"
	rec := f.do(t, http.MethodPut, "/v1/rules", doc)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	res := decode[manager.Result](t, rec)
	if res.Outcome != audit.OutcomeApplied || res.Version != 2 || res.Origin != "api:pushed" {
		t.Errorf("result = %+v", res)
	}

	resp := decode[DecideResponse](t, f.do(t, http.MethodPost, "/v1/decide", `{"src_ip":"1.1.1.1","dst_ip":"2.2.2.2","dst_port":3389}`))
	if resp.RuleID != 7 || resp.Action != policy.ActionDeny {
		t.Errorf("decision after upload = %+v", resp)
	}

	if rec := f.do(t, http.MethodPut, "/v1/rules", doc); decode[manager.Result](t, rec).Outcome != audit.OutcomeUnchanged {
		t.Errorf("re-upload should be unchanged: %s", rec.Body.String())
	}

	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed", "rules: [", http.StatusBadRequest},
		{"invalid rule", "rules:\n  - id: 1\n    action: explode\n", http.StatusUnprocessableEntity},
		{"too many rules", "rules:\n  - {id: 1, action: allow}\n  - {id: 2, action: allow}\n  - {id: 3, action: allow}\n", http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := f.do(t, http.MethodPut, "/v1/rules", tt.body); rec.Code != tt.code {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.code, rec.Body.String())
			}
		})
	}

	if st := f.mgr.Status(); st.Version != 2 {
		t.Errorf("rejected upload changed version to %d", st.Version)
	}
}

func TestUploadRules_Disabled(t *testing.T) {
	f := newFixture(t, func(s *config.ServerConfig, _ *engine.Config) { s.EnableRuleUpload = false })
	if rec := f.do(t, http.MethodPut, "/v1/rules", "rules: []"); rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestReload(t *testing.T) {
	f := newFixture(t, nil)
	f.src.Set([]policy.PolicyRule{policy.DenyRule(9)})

	rec := f.do(t, http.MethodPost, "/v1/reload", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if res := decode[manager.Result](t, rec); res.Version != 2 || res.RuleCount != 1 {
		t.Errorf("result = %+v", res)
	}
	if rec := f.do(t, http.MethodGet, "/v1/reload", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /v1/reload status = %d, want 405", rec.Code)
	}
}

func TestAudit(t *testing.T) {
	f := newFixture(t, nil)
	f.src.Set([]policy.PolicyRule{policy.DenyRule(9)})
	f.do(t, http.MethodPost, "/v1/reload", "")
	f.do(t, http.MethodPost, "/v1/reload", "")

	type page struct {
		Events []audit.Event `json:"events"`
		Total  int64         `json:"total"`
	}
	all := decode[page](t, f.do(t, http.MethodGet, "/v1/audit", ""))
	if all.Total != 3 || len(all.Events) != 3 {
		t.Fatalf("audit = %+v", all)
	}
	if all.Events[0].Outcome != audit.OutcomeUnchanged {
		t.Errorf("newest event = %+v, want unchanged", all.Events[0])
	}

	applied := decode[page](t, f.do(t, http.MethodGet, "/v1/audit?outcome=applied&limit=1", ""))
	if applied.Total != 2 || len(applied.Events) != 1 {
		t.Errorf("applied page = %+v", applied)
	}

	for _, q := range []string{"outcome=exploded", "since=yesterday", "limit=many", "limit=-1"} {
		if rec := f.do(t, http.MethodGet, "/v1/audit?"+q, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	if rec := f.do(t, http.MethodGet, "/health/ready", ""); rec.Code != http.StatusOK {
		t.Errorf("ready status = %d: %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodGet, "/health/live", ""); rec.Code != http.StatusOK {
		t.Errorf("live status = %d", rec.Code)
	}

	f.do(t, http.MethodPost, "/v1/decide", `{"src_ip":"1.1.1.1","dst_ip":"10.0.0.1","dst_port":22,"protocol":"tcp"}`)
	rec := f.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{`sase_policy_reloads_total{outcome="applied"} 1`, `sase_policy_decisions_total{action="deny"} 1`} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestServe(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, _ := engine.New(nil, logger)
	mgr, _ := manager.New(manager.Options{Engine: eng, Logger: logger})

	cfg := config.Default().Server
	cfg.ListenAddress = "127.0.0.1:0"
	srv, err := New(&cfg, nil, Deps{Manager: mgr}, logger)
	if err != nil {
		t.Fatal(err)
	}
	addr, err := srv.Listen()
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if _, err := srv.Listen(); err == nil {
		t.Error("second Listen() should fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	resp, err := http.Get("http://" + addr.String() + "/v1/status")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}

func TestAuth(t *testing.T) {
	f := newFixture(t, func(s *config.ServerConfig, _ *engine.Config) {
		s.Auth = config.AuthConfig{Enabled: true, Keys: []config.APIKeyConfig{
			{Name: "dashboard", Key: "read-key", Scopes: []string{"read"}},
			{Name: "gateway", Key: "decide-key", Scopes: []string{"decide"}},
			{Name: "controller", Key: "admin-key", Scopes: []string{"admin"}},
		}}
	})
	call := func(method, path, body, key string) *httptest.ResponseRecorder {
		var r io.Reader
		if body != "" {
			r = strings.NewReader(body)
		}
		req := httptest.NewRequest(method, path, r)
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		return rec
	}
	flow := `{"src_ip":"1.1.1.1","dst_ip":"10.0.0.1","dst_port":22,"protocol":"tcp"}`

	tests := []struct {
		name         string
		method, path string
		body, key    string
		want         int
	}{
		{"probe open", http.MethodGet, "/health/ready", "", "", http.StatusOK},
		{"metrics open", http.MethodGet, "/metrics", "", "", http.StatusOK},
		{"status needs key", http.MethodGet, "/v1/status", "", "", http.StatusUnauthorized},
		{"status with read", http.MethodGet, "/v1/status", "", "read-key", http.StatusOK},
		{"decide with read", http.MethodPost, "/v1/decide", flow, "read-key", http.StatusForbidden},
		{"decide with decide", http.MethodPost, "/v1/decide", flow, "decide-key", http.StatusOK},
		{"reload with decide", http.MethodPost, "/v1/reload", "", "decide-key", http.StatusForbidden},
		{"reload with admin", http.MethodPost, "/v1/reload", "", "admin-key", http.StatusOK},
		{"audit with admin", http.MethodGet, "/v1/audit", "", "admin-key", http.StatusOK},
		{"unknown key", http.MethodGet, "/v1/stats", "", "nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := call(tt.method, tt.path, tt.body, tt.key); rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	doc := "name: pushed\nrules:\n  - id: 7\n    dst_ports: \"3389\"\n    action: deny\n"
	rec := call(http.MethodPut, "/v1/rules", doc, "admin-key")
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d: %s", rec.Code, rec.Body.String())
	}
	if res := decode[manager.Result](t, rec); res.Origin != "api/controller:pushed" {
		t.Errorf("origin = %q, want the key name recorded", res.Origin)
	}
}

func TestNew_BadTLS(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, _ := engine.New(nil, logger)
	mgr, _ := manager.New(manager.Options{Engine: eng, Logger: logger})

	cfg := config.Default().Server
	cfg.TLS.Enabled = true
	cfg.TLS.CertFile = "testdata/missing.crt"
	cfg.TLS.KeyFile = "testdata/missing.key"
	if _, err := New(&cfg, nil, Deps{Manager: mgr}, logger); err == nil {
		t.Error("New() accepted missing certificate files")
	}

	cfg = config.Default().Server
	srv, err := New(&cfg, nil, Deps{Manager: mgr}, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if srv.CertificateCheck() != nil {
		t.Error("plain server registered a certificate check")
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(s *config.ServerConfig, _ *engine.Config) {
		s.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.01, Burst: 2, MaxClients: 10}
	})

	for i := 0; i < 2; i++ {
		if rec := f.do(t, http.MethodGet, "/v1/status", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	rec := f.do(t, http.MethodGet, "/v1/stats", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if ra, _ := strconv.Atoi(rec.Header().Get("Retry-After")); ra < 1 {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}

	// Other clients and the probes are unaffected.
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	other := httptest.NewRecorder()
	f.handler.ServeHTTP(other, req)
	if other.Code != http.StatusOK {
		t.Errorf("second client status = %d", other.Code)
	}
	if rec := f.do(t, http.MethodGet, "/health/live", ""); rec.Code != http.StatusOK {
		t.Errorf("liveness throttled: %d", rec.Code)
	}

	scrape := f.do(t, http.MethodGet, "/metrics", "")
	if !strings.Contains(scrape.Body.String(), "sase_server_requests_throttled_total 1") {
		t.Errorf("throttle counter missing from scrape:\n%s", scrape.Body.String())
	}
}
