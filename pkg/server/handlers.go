package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"

	"opensase/sase-policy/pkg/audit"
	"opensase/sase-policy/pkg/policy"
	"opensase/sase-policy/pkg/policy/manager"
	"opensase/sase-policy/pkg/policy/rules"
	"opensase/sase-policy/pkg/security/auth"
	sectls "opensase/sase-policy/pkg/security/tls"
	"opensase/sase-policy/pkg/telemetry/tracing"
)

// maxDocumentBytes bounds uploaded rule documents.
const maxDocumentBytes = 16 << 20

var tracer = otel.Tracer("opensase/sase-policy/server")

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Manager.Status())
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Manager.Engine().Stats())
}

func (s *Server) handleExportRules(w http.ResponseWriter, r *http.Request) {
	format := rules.Format(r.URL.Query().Get("format"))
	switch format {
	case "":
		format = rules.FormatYAML
	case rules.FormatYAML, rules.FormatJSON:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported format %q", format))
		return
	}

	snap := s.deps.Manager.Engine().Snapshot()
	st := s.deps.Manager.Status()
	doc := rules.FromRules(st.Origin, snap.Rules)

	if format == rules.FormatJSON {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "application/yaml")
	}
	w.Header().Set("X-Rules-Version", strconv.FormatUint(snap.Version, 10))
	w.Header().Set("X-Rules-Checksum", rules.Checksum(snap.Rules))
	if err := doc.Encode(w, format); err != nil {
		s.logger.ErrorContext(r.Context(), "failed to encode rule export", "error", err)
	}
}

func (s *Server) handleUploadRules(w http.ResponseWriter, r *http.Request) {
	if !s.config.EnableRuleUpload {
		writeError(w, http.StatusForbidden, "rule upload is disabled")
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDocumentBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "rule document too large")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	doc, err := rules.Parse(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	compiled, err := doc.Compile()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	origin := "api"
	if k, ok := auth.KeyFromContext(r.Context()); ok {
		origin += "/" + k.Name
	} else if id := sectls.ClientIdentity(r); id != "" {
		origin += "/" + id
	}
	if doc.Name != "" {
		origin += ":" + doc.Name
	}
	res, err := s.deps.Manager.Apply(r.Context(), compiled, origin)
	if err != nil {
		writeJSON(w, statusFor(err), struct {
			manager.Result
			Error string `json:"error"`
		}{res, err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Manager.Reload(r.Context())
	if err != nil {
		writeJSON(w, statusFor(err), struct {
			manager.Result
			Error string `json:"error"`
		}{res, err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, manager.ErrNoSource):
		return http.StatusConflict
	case errors.Is(err, manager.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

// DecideRequest is the body of POST /v1/decide.
type DecideRequest struct {
	SrcIP      string `json:"src_ip"`
	DstIP      string `json:"dst_ip"`
	SrcPort    uint16 `json:"src_port"`
	DstPort    uint16 `json:"dst_port"`
	Protocol   string `json:"protocol"`
	SrcSegment uint8  `json:"src_segment"`
	DstSegment uint8  `json:"dst_segment"`
	UserGroup  uint8  `json:"user_group"`
}

// Key converts the request to a flow key.
func (d *DecideRequest) Key() (policy.PolicyKey, error) {
	src, err := netip.ParseAddr(d.SrcIP)
	if err != nil {
		return policy.PolicyKey{}, fmt.Errorf("src_ip: %w", err)
	}
	dst, err := netip.ParseAddr(d.DstIP)
	if err != nil {
		return policy.PolicyKey{}, fmt.Errorf("dst_ip: %w", err)
	}
	proto, _, err := policy.ParseProtocol(d.Protocol)
	if err != nil {
		return policy.PolicyKey{}, fmt.Errorf("protocol: %w", err)
	}
	return policy.KeyFromAddrs(src, dst, d.SrcPort, d.DstPort, proto).
		WithSegments(d.SrcSegment, d.DstSegment).
		WithUserGroup(d.UserGroup), nil
}

// DecideResponse is the answer to POST /v1/decide.
type DecideResponse struct {
	Action       policy.Action          `json:"action" yaml:"action"`
	Inspection   policy.InspectionLevel `json:"inspection" yaml:"inspection"`
	Priority     uint16                 `json:"priority" yaml:"priority"`
	RateLimitPPS uint32                 `json:"rate_limit_pps,omitempty" yaml:"rate_limit_pps,omitempty"`
	RuleID       uint32                 `json:"rule_id" yaml:"rule_id"`
	Flags        []string               `json:"flags,omitempty" yaml:"flags,omitempty"`
	Version      uint64                 `json:"version" yaml:"version"`
	Matched      bool                   `json:"matched" yaml:"matched"`
	LatencyNS    int64                  `json:"latency_ns" yaml:"latency_ns"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req DecideRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	key, err := req.Key()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	_, span := tracer.Start(r.Context(), "policy.decide")
	defer span.End()

	eng := s.deps.Manager.Engine()
	d, elapsed := eng.LookupTimed(key)
	version := eng.Version()

	span.SetAttributes(tracing.FlowAttributes(key, false)...)
	span.SetAttributes(tracing.DecisionAttributes(d, version)...)
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveDecision(d.Action.String())
	}

	writeJSON(w, http.StatusOK, DecideResponse{
		Action:       d.Action,
		Inspection:   d.Inspection,
		Priority:     d.Priority,
		RateLimitPPS: d.RateLimitPPS,
		RuleID:       d.RuleID,
		Flags:        d.Flags.Names(),
		Version:      version,
		Matched:      d.RuleID != 0,
		LatencyNS:    elapsed.Nanoseconds(),
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		writeError(w, http.StatusNotFound, "audit trail is disabled")
		return
	}

	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.deps.Audit.Query(r.Context(), f)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "audit query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	total, err := s.deps.Audit.Count(r.Context(), &audit.Filter{
		Origin: f.Origin, Outcome: f.Outcome, Since: f.Since, Until: f.Until,
	})
	if err != nil {
		s.logger.ErrorContext(r.Context(), "audit count failed", "error", err)
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	if events == nil {
		events = []*audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "total": total})
}

func parseFilter(r *http.Request) (*audit.Filter, error) {
	q := r.URL.Query()
	f := &audit.Filter{
		Origin:  q.Get("origin"),
		Outcome: audit.Outcome(q.Get("outcome")),
	}

	parseTime := func(name string, dst *time.Time) error {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return fmt.Errorf("%s: expected RFC 3339 time, got %q", name, v)
			}
			*dst = t
		}
		return nil
	}
	parseInt := func(name string, dst *int) error {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: expected integer, got %q", name, v)
			}
			*dst = n
		}
		return nil
	}

	for _, err := range []error{
		parseTime("since", &f.Since),
		parseTime("until", &f.Until),
		parseInt("limit", &f.Limit),
		parseInt("offset", &f.Offset),
	} {
		if err != nil {
			return nil, err
		}
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}
