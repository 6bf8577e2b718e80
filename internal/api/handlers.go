package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/careerhive/sentinel/internal/audit"
	"github.com/careerhive/sentinel/internal/core"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}
	if s.deps.Bus != nil {
		health["bus_connected"] = s.deps.Bus.IsConnected()
		health["bus"] = s.deps.Bus.Stats()
	}
	writeJSON(w, http.StatusOK, health)
}

type ingestRequest struct {
	EventType string                 `json:"event_type"`
	Metadata  map[string]interface{} `json:"metadata"`
	UserID    string                 `json:"user_id"`
	IPAddress string                 `json:"ip_address"`
	UserAgent string                 `json:"user_agent"`
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event JSON: "+err.Error())
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = clientIP(r)
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}

	id, err := s.deps.Ingestor.LogSecurityEvent(r.Context(), req.EventType, req.Metadata, req.UserID, req.IPAddress, req.UserAgent)
	if err != nil {
		if errors.Is(err, core.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "event ingestion failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "accepted",
		"event_id": id,
	})
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	events := s.deps.Ingestor.RecentEvents(queryInt(r, "limit", 100))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  len(events),
	})
}

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	var req audit.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid audit JSON: "+err.Error())
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = clientIP(r)
	}

	entry, err := s.deps.Audit.Log(r.Context(), req)
	if err != nil {
		// Audit failures are the caller's problem: the operation that
		// needed this record must not proceed as if it were written.
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleAuditSearch(w http.ResponseWriter, r *http.Request) {
	criteria, err := criteriaFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.deps.Audit.Search(r.Context(), criteria)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "audit search failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	format, ok := audit.ParseExportFormat(r.URL.Query().Get("format"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown export format, use json, csv, xml, or syslog")
		return
	}
	criteria, err := criteriaFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if criteria.Limit <= 0 {
		criteria.Limit = 10000
	}

	result, err := s.deps.Audit.Search(r.Context(), criteria)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "audit export failed")
		return
	}
	data, err := audit.Export(result.Entries, format)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "audit export failed")
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func criteriaFromQuery(r *http.Request) (audit.Criteria, error) {
	q := r.URL.Query()
	c := audit.Criteria{
		UserID:         q.Get("user_id"),
		IPAddress:      q.Get("ip_address"),
		Action:         q.Get("action"),
		Resource:       q.Get("resource"),
		Outcome:        audit.Outcome(q.Get("outcome")),
		Category:       audit.Category(q.Get("category")),
		Severity:       q.Get("severity"),
		CorrelationID:  q.Get("correlation_id"),
		MinRiskScore:   queryInt(r, "min_risk", 0),
		MaxRiskScore:   queryInt(r, "max_risk", 0),
		ComplianceFlag: audit.ComplianceFlag(q.Get("compliance_flag")),
		Limit:          queryInt(r, "limit", 0),
		Offset:         queryInt(r, "offset", 0),
	}
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return c, errors.New("start must be RFC3339")
		}
		c.Start = t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return c, errors.New("end must be RFC3339")
		}
		c.End = t
	}
	return c, nil
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.deps.Alerts.List(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing alerts failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"total":  len(alerts),
	})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.deps.Alerts.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

type alertPatch struct {
	Status     *string `json:"status"`
	AssignedTo *string `json:"assigned_to"`
	Note       *string `json:"note"`
}

func (s *Server) handlePatchAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var patch alertPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	var alert *core.SecurityAlert
	var err error
	if patch.Status != nil {
		status, ok := core.ParseAlertStatus(*patch.Status)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid status, use OPEN, INVESTIGATING, RESOLVED, or FALSE_POSITIVE")
			return
		}
		alert, err = s.deps.Alerts.SetStatus(r.Context(), id, status)
		if err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
	}
	if patch.AssignedTo != nil {
		alert, err = s.deps.Alerts.Assign(r.Context(), id, *patch.AssignedTo)
		if err != nil {
			writeError(w, http.StatusNotFound, "alert not found")
			return
		}
	}
	if patch.Note != nil {
		alert, err = s.deps.Alerts.AddNote(r.Context(), id, *patch.Note)
		if err != nil {
			writeError(w, http.StatusNotFound, "alert not found")
			return
		}
	}
	if alert == nil {
		writeError(w, http.StatusBadRequest, "patch must set status, assigned_to, or note")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleBlockedIP(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ip":      ip,
		"blocked": s.deps.Responses.IsIPBlocked(r.Context(), ip),
	})
}

func (s *Server) handleLockedAccount(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": user,
		"locked":  s.deps.Responses.IsAccountLocked(r.Context(), user),
	})
}

func (s *Server) handleRateLimitRemaining(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	remaining, err := s.deps.Limiter.GetRemaining(r.Context(), vars["provider"], vars["user"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rate limit lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider":  vars["provider"],
		"user_id":   vars["user"],
		"remaining": remaining,
	})
}

func (s *Server) handleMetricsSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Metrics.SnapshotWith(s.deps.Responses))
}

func (s *Server) handleListRules(w http.ResponseWriter, _ *http.Request) {
	rules := s.deps.Rules.All()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": rules,
		"total": len(rules),
	})
}

func (s *Server) handleRuleToggle(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if !s.deps.Rules.SetEnabled(id, enable) {
			writeError(w, http.StatusNotFound, "rule not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"rule":    id,
			"enabled": enable,
		})
	}
}

func (s *Server) handleNotifyDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notifier == nil {
		writeError(w, http.StatusNotFound, "webhook notifications not configured")
		return
	}
	letters := s.deps.Notifier.DeadLetters(queryInt(r, "limit", 100))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dead_letters": letters,
		"total":        len(letters),
	})
}

func (s *Server) handleNotifyStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Notifier == nil {
		writeError(w, http.StatusNotFound, "webhook notifications not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Notifier.Stats())
}

func queryInt(r *http.Request, name string, fallback int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}

func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
