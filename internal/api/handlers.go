package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/raaihank/record-sentinel/internal/audit"
	"github.com/raaihank/record-sentinel/internal/privacy"
	"github.com/raaihank/record-sentinel/internal/tenant"
	"github.com/raaihank/record-sentinel/internal/websocket"
	"go.uber.org/zap"
)

// Version is reported by /info
const Version = "0.1.0"

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return false
	}
	return true
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":          "record-sentinel",
		"version":       Version,
		"uptime":        time.Since(s.startedAt).Round(time.Second).String(),
		"tenants":       s.tenants.Tenants(),
		"vault_enabled": s.vault != nil,
		"audit_enabled": s.audit != nil,
		"rate_limited":  s.limiter != nil,
		"pii_types":     privacy.AllPIITypes,
		"formula_funcs": s.evaluator.Functions().Names(),
	})
}

// policyFor resolves the tenant policy or writes the error response
func (s *Server) policyFor(w http.ResponseWriter, r *http.Request) (string, *privacy.Policy, bool) {
	tenantID := mux.Vars(r)["tenantID"]
	p, err := s.tenants.Policy(tenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrUnknownTenant) {
			writeError(w, http.StatusNotFound, "unknown_tenant", "no policy for tenant")
			return "", nil, false
		}
		s.requestLogger(r).Error("Failed to resolve tenant policy", zap.String("tenant_id", tenantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to resolve policy")
		return "", nil, false
	}
	return tenantID, p, true
}

// detectRequest carries either text or a record
type detectRequest struct {
	Text   *string        `json:"text,omitempty"`
	Record map[string]any `json:"record,omitempty"`
}

func (req detectRequest) validate() error {
	if (req.Text == nil) == (req.Record == nil) {
		return errors.New("exactly one of text or record is required")
	}
	return nil
}

func (req detectRequest) source() string {
	if req.Text != nil {
		return "text"
	}
	return "record"
}

func (s *Server) detect(req detectRequest, p *privacy.Policy) privacy.DetectionResult {
	if req.Text != nil {
		return s.detector.DetectText(*req.Text, p)
	}
	return s.detector.DetectRecord(req.Record, p)
}

type detectResponse struct {
	TenantID   string                    `json:"tenantId"`
	Result     privacy.DetectionResult   `json:"result"`
	Compliance *privacy.ComplianceReport `json:"compliance,omitempty"`
}

// handleDetect scans text or a record with the tenant policy
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	tenantID, p, ok := s.policyFor(w, r)
	if !ok {
		return
	}
	var req detectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	start := time.Now()
	result := s.detect(req, p)
	s.broadcast(websocket.NewDetectionEvent(tenantID, getRequestID(r.Context()), req.source(), result, time.Since(start)))

	resp := detectResponse{TenantID: tenantID, Result: result}
	if req.Record != nil {
		report := privacy.CheckCompliance(result, p)
		resp.Compliance = &report
	}
	writeJSON(w, http.StatusOK, resp)
}

type redactRequest struct {
	detectRequest
	RecordID string                   `json:"recordId,omitempty"`
	Options  privacy.RedactionOptions `json:"options"`
}

type redactResponse struct {
	TenantID   string              `json:"tenantId"`
	Redacted   interface{}         `json:"redacted"`
	Original   interface{}         `json:"original,omitempty"`
	Redactions []privacy.Redaction `json:"redactions"`
	AuditInfo  privacy.AuditInfo   `json:"auditInfo"`
	// Mapping is returned only when no vault is configured
	Mapping    map[string]string         `json:"reversibleMapping,omitempty"`
	Vaulted    int                       `json:"vaultedTokens,omitempty"`
	AuditID    string                    `json:"auditId,omitempty"`
	Compliance *privacy.ComplianceReport `json:"compliance,omitempty"`
}

// handleRedact detects and redacts, storing reversible tokens in the vault
// and the result in the audit store when they are configured
func (s *Server) handleRedact(w http.ResponseWriter, r *http.Request) {
	tenantID, p, ok := s.policyFor(w, r)
	if !ok {
		return
	}
	var req redactRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	log := s.requestLogger(r).WithTenant(tenantID)
	opts := req.Options
	opts.PseudonymSeed = s.config.Privacy.PseudonymSeed

	start := time.Now()
	detections := s.detect(req.detectRequest, p)
	s.broadcast(websocket.NewDetectionEvent(tenantID, getRequestID(r.Context()), req.source(), detections, time.Since(start)))

	resp := redactResponse{TenantID: tenantID}
	var (
		entry   *audit.Entry
		mapping map[string]string
		err     error
	)
	if req.Text != nil {
		result := s.redactor.Redact(*req.Text, detections, p, opts)
		resp.Redacted, resp.Redactions, resp.AuditInfo = result.Redacted, result.Redactions, result.AuditInfo
		if opts.PreserveForAudit {
			resp.Original = result.Original
		}
		mapping = result.ReversibleMapping
		if s.audit != nil {
			entry, err = audit.NewEntry(tenantID, req.RecordID, &result)
		}
	} else {
		result := s.redactor.RedactRecord(req.Record, detections, p, opts)
		resp.Redacted, resp.Redactions, resp.AuditInfo = result.Redacted, result.Redactions, result.AuditInfo
		if opts.PreserveForAudit {
			resp.Original = result.Original
		}
		mapping = result.ReversibleMapping
		if s.audit != nil {
			entry, err = audit.NewRecordEntry(tenantID, req.RecordID, &result)
		}
		report := privacy.CheckCompliance(detections, p)
		resp.Compliance = &report
	}
	if err != nil {
		log.Error("Failed to build audit entry", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "audit_failed", "failed to build audit entry")
		return
	}

	if len(mapping) > 0 {
		if s.vault != nil {
			if err := s.vault.Store(r.Context(), tenantID, mapping, p.Retention()); err != nil {
				log.Error("Failed to store reversible tokens", zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, "vault_unavailable", "failed to store reversible tokens")
				return
			}
			resp.Vaulted = len(mapping)
		} else {
			resp.Mapping = mapping
		}
	}

	if entry != nil {
		if err := s.audit.Insert(r.Context(), entry); err != nil {
			log.Error("Failed to write audit entry", zap.Error(err))
			if p.Config().ComplianceConfig.RequireAuditTrail {
				writeError(w, http.StatusServiceUnavailable, "audit_unavailable", "audit trail is required but could not be written")
				return
			}
		} else {
			resp.AuditID = entry.ID.String()
		}
	}

	if !opts.PreserveForAudit {
		resp.Redactions = withoutOriginals(resp.Redactions)
	}
	s.broadcast(websocket.NewRedactionEvent(tenantID, getRequestID(r.Context()), resp.Redactions, resp.AuditInfo, len(mapping)))
	log.LogDetectionSummary(detections.TotalCount, countByType(detections))
	writeJSON(w, http.StatusOK, resp)
}

// withoutOriginals returns a copy of redactions with original values cleared
func withoutOriginals(redactions []privacy.Redaction) []privacy.Redaction {
	out := make([]privacy.Redaction, len(redactions))
	for i, r := range redactions {
		r.OriginalValue = ""
		out[i] = r
	}
	return out
}

func countByType(result privacy.DetectionResult) map[string]int {
	out := make(map[string]int, len(result.ByType))
	for t, n := range result.ByType {
		out[string(t)] = n
	}
	return out
}

type detokenizeRequest struct {
	Text string `json:"text"`
}

type detokenizeResponse struct {
	Text    string `json:"text"`
	Missing int    `json:"missing"`
}

// handleDetokenize restores vaulted tokens in text
func (s *Server) handleDetokenize(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]
	if s.vault == nil {
		writeError(w, http.StatusNotImplemented, "vault_disabled", "token vault is not configured")
		return
	}
	var req detokenizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	text, missing, err := s.vault.Restore(r.Context(), tenantID, req.Text)
	if err != nil {
		s.requestLogger(r).Error("Failed to restore tokens", zap.String("tenant_id", tenantID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "vault_unavailable", "failed to restore tokens")
		return
	}

	s.requestLogger(r).Info("Tokens restored",
		zap.String("tenant_id", tenantID),
		zap.Int("missing", missing))
	writeJSON(w, http.StatusOK, detokenizeResponse{Text: text, Missing: missing})
}

// handleGetPolicy returns the tenant's effective detection config
func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	_, p, ok := s.policyFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p.Config())
}

// handlePutPolicy compiles and installs a tenant's detection config
func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]
	var cfg privacy.DetectionConfig
	if !decodeJSON(w, r, &cfg) {
		return
	}
	cfg.TenantID = tenantID

	p, err := s.tenants.Update(cfg)
	if err != nil {
		var cfgErr *privacy.ConfigError
		if errors.As(err, &cfgErr) {
			writeError(w, http.StatusBadRequest, "invalid_config", err.Error())
			return
		}
		s.requestLogger(r).Error("Failed to update tenant policy", zap.String("tenant_id", tenantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update policy")
		return
	}
	writeJSON(w, http.StatusOK, p.Config())
}
