package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for the sentinel
var (
	// sentinel_pii_detections_total{type=email|phone|...}
	DetectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_pii_detections_total",
		Help: "Number of PII spans detected, by PII type",
	}, []string{"type"})

	// sentinel_redactions_total{strategy=masking|tokenization|...}
	RedactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_redactions_total",
		Help: "Number of spans redacted, by strategy or bypass method",
	}, []string{"strategy"})

	// sentinel_matcher_failures_total{matcher=...}
	MatcherFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_matcher_failures_total",
		Help: "Matchers skipped for a scan after an internal failure",
	}, []string{"matcher"})

	// sentinel_formula_evaluations_total{source=self|related|...,outcome=ok|error}
	FormulaEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_formula_evaluations_total",
		Help: "Computed field evaluations, by source and outcome",
	}, []string{"source", "outcome"})

	// sentinel_http_request_duration_seconds{route,method,status}
	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sentinel_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method", "status"})

	// sentinel_rate_limited_total
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_rate_limited_total",
		Help: "Requests rejected by the per-client rate limiter",
	})

	// sentinel_vault_operations_total{op=store|detokenize|restore,outcome=ok|miss|error}
	VaultOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_vault_operations_total",
		Help: "Token vault operations, by operation and outcome",
	}, []string{"op", "outcome"})

	// sentinel_etl_records_total{outcome=ok|failed|skipped}
	ETLRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_etl_records_total",
		Help: "Dataset records handled by the batch pipeline",
	}, []string{"outcome"})

	// sentinel_websocket_clients
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_websocket_clients",
		Help: "Currently connected websocket clients",
	})

	// sentinel_tenant_policies{state=active}
	TenantPolicies = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_tenant_policies",
		Help: "Compiled tenant policies currently loaded",
	})
)

// RecordDetection adds n detections of the given PII type
func RecordDetection(piiType string, n int) {
	if n <= 0 {
		return
	}
	DetectionsTotal.WithLabelValues(piiType).Add(float64(n))
}

// RecordRedaction increments the redaction counter
func RecordRedaction(strategy string) {
	RedactionsTotal.WithLabelValues(strategy).Inc()
}

// RecordMatcherFailure increments the failure counter for a matcher
func RecordMatcherFailure(matcher string) {
	MatcherFailures.WithLabelValues(matcher).Inc()
}

// RecordFormulaEvaluation records a computed field evaluation
func RecordFormulaEvaluation(source string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	FormulaEvaluations.WithLabelValues(source, outcome).Inc()
}

// RecordHTTPRequest observes a request's latency
func RecordHTTPRequest(route, method string, status int, elapsed time.Duration) {
	HTTPLatency.WithLabelValues(route, method, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// RecordRateLimited increments the rate limit rejection counter
func RecordRateLimited() {
	RateLimited.Inc()
}

// RecordVaultOperation increments the vault operation counter
func RecordVaultOperation(op, outcome string) {
	VaultOperations.WithLabelValues(op, outcome).Inc()
}

// RecordETLRecords adds n records with the given outcome
func RecordETLRecords(outcome string, n int) {
	ETLRecords.WithLabelValues(outcome).Add(float64(n))
}

// SetWebSocketClients sets the connected client gauge
func SetWebSocketClients(n int) {
	WebSocketClients.Set(float64(n))
}

// SetTenantPolicies sets the loaded tenant policy gauge
func SetTenantPolicies(n int) {
	TenantPolicies.Set(float64(n))
}
