package websocket

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raaihank/record-sentinel/internal/privacy"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeDetection is sent after a detect or redact call found PII
	EventTypeDetection EventType = "pii_detection"
	// EventTypeRedaction is sent after a redaction was applied
	EventTypeRedaction EventType = "redaction"
	// EventTypeConfigReload is sent after tenant policies were reloaded
	EventTypeConfigReload EventType = "config_reload"
	// EventTypeSystemStatus represents a system status event
	EventTypeSystemStatus EventType = "system_status"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	TenantID  string      `json:"tenant_id,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Data      interface{} `json:"data"`
}

// DetectionEvent summarises a scan. It never carries matched values.
type DetectionEvent struct {
	Source          string         `json:"source"` // "text" or "record"
	TotalDetections int            `json:"total_detections"`
	ByType          map[string]int `json:"by_type"`
	Fields          []string       `json:"fields,omitempty"`
	ProcessingMS    float64        `json:"processing_ms"`
}

// RedactionEvent summarises a redaction
type RedactionEvent struct {
	Redactions       int            `json:"redactions"`
	ByStrategy       map[string]int `json:"by_strategy"`
	Reversible       int            `json:"reversible_tokens"`
	PreserveForAudit bool           `json:"preserve_for_audit"`
	RedactedBy       string         `json:"redacted_by,omitempty"`
}

// ConfigReloadEvent reports the outcome of a policy reload
type ConfigReloadEvent struct {
	Tenants int      `json:"tenants"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// SystemStatusEvent represents system status information
type SystemStatusEvent struct {
	Status           string `json:"status"`
	Uptime           string `json:"uptime"`
	Tenants          int    `json:"tenants"`
	ConnectedClients int    `json:"connected_clients"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action    string `json:"action"` // "connected", "disconnected"
	ClientID  string `json:"client_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string               `json:"type"`
	Data *SubscriptionRequest `json:"data,omitempty"`
}

// SubscriptionRequest represents a client subscription request
type SubscriptionRequest struct {
	Events []EventType  `json:"events"`
	Filter *EventFilter `json:"filter,omitempty"`
}

// EventFilter narrows the events a client receives. Empty lists match everything.
type EventFilter struct {
	TenantIDs []string `json:"tenant_ids,omitempty"`
	PIITypes  []string `json:"pii_types,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID          string
	Conn        *websocket.Conn
	Send        chan Event
	ConnectedAt time.Time
	IP          string
	UserAgent   string

	mu           sync.RWMutex
	subscription *SubscriptionRequest
	lastPing     time.Time
}

// Subscribe replaces the client's subscription
func (c *Client) Subscribe(sub *SubscriptionRequest) {
	c.mu.Lock()
	c.subscription = sub
	c.mu.Unlock()
}

func (c *Client) currentSubscription() *SubscriptionRequest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscription
}

// LastPing returns when the client last answered a ping
func (c *Client) LastPing() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPing
}

func (c *Client) touch(t time.Time) {
	c.mu.Lock()
	c.lastPing = t
	c.mu.Unlock()
}

// NewDetectionEvent builds a detection event from a detection result
func NewDetectionEvent(tenantID, requestID, source string, result privacy.DetectionResult, elapsed time.Duration) Event {
	byType := make(map[string]int, len(result.ByType))
	for t, n := range result.ByType {
		byType[string(t)] = n
	}

	seen := make(map[string]bool)
	var fields []string
	for _, d := range result.Detected {
		if d.FieldPath != "" && !seen[d.FieldPath] {
			seen[d.FieldPath] = true
			fields = append(fields, d.FieldPath)
		}
	}
	sort.Strings(fields)

	return Event{
		Type:      EventTypeDetection,
		Timestamp: time.Now(),
		TenantID:  tenantID,
		RequestID: requestID,
		Data: DetectionEvent{
			Source:          source,
			TotalDetections: result.TotalCount,
			ByType:          byType,
			Fields:          fields,
			ProcessingMS:    float64(elapsed.Microseconds()) / 1000,
		},
	}
}

// NewRedactionEvent builds a redaction event
func NewRedactionEvent(tenantID, requestID string, redactions []privacy.Redaction, info privacy.AuditInfo, reversible int) Event {
	byStrategy := make(map[string]int)
	for _, r := range redactions {
		byStrategy[r.Method]++
	}
	return Event{
		Type:      EventTypeRedaction,
		Timestamp: time.Now(),
		TenantID:  tenantID,
		RequestID: requestID,
		Data: RedactionEvent{
			Redactions:       len(redactions),
			ByStrategy:       byStrategy,
			Reversible:       reversible,
			PreserveForAudit: info.PreserveForAudit,
			RedactedBy:       info.RedactedBy,
		},
	}
}

// NewConfigReloadEvent builds a config reload event
func NewConfigReloadEvent(tenants int, err error) Event {
	data := ConfigReloadEvent{Tenants: tenants}
	if err != nil {
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				data.Errors = append(data.Errors, e.Error())
			}
		} else {
			data.Errors = []string{err.Error()}
		}
		data.Failed = len(data.Errors)
	}
	return Event{
		Type:      EventTypeConfigReload,
		Timestamp: time.Now(),
		Data:      data,
	}
}
