// Package event defines the telemetry record produced by instrumentation and
// the batch envelope handed to a deliverer.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// SDKVersion is reported to the collector with every batch.
const SDKVersion = "go-0.3.0"

// UnknownOperation is the operation name used when extraction fails upstream.
const UnknownOperation = "unknown"

// Protocol tags the kind of agent endpoint that produced a record.
type Protocol string

const (
	ProtocolNone Protocol = ""
	ProtocolMCP  Protocol = "mcp"
	ProtocolA2A  Protocol = "a2a"
)

// ParseProtocol accepts "", "none", "mcp" and "a2a".
func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case "", "none":
		return ProtocolNone, nil
	case "mcp":
		return ProtocolMCP, nil
	case "a2a":
		return ProtocolA2A, nil
	default:
		return ProtocolNone, fmt.Errorf("event.ParseProtocol: unknown protocol %q", s)
	}
}

// String returns "none" for the untagged protocol.
func (p Protocol) String() string {
	if p == ProtocolNone {
		return "none"
	}
	return string(p)
}

// Record is a single request log entry. A Record is treated as immutable once
// it has been handed to a transport; the queue and deliverers only copy it.
type Record struct {
	RequestID string
	AgentID   string
	Protocol  Protocol
	Operation string // tool name / skill id / path segment
	Method    string
	Path      string

	StatusCode int
	ErrorCode  string
	Duration   time.Duration
	Timestamp  time.Time

	Metadata Metadata

	RequestBody      string
	RequestBodySize  int
	ResponseBody     string
	ResponseBodySize int
	Headers          map[string]string
	IPAddress        string
}

// Success reports whether the recorded request completed without an error.
func (r Record) Success() bool {
	return r.ErrorCode == "" && r.StatusCode > 0 && r.StatusCode < 400
}

// wireRecord is the JSON shape the collector expects.
type wireRecord struct {
	RequestID        string            `json:"requestId"`
	AgentID          string            `json:"agentId"`
	Protocol         Protocol          `json:"protocol,omitempty"`
	ToolName         string            `json:"toolName"`
	Method           string            `json:"method,omitempty"`
	Path             string            `json:"path,omitempty"`
	StatusCode       int               `json:"statusCode"`
	ErrorCode        string            `json:"errorCode,omitempty"`
	ResponseMs       float64           `json:"responseMs"`
	Timestamp        string            `json:"timestamp"`
	Metadata         Metadata          `json:"metadata,omitempty"`
	RequestBody      string            `json:"requestBody,omitempty"`
	RequestBodySize  int               `json:"requestBodySize"`
	ResponseBody     string            `json:"responseBody,omitempty"`
	ResponseBodySize int               `json:"responseBodySize"`
	Headers          map[string]string `json:"headers,omitempty"`
	IPAddress        string            `json:"ipAddress,omitempty"`
	Source           string            `json:"source"`
}

// MarshalJSON encodes the record in the collector wire format.
func (r Record) MarshalJSON() ([]byte, error) {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return json.Marshal(wireRecord{
		RequestID:        r.RequestID,
		AgentID:          r.AgentID,
		Protocol:         r.Protocol,
		ToolName:         r.Operation,
		Method:           r.Method,
		Path:             r.Path,
		StatusCode:       r.StatusCode,
		ErrorCode:        r.ErrorCode,
		ResponseMs:       float64(r.Duration) / float64(time.Millisecond),
		Timestamp:        ts.UTC().Format(time.RFC3339Nano),
		Metadata:         r.Metadata,
		RequestBody:      r.RequestBody,
		RequestBodySize:  r.RequestBodySize,
		ResponseBody:     r.ResponseBody,
		ResponseBodySize: r.ResponseBodySize,
		Headers:          r.Headers,
		IPAddress:        r.IPAddress,
		Source:           "sdk",
	})
}

// UnmarshalJSON decodes the collector wire format.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	proto, err := ParseProtocol(string(w.Protocol))
	if err != nil {
		return err
	}
	var ts time.Time
	if w.Timestamp != "" {
		ts, err = time.Parse(time.RFC3339Nano, w.Timestamp)
		if err != nil {
			return fmt.Errorf("event.Record: timestamp: %w", err)
		}
	}
	*r = Record{
		RequestID:        w.RequestID,
		AgentID:          w.AgentID,
		Protocol:         proto,
		Operation:        w.ToolName,
		Method:           w.Method,
		Path:             w.Path,
		StatusCode:       w.StatusCode,
		ErrorCode:        w.ErrorCode,
		Duration:         time.Duration(w.ResponseMs * float64(time.Millisecond)),
		Timestamp:        ts,
		Metadata:         w.Metadata,
		RequestBody:      w.RequestBody,
		RequestBodySize:  w.RequestBodySize,
		ResponseBody:     w.ResponseBody,
		ResponseBodySize: w.ResponseBodySize,
		Headers:          w.Headers,
		IPAddress:        w.IPAddress,
	}
	return nil
}
