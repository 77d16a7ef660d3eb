package deliver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/gt8004/gt8004/pkg/event"
)

// Header names sent with every batch.
const (
	HeaderAgentID    = "X-GT8004-Agent-ID"
	HeaderBatchID    = "X-GT8004-Batch-ID"
	HeaderSDKVersion = "X-GT8004-SDK-Version"
)

// DefaultIngestPath is appended to the base URL when no ingest path is configured.
const DefaultIngestPath = "/v1/ingest"

// HTTPConfig configures an HTTPSender.
type HTTPConfig struct {
	BaseURL    string
	IngestPath string
	AgentID    string
	APIKey     string
	Compress   bool
	Timeout    time.Duration
	// Client overrides the HTTP client (for tests). Timeout is ignored when set.
	Client *http.Client
}

// HTTPSender POSTs batches as a JSON array to the collector ingest endpoint.
type HTTPSender struct {
	url      string
	agentID  string
	apiKey   string
	compress bool
	client   *http.Client
}

// NewHTTPSender creates a sender for cfg.
func NewHTTPSender(cfg HTTPConfig) *HTTPSender {
	path := cfg.IngestPath
	if path == "" {
		path = DefaultIngestPath
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPSender{
		url:      cfg.BaseURL + path,
		agentID:  cfg.AgentID,
		apiKey:   cfg.APIKey,
		compress: cfg.Compress,
		client:   client,
	}
}

// URL returns the ingest URL.
func (s *HTTPSender) URL() string {
	return s.url
}

// Name implements Sender.
func (s *HTTPSender) Name() string {
	return "http"
}

// Send implements Sender. The response body is read and discarded so the
// connection can be reused.
func (s *HTTPSender) Send(ctx context.Context, b event.Batch) (int, error) {
	body, err := EncodeBatch(b, s.compress)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("deliver.HTTPSender: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	req.Header.Set(HeaderAgentID, s.agentID)
	req.Header.Set(HeaderBatchID, b.ID)
	req.Header.Set(HeaderSDKVersion, event.SDKVersion)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("deliver.HTTPSender: post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return resp.StatusCode, nil
}

// Close releases idle connections.
func (s *HTTPSender) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// EncodeBatch renders b as the wire body, gzip-compressed when compress is set.
func EncodeBatch(b event.Batch, compress bool) ([]byte, error) {
	records := b.Records
	if records == nil {
		records = []event.Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("deliver.EncodeBatch: %w: %v", ErrMalformedPayload, err)
	}
	if !compress {
		return data, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("deliver.EncodeBatch: gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("deliver.EncodeBatch: gzip: %w", err)
	}
	return buf.Bytes(), nil
}
