package middleware

import (
	"encoding/json"
	"strings"

	"github.com/gt8004/gt8004/pkg/event"
)

// BodyLimit is the largest request or response body copied into a record.
const BodyLimit = 16384

// ExtractMCPToolName returns params.name of a JSON-RPC tools/call request, or
// "" for anything else.
func ExtractMCPToolName(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var req struct {
		Method string `json:"method"`
		Params struct {
			Name string `json:"name"`
		} `json:"params"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return ""
	}
	if req.Method != "tools/call" {
		return ""
	}
	return req.Params.Name
}

// ExtractA2AToolName returns the body's skill_id, falling back to the last
// path segment.
func ExtractA2AToolName(body []byte, path string) string {
	if len(body) > 0 {
		var req struct {
			SkillID string `json:"skill_id"`
		}
		if err := json.Unmarshal(body, &req); err == nil && req.SkillID != "" {
			return req.SkillID
		}
	}
	return ExtractHTTPToolName(path)
}

// ExtractHTTPToolName returns the last segment of path, ignoring a trailing
// slash. The root path yields "".
func ExtractHTTPToolName(path string) string {
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// ExtractToolName dispatches on protocol. Untagged records use the HTTP path.
func ExtractToolName(protocol event.Protocol, body []byte, path string) string {
	switch protocol {
	case event.ProtocolMCP:
		return ExtractMCPToolName(body)
	case event.ProtocolA2A:
		return ExtractA2AToolName(body, path)
	default:
		return ExtractHTTPToolName(path)
	}
}
