package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEntry represents a single audit log entry for an MCP tool invocation.
// It captures metadata about the call without including sensitive content.
type AuditEntry struct {
	Timestamp  time.Time         `json:"timestamp"`
	Tool       string            `json:"tool"`
	DurationMs int64             `json:"duration_ms"`
	Status     string            `json:"status"` // "success" or "error"
	Error      string            `json:"error,omitempty"`
	Params     map[string]string `json:"params,omitempty"` // sanitized metadata only
}

// AuditLogger appends JSONL entries to audit.jsonl under the data directory.
// It is safe for concurrent use. A nil AuditLogger is safe to use; all
// methods are no-ops on nil receiver.
type AuditLogger struct {
	mu   sync.Mutex
	file *os.File
}

// NewAuditLogger creates an audit logger writing to dataDir/audit.jsonl.
// If the file cannot be created, a warning is printed to stderr and nil is
// returned (non-fatal; the caller-visible methods tolerate nil).
func NewAuditLogger(dataDir string) *AuditLogger {
	path := filepath.Join(dataDir, "audit.jsonl")

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot create audit log directory %s: %v\n", dataDir, err)
		return nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot open audit log %s: %v\n", path, err)
		return nil
	}

	return &AuditLogger{file: f}
}

// Log appends a JSON-encoded entry as a single line. Safe to call on nil.
func (a *AuditLogger) Log(entry AuditEntry) {
	if a == nil || a.file == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return // silently skip malformed entries
	}

	data = append(data, '\n')
	_, _ = a.file.Write(data)
}

// Close closes the underlying file. Safe to call on nil receiver.
func (a *AuditLogger) Close() error {
	if a == nil || a.file == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	return a.file.Close()
}

// sanitizeToolParams extracts safe metadata from tool parameters.
// It returns key names and non-sensitive value summaries, never content.
//
// Parameters are classified into three categories:
//   - Safe-value params: both key and value are safe to log (e.g., "scale", "prior")
//   - Presence-only params: key is logged but value is replaced with "(set)"
//   - Unknown params: not logged at all
//
// A "_param_count" key is always included to indicate how many params were provided.
func sanitizeToolParams(params map[string]interface{}) map[string]string {
	if params == nil {
		return nil
	}

	result := make(map[string]string)

	// Safe parameter names whose VALUES are safe to log
	safeValueParams := map[string]bool{
		"scale":            true,
		"prior":            true,
		"renormalize":      true,
		"type":             true,
		"reliability":      true,
		"likelihood_ratio": true,
		"relevance":        true,
		"iterations":       true,
		"seed":             true,
		"threshold":        true,
		"group_field":      true,
		"entity_field":     true,
	}

	// Parameters whose existence is safe to log but whose values may name
	// case subjects, file paths, or other sensitive content.
	presenceOnlyParams := map[string]bool{
		"name":        true,
		"label":       true,
		"description": true,
		"path":        true,
		"source_id":   true,
	}

	for key, val := range params {
		if safeValueParams[key] {
			result[key] = fmt.Sprintf("%v", val)
		} else if presenceOnlyParams[key] {
			result[key] = "(set)"
		}
		// Other params are not logged at all
	}

	// Always log param count for audit visibility
	result["_param_count"] = fmt.Sprintf("%d", len(params))

	return result
}

// auditTool logs a tool invocation to the audit log.
func (s *Server) auditTool(toolName string, start time.Time, err error, params map[string]string) {
	status := "success"
	errMsg := ""
	if err != nil {
		status = "error"
		errMsg = err.Error()
	}

	s.audit.Log(AuditEntry{
		Timestamp:  start,
		Tool:       toolName,
		DurationMs: time.Since(start).Milliseconds(),
		Status:     status,
		Error:      errMsg,
		Params:     params,
	})
}
