// Package debug captures request/response bodies for a single
// Interceptor.Do call when debug dumping is enabled, so a failed (or,
// in full mode, any) upstream exchange can be inspected after the
// fact without re-running the request.
package debug

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultDumpDir is the default directory for debug dumps.
const DefaultDumpDir = "/tmp/anthropic-accounts-debug"

// Dumper handles request/response dumping for debugging.
// Directory structure:
//   - {baseDir}/success/{requestID}/ - successful requests (only when full mode is enabled)
//   - {baseDir}/errors/{requestID}/  - failed requests (enabled by default)
type Dumper struct {
	enabled         bool // full debug mode: save every request, success or failure
	errorDumpAlways bool // error-only mode: save only failed requests (default true)
	baseDir         string
}

// Metadata is the per-request summary written alongside the dumped bodies.
type Metadata struct {
	RequestID     string    `json:"request_id"`
	AccountID     string    `json:"account_id,omitempty"`
	TriedAccounts []string  `json:"tried_accounts,omitempty"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time,omitempty"`
	StatusCode    int       `json:"status_code,omitempty"`
	Error         string    `json:"error,omitempty"`
	Success       bool      `json:"success"`
}

// Session represents a debug session for a single request.
type Session struct {
	dumper    *Dumper
	requestID string
	dir       string

	mu       sync.Mutex
	metadata *Metadata
	closed   bool
}

// NewDumper creates a Dumper. enabled turns on full (success + error)
// dumping; errorDumpAlways (typically left true) keeps failed-request
// dumps on even when enabled is false. baseDir defaults to
// DefaultDumpDir when empty.
func NewDumper(enabled, errorDumpAlways bool, baseDir string) *Dumper {
	if baseDir == "" {
		baseDir = DefaultDumpDir
	}
	if enabled || errorDumpAlways {
		_ = os.MkdirAll(filepath.Join(baseDir, "success"), 0755)
		_ = os.MkdirAll(filepath.Join(baseDir, "errors"), 0755)
	}
	return &Dumper{enabled: enabled, errorDumpAlways: errorDumpAlways, baseDir: baseDir}
}

// NewSession starts a debug session for requestID. Returns nil when
// both full and error dumping are disabled, so every Session method
// is a safe no-op on a nil receiver and callers never need a feature
// check at the call site.
func (d *Dumper) NewSession(requestID string) *Session {
	if d == nil || (!d.enabled && !d.errorDumpAlways) {
		return nil
	}
	dir := filepath.Join(d.baseDir, "temp", requestID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil
	}
	return &Session{
		dumper:    d,
		requestID: requestID,
		dir:       dir,
		metadata:  &Metadata{RequestID: requestID, StartTime: time.Now()},
	}
}

// SetAccountID records which account ultimately served (or last
// attempted) the request.
func (s *Session) SetAccountID(id string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata.AccountID = id
}

// AddTriedAccount appends to the list of accounts this request attempted.
func (s *Session) AddTriedAccount(id string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata.TriedAccounts = append(s.metadata.TriedAccounts, id)
}

// SetStatusCode records the final upstream status code.
func (s *Session) SetStatusCode(code int) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata.StatusCode = code
}

// DumpRequest writes the outgoing request body to request.json.
func (s *Session) DumpRequest(body []byte) {
	if s == nil {
		return
	}
	s.writeFile("request.json", body)
}

// DumpResponse writes the upstream response body to response.json.
func (s *Session) DumpResponse(body []byte) {
	if s == nil {
		return
	}
	s.writeFile("response.json", body)
}

func (s *Session) writeFile(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	_ = os.WriteFile(filepath.Join(s.dir, name), data, 0644)
}

// Success marks the session as successful. In full mode the session
// directory is preserved under success/; otherwise it is discarded.
func (s *Session) Success() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.metadata.EndTime = time.Now()
	s.metadata.Success = true

	if s.dumper.enabled {
		s.writeMetadataLocked()
		_ = os.Rename(s.dir, filepath.Join(s.dumper.baseDir, "success", s.requestID))
	} else {
		_ = os.RemoveAll(s.dir)
	}
}

// Fail marks the session as failed and preserves it under errors/.
func (s *Session) Fail(err error) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.metadata.EndTime = time.Now()
	s.metadata.Success = false
	if err != nil {
		s.metadata.Error = err.Error()
	}
	s.writeMetadataLocked()
	_ = os.Rename(s.dir, filepath.Join(s.dumper.baseDir, "errors", s.requestID))
}

func (s *Session) writeMetadataLocked() {
	data, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(s.dir, "metadata.json"), data, 0644)
}

// Close treats an unfinished session (neither Success nor Fail was
// called) as a failure, so a panic or early return never silently
// drops the temp directory.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.Fail(fmt.Errorf("debug: session closed without explicit success or failure"))
}
