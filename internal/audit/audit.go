// Package audit appends HMAC-signed security events to a JSONL file.
//
// Each line carries a signature over its timestamp, action, actor, resource,
// and result so tampering is detectable after the fact. Recording never
// fails the audited operation: a line that cannot be written is logged
// through the sink's logger and dropped.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"neuron/internal/agent/ports"
	"neuron/internal/errors"
	"neuron/internal/jsonx"
	"neuron/internal/logging"
)

// record is the serialized form of one event. Timestamp stays a string so
// verification recomputes the signature over the exact text that was signed.
type record struct {
	Category  ports.AuditCategory `json:"category"`
	Actor     string              `json:"actor"`
	Action    string              `json:"action"`
	Resource  string              `json:"resource"`
	Result    string              `json:"result"`
	Timestamp string              `json:"timestamp"`
	Details   map[string]any      `json:"details,omitempty"`
	Signature string              `json:"signature"`
}

// Sink appends signed events to an audit log file.
type Sink struct {
	mu     sync.Mutex
	file   *os.File
	secret []byte
	logger logging.Logger
}

var _ ports.AuditSink = (*Sink)(nil)

// Open creates or appends to the audit log at path. secret signs every
// line; an empty secret still yields verifiable lines but anyone can forge
// them, so Open warns about it once.
func Open(path string, secret []byte, logger logging.Logger) (*Sink, error) {
	logger = logging.OrNop(logger)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	if len(secret) == 0 {
		logger.Warn("audit sink opened without a signing secret")
	}
	return &Sink{file: file, secret: secret, logger: logger}, nil
}

// Close releases the log file. Writes are unbuffered, so nothing is lost.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// Record appends one signed line. Events arriving without a timestamp are
// stamped at write time.
func (s *Sink) Record(_ context.Context, event ports.AuditEvent) {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	rec := record{
		Category:  event.Category,
		Actor:     event.Actor,
		Action:    event.Action,
		Resource:  event.Resource,
		Result:    event.Result,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Details:   event.Details,
	}
	rec.Signature = sign(s.secret, rec)

	data, err := jsonx.Marshal(rec)
	if err != nil {
		s.logger.Warn("audit line dropped, encode: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		s.logger.Warn("audit line dropped, write: %v", err)
	}
}

// sign computes the hex HMAC-SHA256 over the canonical field order. The
// signature covers the five core fields, not the free-form details.
func sign(secret []byte, rec record) string {
	canonical := strings.Join([]string{
		rec.Timestamp, rec.Action, rec.Actor, rec.Resource, rec.Result,
	}, "|")
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks one recorded line against secret. The signature comparison
// is constant time.
func Verify(secret, recorded []byte) error {
	var rec record
	if err := jsonx.Unmarshal(recorded, &rec); err != nil {
		return errors.NewValidationError("line", "malformed audit line: %v", err)
	}
	want := sign(secret, rec)
	if !hmac.Equal([]byte(want), []byte(rec.Signature)) {
		return errors.NewValidationError("signature", "audit signature mismatch")
	}
	return nil
}

// Fanout returns a sink that records to every given sink in order. Nil
// sinks are skipped so optional destinations wire in directly.
func Fanout(sinks ...ports.AuditSink) ports.AuditSink {
	kept := make([]ports.AuditSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink == nil {
			continue
		}
		kept = append(kept, sink)
	}
	return fanout(kept)
}

type fanout []ports.AuditSink

func (f fanout) Record(ctx context.Context, event ports.AuditEvent) {
	for _, sink := range f {
		sink.Record(ctx, event)
	}
}
