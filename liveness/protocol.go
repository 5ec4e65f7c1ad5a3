// Package liveness implements the peer liveness boundary: a small
// request/response protocol carrying ping echoes and health reports over
// length-prefixed JSON frames.
package liveness

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (64 KB).
	MaxFrameSize = 64 * 1024
	// DefaultRequestTimeout bounds one dial plus request/response exchange.
	DefaultRequestTimeout = 5 * time.Second
)

const (
	TypePing         = "ping"
	TypePingResponse = "ping_response"
	TypeHealthCheck  = "health_check"
	TypeHealthReport = "health_report"
	TypeError        = "error"
)

// Health statuses a node may report.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("liveness: frame exceeds max size")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("liveness: invalid message type")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// PingRequest asks a peer to echo a message back.
type PingRequest struct {
	Type      string `json:"type"`
	SenderID  string `json:"sender_id"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// PingResponse echoes the request message with both timestamps, so the
// caller can derive round-trip latency.
type PingResponse struct {
	Type              string `json:"type"`
	ResponderID       string `json:"responder_id"`
	ResponderName     string `json:"responder_name"`
	Message           string `json:"message"`
	RequestTimestamp  int64  `json:"request_timestamp"`
	ResponseTimestamp int64  `json:"response_timestamp"`
}

// HealthCheckRequest asks a peer for its current health report.
type HealthCheckRequest struct {
	Type      string `json:"type"`
	SenderID  string `json:"sender_id"`
	Timestamp int64  `json:"timestamp"`
}

// HealthReport carries a node's self-reported status and metrics.
type HealthReport struct {
	Type          string            `json:"type"`
	ResponderID   string            `json:"responder_id"`
	ResponderName string            `json:"responder_name"`
	Status        string            `json:"status"`
	Metrics       map[string]string `json:"metrics"`
	Timestamp     int64             `json:"timestamp"`
}

// ErrorMessage reports protocol errors.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

func writeJSONFrame(conn net.Conn, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal liveness message: %w", err)
	}
	return WriteFrame(conn, payload)
}
