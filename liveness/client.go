package liveness

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Ping dials a peer's liveness endpoint and asks it to echo the message.
func Ping(address, senderID, message string) (PingResponse, error) {
	payload, err := roundTrip(address, PingRequest{
		Type:      TypePing,
		SenderID:  senderID,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return PingResponse{}, err
	}
	return expectResponse[PingResponse](payload, TypePingResponse)
}

// HealthCheck dials a peer's liveness endpoint and fetches its health report.
func HealthCheck(address, senderID string) (HealthReport, error) {
	payload, err := roundTrip(address, HealthCheckRequest{
		Type:      TypeHealthCheck,
		SenderID:  senderID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return HealthReport{}, err
	}
	return expectResponse[HealthReport](payload, TypeHealthReport)
}

func roundTrip(address string, request any) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", address, DefaultRequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(DefaultRequestTimeout)); err != nil {
		return nil, fmt.Errorf("set request deadline: %w", err)
	}

	if err := writeJSONFrame(conn, request); err != nil {
		return nil, err
	}

	payload, err := ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return payload, nil
}

func expectResponse[T any](payload []byte, wantType string) (T, error) {
	var zero T

	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return zero, err
	}
	if msgType == TypeError {
		errMsg, err := decodeAs[ErrorMessage](payload)
		if err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("liveness: peer error %s: %s", errMsg.Code, errMsg.Message)
	}
	if msgType != wantType {
		return zero, fmt.Errorf("liveness: expected %q response, got %q", wantType, msgType)
	}

	return decodeAs[T](payload)
}

func decodeAs[T any](payload []byte) (T, error) {
	var message T
	if err := json.Unmarshal(payload, &message); err != nil {
		return message, fmt.Errorf("decode liveness message: %w", err)
	}
	return message, nil
}
