package liveness

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()

	server, err := Listen("127.0.0.1:0", "node-1", "alpha")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return server
}

func TestPingEchoesMessage(t *testing.T) {
	server := startTestServer(t)

	before := time.Now().UnixMilli()
	response, err := Ping(server.Addr().String(), "node-2", "hello there")
	if err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	if response.Message != "hello there" {
		t.Errorf("echoed message = %q, want %q", response.Message, "hello there")
	}
	if response.ResponderID != "node-1" {
		t.Errorf("responder ID = %q, want %q", response.ResponderID, "node-1")
	}
	if response.ResponderName != "alpha" {
		t.Errorf("responder name = %q, want %q", response.ResponderName, "alpha")
	}
	if response.RequestTimestamp < before {
		t.Errorf("request timestamp %d predates the request", response.RequestTimestamp)
	}
	if response.ResponseTimestamp < response.RequestTimestamp {
		t.Errorf("response timestamp %d predates request timestamp %d",
			response.ResponseTimestamp, response.RequestTimestamp)
	}
}

func TestHealthCheckReportsStatusAndMetrics(t *testing.T) {
	server := startTestServer(t)

	report, err := HealthCheck(server.Addr().String(), "node-2")
	if err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}
	if report.Status != StatusHealthy {
		t.Errorf("default status = %q, want %q", report.Status, StatusHealthy)
	}

	server.SetStatus(StatusDegraded)
	server.SetMetric("active_transfers", "3")

	report, err = HealthCheck(server.Addr().String(), "node-2")
	if err != nil {
		t.Fatalf("second HealthCheck failed: %v", err)
	}
	if report.Status != StatusDegraded {
		t.Errorf("status = %q, want %q", report.Status, StatusDegraded)
	}
	if report.Metrics["active_transfers"] != "3" {
		t.Errorf("metrics = %v, want active_transfers=3", report.Metrics)
	}
	if report.ResponderID != "node-1" || report.ResponderName != "alpha" {
		t.Errorf("responder identity = %q/%q, want node-1/alpha", report.ResponderID, report.ResponderName)
	}
}

func TestUnknownRequestTypeReturnsError(t *testing.T) {
	server := startTestServer(t)

	conn, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if err := WriteFrame(conn, []byte(`{"type":"teleport"}`)); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	payload, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}

	msgType, err := DecodeMessageType(payload)
	if err != nil {
		t.Fatalf("DecodeMessageType failed: %v", err)
	}
	if msgType != TypeError {
		t.Fatalf("response type = %q, want %q", msgType, TypeError)
	}
}

func TestPingAgainstErrorResponseSurfacesPeerError(t *testing.T) {
	// A listener that always answers with a protocol error.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = ReadFrame(conn)
		_ = WriteFrame(conn, []byte(`{"type":"error","code":"busy","message":"try later"}`))
	}()

	_, err = Ping(listener.Addr().String(), "node-2", "hi")
	if err == nil {
		t.Fatal("expected error from peer error response")
	}
	if !strings.Contains(err.Error(), "busy") {
		t.Errorf("error %q does not mention peer error code", err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	payload := []byte(`{"type":"ping","message":"x"}`)
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("round-tripped payload = %q, want %q", got, payload)
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer

	if err := WriteFrame(&buf, make([]byte, MaxFrameSize+1)); err != ErrFrameTooLarge {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}
