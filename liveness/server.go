package liveness

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// Server answers ping and health-check requests from peers. Each inbound
// connection carries exactly one request and one response.
type Server struct {
	nodeID   string
	nodeName string

	listener net.Listener

	mu      sync.Mutex
	status  string
	metrics map[string]string

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and the request accept loop.
func Listen(address, nodeID, nodeName string) (*Server, error) {
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		nodeID:   nodeID,
		nodeName: nodeName,
		listener: listener,
		status:   StatusHealthy,
		metrics:  make(map[string]string),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// SetStatus updates the health status returned to peers.
func (s *Server) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// SetMetric publishes one metric value in subsequent health reports.
func (s *Server) SetMetric(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[name] = value
}

// Close stops accepting and waits for in-flight requests.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(DefaultRequestTimeout)); err != nil {
		return
	}

	payload, err := ReadFrame(conn)
	if err != nil {
		return
	}

	msgType, err := DecodeMessageType(payload)
	if err != nil {
		_ = writeJSONFrame(conn, ErrorMessage{
			Type:    TypeError,
			Code:    "invalid_request",
			Message: err.Error(),
		})
		return
	}

	switch msgType {
	case TypePing:
		s.handlePing(conn, payload)
	case TypeHealthCheck:
		s.handleHealthCheck(conn)
	default:
		_ = writeJSONFrame(conn, ErrorMessage{
			Type:    TypeError,
			Code:    "unknown_type",
			Message: fmt.Sprintf("unsupported request type %q", msgType),
		})
	}
}

func (s *Server) handlePing(conn net.Conn, payload []byte) {
	request, err := decodeAs[PingRequest](payload)
	if err != nil {
		_ = writeJSONFrame(conn, ErrorMessage{
			Type:    TypeError,
			Code:    "invalid_request",
			Message: err.Error(),
		})
		return
	}

	_ = writeJSONFrame(conn, PingResponse{
		Type:              TypePingResponse,
		ResponderID:       s.nodeID,
		ResponderName:     s.nodeName,
		Message:           request.Message,
		RequestTimestamp:  request.Timestamp,
		ResponseTimestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleHealthCheck(conn net.Conn) {
	s.mu.Lock()
	status := s.status
	metrics := make(map[string]string, len(s.metrics))
	for name, value := range s.metrics {
		metrics[name] = value
	}
	s.mu.Unlock()

	_ = writeJSONFrame(conn, HealthReport{
		Type:          TypeHealthReport,
		ResponderID:   s.nodeID,
		ResponderName: s.nodeName,
		Status:        status,
		Metrics:       metrics,
		Timestamp:     time.Now().UnixMilli(),
	})
}
