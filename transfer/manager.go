// Package transfer moves files between nodes as parallel byte-range
// streams over plain TCP, with per-chunk progress reporting and
// end-to-end SHA-256 verification.
package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"nodemesh/storage"
)

const (
	// DefaultChunkSize is the bytes moved per I/O operation.
	DefaultChunkSize = 1024 * 1024
	// DefaultPort is the transfer listener port; 0 selects an ephemeral one.
	DefaultPort = 7879
	// DefaultConcurrentStreams is the number of parallel ranges per send.
	DefaultConcurrentStreams = 4
	// progressInterval is the send-side progress sampling period.
	progressInterval = 100 * time.Millisecond
)

var (
	// ErrConnectionClosedEarly indicates the socket yielded EOF before the
	// declared range was fully delivered.
	ErrConnectionClosedEarly = errors.New("transfer: connection closed before range was delivered")
	// ErrHashMismatch indicates whole-file verification failed after all
	// ranges landed. The file is left on disk for inspection.
	ErrHashMismatch = errors.New("transfer: whole-file hash mismatch")
)

// Config controls the transfer engine. The zero value is usable; History is
// an optional transfer-history store.
type Config struct {
	ChunkSize         int
	Port              int
	ReceiveDir        string
	Callback          StatusCallback
	ConcurrentStreams int
	History           *storage.Store
}

func (c Config) withDefaults() Config {
	out := c
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.Port < 0 {
		out.Port = DefaultPort
	}
	if out.ReceiveDir == "" {
		out.ReceiveDir = filepath.Join(os.TempDir(), "nodemesh-files")
	}
	if out.ConcurrentStreams <= 0 {
		out.ConcurrentStreams = DefaultConcurrentStreams
	}
	return out
}

// Manager owns the transfer server, the shared buffer pool, and the
// per-file range tracking state.
type Manager struct {
	cfg     Config
	pool    *bufferPool
	tracker *rangeTracker

	mu       sync.Mutex
	listener net.Listener

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager builds a transfer manager, creating the receive directory if
// it is absent.
func NewManager(config Config) *Manager {
	cfg := config.withDefaults()
	if err := os.MkdirAll(cfg.ReceiveDir, 0o755); err != nil {
		log.Printf("transfer: create receive directory %q: %v", cfg.ReceiveDir, err)
	}

	return &Manager{
		cfg:     cfg,
		pool:    newBufferPool(cfg.ChunkSize),
		tracker: newRangeTracker(cfg.ReceiveDir),
		closed:  make(chan struct{}),
	}
}

// ReceiveDir returns the directory received files land in.
func (m *Manager) ReceiveDir() string {
	return m.cfg.ReceiveDir
}

// StartServer binds the transfer listener and accepts connections in the
// background until StopServer is called.
func (m *Manager) StartServer() (net.Addr, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", m.cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("bind transfer listener on port %d: %w", m.cfg.Port, err)
	}

	m.mu.Lock()
	m.listener = listener
	m.mu.Unlock()

	log.Printf("transfer: server listening on %s", listener.Addr())

	m.wg.Add(1)
	go m.acceptLoop(listener)

	return listener.Addr(), nil
}

// Addr returns the bound listener address, or nil before StartServer.
func (m *Manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// StopServer stops accepting new connections. In-flight range transfers
// run to completion or natural failure; they are not drained.
func (m *Manager) StopServer() {
	m.closeOnce.Do(func() {
		close(m.closed)

		m.mu.Lock()
		listener := m.listener
		m.mu.Unlock()
		if listener != nil {
			_ = listener.Close()
		}
		m.wg.Wait()
	})
}

func (m *Manager) acceptLoop(listener net.Listener) {
	defer m.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-m.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("transfer: accept connection: %v", err)
			continue
		}

		go func() {
			defer func() {
				_ = conn.Close()
			}()
			if err := m.handleIncoming(conn); err != nil {
				log.Printf("transfer: receive from %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// SendFile sends the file at path to a transfer server at targetAddr as a
// set of parallel byte-range streams and returns the generated file ID.
// Per-range failures are collected into one aggregate error; sibling
// ranges are still attempted.
func (m *Manager) SendFile(path, targetAddr string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return "", errors.New("source path must be a file")
	}

	fileID := uuid.NewString()
	fileName := filepath.Base(path)
	fileSize := uint64(info.Size())

	fileHash, err := fileChecksumHex(path)
	if err != nil {
		return "", fmt.Errorf("checksum source file: %w", err)
	}

	m.emit(Status{
		Stage:    StageStarted,
		FileID:   fileID,
		FileName: fileName,
		FileSize: fileSize,
	})
	m.recordTransfer(storage.Transfer{
		FileID:    fileID,
		Direction: storage.DirectionSend,
		PeerAddr:  targetAddr,
		Filename:  fileName,
		Filesize:  info.Size(),
		Checksum:  fileHash,
		Status:    storage.StatusStarted,
	})

	start := time.Now()
	counter := new(byteCounter)

	stopProgress := make(chan struct{})
	var progressWG sync.WaitGroup
	if m.cfg.Callback != nil {
		progressWG.Add(1)
		go m.sampleProgress(fileID, fileSize, counter, stopProgress, &progressWG)
	}

	chunkSize := uint64(m.cfg.ChunkSize)
	chunkCount := (fileSize + chunkSize - 1) / chunkSize
	streams := uint64(m.cfg.ConcurrentStreams)
	chunksPerStream := (chunkCount + streams - 1) / streams

	var (
		wg         sync.WaitGroup
		errsMu     sync.Mutex
		streamErrs []string
	)
	for i := uint64(0); i < streams; i++ {
		startChunk := i * chunksPerStream
		endChunk := min(startChunk+chunksPerStream, chunkCount)
		if startChunk >= endChunk {
			break
		}
		rangeStart := startChunk * chunkSize
		rangeEnd := min(endChunk*chunkSize, fileSize)

		wg.Add(1)
		go func(stream int, start, end uint64) {
			defer wg.Done()
			header := Header{
				FileID:     fileID,
				FileName:   fileName,
				FileSize:   fileSize,
				RangeStart: start,
				RangeEnd:   end,
				FileHash:   fileHash,
			}
			if err := m.sendRange(path, targetAddr, header, counter); err != nil {
				errsMu.Lock()
				streamErrs = append(streamErrs, fmt.Sprintf("stream %d (%d-%d): %v", stream, start, end, err))
				errsMu.Unlock()
			}
		}(int(i), rangeStart, rangeEnd)
	}
	wg.Wait()

	close(stopProgress)
	progressWG.Wait()

	elapsed := time.Since(start)
	if len(streamErrs) > 0 {
		sendErr := fmt.Errorf("send %q: %s", fileName, strings.Join(streamErrs, "; "))
		m.emit(Status{
			Stage:  StageFailed,
			FileID: fileID,
			Err:    sendErr,
		})
		m.updateTransfer(fileID, storage.StatusFailed)
		return "", sendErr
	}

	throughput := throughputMBps(fileSize, elapsed)
	m.emit(Status{
		Stage:            StageCompleted,
		FileID:           fileID,
		FileName:         fileName,
		FileSize:         fileSize,
		BytesTransferred: fileSize,
		TotalBytes:       fileSize,
		Percent:          100,
		Elapsed:          elapsed,
		ThroughputMBps:   throughput,
	})
	m.updateTransfer(fileID, storage.StatusComplete)
	log.Printf("transfer: sent %q to %s (%.2f MB/s)", fileName, targetAddr, throughput)

	return fileID, nil
}

// sendRange streams one byte range over its own TCP connection: header
// first, then the raw payload.
func (m *Manager) sendRange(path, targetAddr string, header Header, counter *byteCounter) error {
	conn, err := net.Dial("tcp", targetAddr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", targetAddr, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	if _, err := conn.Write(EncodeHeader(header)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	if _, err := file.Seek(int64(header.RangeStart), io.SeekStart); err != nil {
		return fmt.Errorf("seek to range start: %w", err)
	}

	buf := m.pool.get()
	defer m.pool.put(buf)

	pos := header.RangeStart
	for pos < header.RangeEnd {
		limit := min(uint64(len(buf)), header.RangeEnd-pos)
		n, readErr := file.Read(buf[:limit])
		if n > 0 {
			if _, err := conn.Write(buf[:n]); err != nil {
				return fmt.Errorf("write payload: %w", err)
			}
			pos += uint64(n)
			counter.add(uint64(n))
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return fmt.Errorf("read source file: %w", readErr)
		}
	}

	return nil
}

// sampleProgress emits Progress events from the shared byte counter every
// progressInterval until the counter reaches the file size or the send
// finishes. One sample is taken immediately so even a fast local transfer
// reports progress at least once.
func (m *Manager) sampleProgress(fileID string, total uint64, counter *byteCounter, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	emitSample := func() bool {
		sent := counter.value()
		if sent >= total && total > 0 {
			return false
		}
		m.emit(Status{
			Stage:            StageProgress,
			FileID:           fileID,
			BytesTransferred: sent,
			TotalBytes:       total,
			Percent:          percentOf(sent, total),
		})
		return true
	}

	if !emitSample() {
		return
	}

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !emitSample() {
				return
			}
		case <-stop:
			return
		}
	}
}

// handleIncoming receives one byte range from an inbound connection.
func (m *Manager) handleIncoming(conn net.Conn) error {
	header, err := DecodeHeader(conn)
	if err != nil {
		return fmt.Errorf("decode header: %w", err)
	}
	if header.RangeEnd < header.RangeStart || header.RangeEnd > header.FileSize {
		return fmt.Errorf("invalid range %s for file size %d", header.RangeKey(), header.FileSize)
	}

	firstRange, err := m.tracker.begin(header.FileID, header.RangeKey(), header.FileHash)
	if err != nil {
		return fmt.Errorf("track range %s: %w", header.RangeKey(), err)
	}

	destPath := filepath.Join(m.cfg.ReceiveDir, filepath.Base(header.FileName))
	if firstRange {
		log.Printf("transfer: receiving %q (%s), size %d", header.FileName, header.FileID, header.FileSize)
		m.emit(Status{
			Stage:    StageStarted,
			FileID:   header.FileID,
			FileName: header.FileName,
			FileSize: header.FileSize,
		})
		m.recordTransfer(storage.Transfer{
			FileID:    header.FileID,
			Direction: storage.DirectionReceive,
			PeerAddr:  conn.RemoteAddr().String(),
			Filename:  header.FileName,
			Filesize:  int64(header.FileSize),
			Checksum:  header.FileHash,
			Status:    storage.StatusStarted,
		})
	}

	file, err := openSized(destPath, int64(header.FileSize))
	if err != nil {
		return err
	}
	defer func() {
		_ = file.Close()
	}()

	if _, err := file.Seek(int64(header.RangeStart), io.SeekStart); err != nil {
		return fmt.Errorf("seek to range start: %w", err)
	}

	start := time.Now()
	buf := m.pool.get()
	defer m.pool.put(buf)

	var received uint64
	want := header.PayloadSize()
	for received < want {
		limit := min(uint64(len(buf)), want-received)
		n, readErr := conn.Read(buf[:limit])
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return fmt.Errorf("write destination file: %w", err)
			}
			received += uint64(n)
			m.emit(Status{
				Stage:            StageProgress,
				FileID:           header.FileID,
				BytesTransferred: header.RangeStart + received,
				TotalBytes:       header.FileSize,
				Percent:          percentOf(header.RangeStart+received, header.FileSize),
			})
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return fmt.Errorf("range %s: %w", header.RangeKey(), ErrConnectionClosedEarly)
			}
			return fmt.Errorf("read payload: %w", readErr)
		}
	}

	allDone, err := m.tracker.complete(header.FileID, header.RangeKey())
	if err != nil {
		return fmt.Errorf("track range %s: %w", header.RangeKey(), err)
	}
	if allDone {
		m.verifyAndFinish(header, destPath)
	}

	elapsed := time.Since(start)
	m.emit(Status{
		Stage:            StageCompleted,
		FileID:           header.FileID,
		FileName:         header.FileName,
		FileSize:         header.FileSize,
		BytesTransferred: received,
		TotalBytes:       header.FileSize,
		Elapsed:          elapsed,
		ThroughputMBps:   throughputMBps(received, elapsed),
	})

	return nil
}

// verifyAndFinish recomputes the whole-file hash once every range has
// landed. Corruption is reported, not retried, and the file stays on disk
// for inspection. The side-records are destroyed either way.
func (m *Manager) verifyAndFinish(header Header, path string) {
	expected := header.FileHash
	if stored, err := m.tracker.expectedHash(header.FileID); err == nil && stored != "" {
		expected = stored
	}

	actual, err := fileChecksumHex(path)
	switch {
	case err != nil:
		log.Printf("transfer: checksum %q for verification: %v", path, err)
	case actual != expected:
		log.Printf("transfer: hash verification failed for %q: expected %s, got %s", header.FileName, expected, actual)
		m.emit(Status{
			Stage:  StageFailed,
			FileID: header.FileID,
			Err:    fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, expected, actual),
		})
		m.updateTransfer(header.FileID, storage.StatusCorrupt)
	default:
		log.Printf("transfer: received %q verified, all ranges complete", header.FileName)
		m.updateTransfer(header.FileID, storage.StatusComplete)
	}

	if err := m.tracker.forget(header.FileID); err != nil {
		log.Printf("transfer: clean up side-records for %s: %v", header.FileID, err)
	}
}

func (m *Manager) recordTransfer(t storage.Transfer) {
	if m.cfg.History == nil {
		return
	}
	if err := m.cfg.History.RecordTransfer(t); err != nil {
		log.Printf("transfer: record history for %s: %v", t.FileID, err)
	}
}

func (m *Manager) updateTransfer(fileID, status string) {
	if m.cfg.History == nil {
		return
	}
	if err := m.cfg.History.UpdateTransferStatus(fileID, status); err != nil {
		log.Printf("transfer: update history for %s: %v", fileID, err)
	}
}

// openSized opens the destination file, creating it and fixing its length
// so concurrent handlers can write disjoint ranges safely.
func openSized(path string, size int64) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open destination file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat destination file: %w", err)
	}
	if info.Size() != size {
		if err := file.Truncate(size); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("size destination file: %w", err)
		}
	}

	return file, nil
}

// byteCounter is the shared send-progress counter, incremented by every
// range task and read by the sampler.
type byteCounter struct {
	mu sync.Mutex
	n  uint64
}

func (c *byteCounter) add(n uint64) {
	c.mu.Lock()
	c.n += n
	c.mu.Unlock()
}

func (c *byteCounter) value() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// fileChecksumHex computes the hex SHA-256 of a whole file in one pass.
func fileChecksumHex(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func percentOf(part, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func throughputMBps(bytes uint64, elapsed time.Duration) float64 {
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		return 0
	}
	return float64(bytes) / seconds / (1024 * 1024)
}
