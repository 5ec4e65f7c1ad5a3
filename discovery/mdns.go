// Package discovery advertises the local node over mDNS and maintains a
// registry of peers resolved the same way.
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"

	"nodemesh/netif"
)

const (
	// DefaultService is the mDNS service type without domain suffix.
	DefaultService = "_nodemesh._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultPort is the advertised port when the caller does not choose one.
	DefaultPort = 54321
	// AdvertiseTTL is the validity window of one advertisement in seconds.
	AdvertiseTTL = 60
	// RefreshInterval re-publishes the record before AdvertiseTTL expires.
	RefreshInterval = 55 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls advertisement and browse behavior. The zero value plus a
// node name is a working configuration.
type Config struct {
	NodeName     string
	Port         int
	Service      string
	Domain       string
	TTL          uint32
	Refresh      time.Duration
	Capabilities []string
	Version      string

	registerFn registerFunc
	browseFn   browseFunc
	now        func() time.Time
}

func (c Config) withDefaults() Config {
	out := c
	if out.Port == 0 {
		out.Port = DefaultPort
	}
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.TTL == 0 {
		out.TTL = AdvertiseTTL
	}
	if out.Refresh <= 0 {
		out.Refresh = RefreshInterval
	}
	if len(out.Capabilities) == 0 {
		out.Capabilities = []string{"discovery", "transfer"}
	}
	if out.Version == "" {
		out.Version = "0.0.0"
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	if out.now == nil {
		out.now = time.Now
	}
	return out
}

type peerEntry struct {
	node     NodeInfo
	instance string
	lastSeen time.Time
}

// Service advertises the local node and tracks peers. The registry never
// contains the local node's own ID.
type Service struct {
	cfg      Config
	local    NodeInfo
	instance string

	mu    sync.Mutex
	peers map[string]peerEntry

	server   *zeroconf.Server
	serverMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	startErr  error
	stopOnce  sync.Once
}

// New resolves the best local interface and builds a discovery service for
// the given node name. Port 0 selects the default discovery port.
func New(name string, port int) (*Service, error) {
	iface, err := netif.Best()
	if err != nil {
		return nil, fmt.Errorf("resolve discovery interface: %w", err)
	}
	return NewWithConfig(Config{NodeName: name, Port: port}, iface)
}

// NewWithConfig builds a discovery service on an explicit interface. The
// advertised instance name appends a UUID so two nodes sharing a
// human-readable name never collide.
func NewWithConfig(config Config, iface netif.Interface) (*Service, error) {
	cfg := config.withDefaults()
	if cfg.NodeName == "" {
		return nil, fmt.Errorf("node name is required")
	}

	local := NodeInfo{
		ID:            uuid.NewString(),
		Name:          cfg.NodeName,
		IP:            iface.IP.String(),
		Port:          cfg.Port,
		InterfaceType: string(iface.Type),
		Capabilities:  cfg.Capabilities,
		Version:       cfg.Version,
	}

	return &Service{
		cfg:      cfg,
		local:    local,
		instance: fmt.Sprintf("%s_%s", cfg.NodeName, local.ID),
		peers:    make(map[string]peerEntry),
	}, nil
}

// Start begins advertising the local node and listening for peers.
func (s *Service) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())

		if err := s.register(); err != nil {
			s.startErr = fmt.Errorf("register advertisement: %w", err)
			return
		}
		log.Printf("discovery: node %q advertising on %s port %d", s.local.Name, s.local.IP, s.local.Port)

		s.wg.Add(1)
		go s.refreshLoop()

		if err := s.startBrowse(); err != nil {
			s.startErr = fmt.Errorf("browse peers: %w", err)
			return
		}
	})
	return s.startErr
}

// LocalNode returns the immutable local identity.
func (s *Service) LocalNode() NodeInfo {
	return s.local
}

// DiscoveredNodes prunes stale registry entries and returns the rest.
// An entry is stale once it has gone unrefreshed for twice the TTL.
func (s *Service) DiscoveredNodes() []NodeInfo {
	expiry := 2 * time.Duration(s.cfg.TTL) * time.Second
	now := s.cfg.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]NodeInfo, 0, len(s.peers))
	for id, entry := range s.peers {
		if now.Sub(entry.lastSeen) > expiry {
			log.Printf("discovery: expiring node %s (%s)", entry.node.Name, id)
			delete(s.peers, id)
			continue
		}
		out = append(out, entry.node)
	}
	return out
}

// Shutdown withdraws the local advertisement. Withdrawal is best-effort;
// peer-side expiry removes the record eventually regardless.
func (s *Service) Shutdown() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()

		s.serverMu.Lock()
		server := s.server
		s.server = nil
		s.serverMu.Unlock()
		if server != nil {
			server.Shutdown()
		}
	})
}

// register publishes the local record and applies the advertisement TTL.
// zeroconf has no idempotent re-announce, so a refresh registers a fresh
// responder before retiring the previous one.
func (s *Service) register() error {
	server, err := s.cfg.registerFn(s.instance, s.cfg.Service, s.cfg.Domain, s.local.Port, s.local.txtRecords(), nil)
	if err != nil {
		return err
	}
	if server != nil {
		server.TTL(s.cfg.TTL)
	}

	s.serverMu.Lock()
	old := s.server
	s.server = server
	s.serverMu.Unlock()
	if old != nil {
		old.Shutdown()
	}
	return nil
}

// refreshLoop re-publishes the identical record on a period shorter than
// the TTL so peers never see it expire while the process is alive. A failed
// refresh is logged and retried on the next tick, not immediately.
func (s *Service) refreshLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.register(); err != nil {
				log.Printf("discovery: advertisement refresh failed: %v", err)
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) startBrowse() error {
	browse := s.cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return err
		}
		browse = resolver.Browse
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case entry := <-entries:
				if entry != nil {
					s.handleEntry(entry)
				}
			case <-s.ctx.Done():
				return
			}
		}
	}()

	return browse(s.ctx, s.cfg.Service, s.cfg.Domain, entries)
}

// handleEntry applies one resolved advertisement or removal notification to
// the registry. A malformed peer is invisible rather than fatal.
func (s *Service) handleEntry(entry *zeroconf.ServiceEntry) {
	if entry.TTL == 0 {
		s.removeByInstance(entry.Instance)
		return
	}

	node, ok := parseServiceEntry(entry)
	if !ok {
		return
	}
	if node.ID == s.local.ID {
		return
	}

	s.mu.Lock()
	_, known := s.peers[node.ID]
	s.peers[node.ID] = peerEntry{
		node:     node,
		instance: entry.Instance,
		lastSeen: s.cfg.now(),
	}
	s.mu.Unlock()

	if !known {
		log.Printf("discovery: found node %s (%s) at %s", node.Name, node.ID, node.Addr())
	}
}

// removeByInstance drops the entry whose advertised instance name matches a
// removal notification. Removal events carry only the instance name, not the
// stable node ID, so the match is best-effort.
func (s *Service) removeByInstance(instance string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entry := range s.peers {
		if entry.instance == instance {
			log.Printf("discovery: node removed %s (%s)", entry.node.Name, id)
			delete(s.peers, id)
			return
		}
	}
}
