package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"nodemesh/config"
	"nodemesh/discovery"
	"nodemesh/liveness"
	"nodemesh/netif"
	"nodemesh/storage"
	"nodemesh/transfer"
)

func main() {
	var (
		sendPath   = flag.String("send", "", "send the file at this path and exit")
		targetAddr = flag.String("target", "", "transfer address host:port for -send")
		listPeers  = flag.Bool("peers", false, "browse for peers, print them, and exit")
		pingAddr   = flag.String("ping", "", "ping the liveness endpoint at host:port and exit")
	)
	flag.Parse()

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	dataDir := filepath.Dir(cfgPath)

	switch {
	case *sendPath != "":
		if *targetAddr == "" {
			log.Fatal("-send requires -target host:port")
		}
		runSend(cfg, dataDir, *sendPath, *targetAddr)
	case *listPeers:
		runPeers(cfg)
	case *pingAddr != "":
		runPing(cfg, *pingAddr)
	default:
		runAgent(cfg, cfgPath, dataDir)
	}
}

// runAgent starts the full node: discovery, transfer server, liveness
// server, and transfer history, then blocks until SIGINT or SIGTERM.
func runAgent(cfg *config.NodeConfig, cfgPath, dataDir string) {
	fmt.Printf("Node ID:         %s\n", cfg.NodeID)
	fmt.Printf("Node Name:       %s\n", cfg.NodeName)
	fmt.Printf("Discovery Port:  %d\n", cfg.DiscoveryPort)
	fmt.Printf("Transfer Port:   %d\n", cfg.TransferPort)
	fmt.Printf("Receive Dir:     %s\n", cfg.ReceiveDir)
	fmt.Printf("Config File:     %s\n", cfgPath)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	iface, err := netif.Best()
	if err != nil {
		log.Fatalf("startup failed while selecting interface: %v", err)
	}
	fmt.Printf("Interface:       %s (%s, %s)\n", iface.Name, iface.IP, iface.Type)

	manager := transfer.NewManager(transfer.Config{
		ChunkSize:         cfg.ChunkSize,
		Port:              cfg.TransferPort,
		ReceiveDir:        cfg.ReceiveDir,
		ConcurrentStreams: cfg.ConcurrentStreams,
		Callback:          logTransferStatus,
		History:           store,
	})
	if _, err := manager.StartServer(); err != nil {
		log.Fatalf("startup failed while binding transfer server: %v", err)
	}
	defer manager.StopServer()

	livenessServer, err := liveness.Listen(fmt.Sprintf(":%d", cfg.DiscoveryPort), cfg.NodeID, cfg.NodeName)
	if err != nil {
		log.Fatalf("startup failed while binding liveness server: %v", err)
	}
	defer func() {
		if err := livenessServer.Close(); err != nil {
			log.Printf("liveness close error: %v", err)
		}
	}()
	livenessServer.SetMetric("transfer_port", fmt.Sprintf("%d", cfg.TransferPort))

	discoveryService, err := discovery.NewWithConfig(discovery.Config{
		NodeName:     cfg.NodeName,
		Port:         cfg.DiscoveryPort,
		Capabilities: cfg.Capabilities,
	}, iface)
	if err != nil {
		log.Fatalf("startup failed while building discovery: %v", err)
	}
	if err := discoveryService.Start(); err != nil {
		log.Printf("discovery startup failed: %v", err)
	} else {
		defer discoveryService.Shutdown()
		fmt.Println("Discovery:       running")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

// runSend performs a one-shot file send with progress on stderr.
func runSend(cfg *config.NodeConfig, dataDir, path, target string) {
	store, _, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer store.Close()

	manager := transfer.NewManager(transfer.Config{
		ChunkSize:         cfg.ChunkSize,
		ReceiveDir:        cfg.ReceiveDir,
		ConcurrentStreams: cfg.ConcurrentStreams,
		Callback:          logTransferStatus,
		History:           store,
	})

	fileID, err := manager.SendFile(path, target)
	if err != nil {
		log.Fatalf("send failed: %v", err)
	}
	fmt.Printf("Sent %s as transfer %s\n", filepath.Base(path), fileID)
}

// runPeers browses for a short window and prints everything found.
func runPeers(cfg *config.NodeConfig) {
	discoveryService, err := discovery.New(cfg.NodeName, cfg.DiscoveryPort)
	if err != nil {
		log.Fatalf("build discovery: %v", err)
	}
	if err := discoveryService.Start(); err != nil {
		log.Fatalf("start discovery: %v", err)
	}
	defer discoveryService.Shutdown()

	fmt.Println("Browsing for peers...")
	time.Sleep(3 * time.Second)

	nodes := discoveryService.DiscoveredNodes()
	if len(nodes) == 0 {
		fmt.Println("No peers found.")
		return
	}
	for _, node := range nodes {
		fmt.Printf("%-24s %-36s %-21s %s\n", node.Name, node.ID, node.Addr(), node.InterfaceType)
	}
}

// runPing sends one ping and one health check to a peer.
func runPing(cfg *config.NodeConfig, target string) {
	response, err := liveness.Ping(target, cfg.NodeID, "ping from "+cfg.NodeName)
	if err != nil {
		log.Fatalf("ping failed: %v", err)
	}
	rtt := time.Duration(response.ResponseTimestamp-response.RequestTimestamp) * time.Millisecond
	fmt.Printf("Pong from %s (%s), rtt ~%v\n", response.ResponderName, response.ResponderID, rtt)

	report, err := liveness.HealthCheck(target, cfg.NodeID)
	if err != nil {
		log.Fatalf("health check failed: %v", err)
	}
	fmt.Printf("Health: %s\n", report.Status)
	for name, value := range report.Metrics {
		fmt.Printf("  %s = %s\n", name, value)
	}
	if report.Status != liveness.StatusHealthy {
		os.Exit(1)
	}
}

func logTransferStatus(status transfer.Status) {
	switch status.Stage {
	case transfer.StageStarted:
		log.Printf("transfer %s: started %q (%d bytes)", status.FileID, status.FileName, status.FileSize)
	case transfer.StageProgress:
		log.Printf("transfer %s: %.1f%% (%d/%d bytes)", status.FileID, status.Percent, status.BytesTransferred, status.TotalBytes)
	case transfer.StageCompleted:
		log.Printf("transfer %s: completed in %v (%.2f MB/s)", status.FileID, status.Elapsed, status.ThroughputMBps)
	case transfer.StageFailed:
		log.Printf("transfer %s: failed: %v", status.FileID, status.Err)
	}
}
