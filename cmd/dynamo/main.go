// Command dynamo runs one vinz-dynamo storage node, or administers a
// running cluster through its HTTP admin surface.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vinz-dynamo/vinz-dynamo/internal/api"
	"github.com/vinz-dynamo/vinz-dynamo/internal/config"
	"github.com/vinz-dynamo/vinz-dynamo/internal/gossip"
	"github.com/vinz-dynamo/vinz-dynamo/internal/localstore"
	"github.com/vinz-dynamo/vinz-dynamo/internal/remotestore"
	"github.com/vinz-dynamo/vinz-dynamo/internal/replication"
	"github.com/vinz-dynamo/vinz-dynamo/internal/ring"
	"github.com/vinz-dynamo/vinz-dynamo/internal/storage"
	"github.com/vinz-dynamo/vinz-dynamo/internal/wireformat"
)

const (
	version           = "1.0.0"
	peerSuspectWindow = 10 * time.Second
	peerDeadWindow    = 30 * time.Second
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:     "dynamo",
		Short:   "vinz-dynamo: a tunable-consistency distributed key/value store",
		Version: version,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "configuration file path")
	root.AddCommand(newServeCmd(), newAdminCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var (
		nodeID      string
		address     string
		port        int
		dataDir     string
		join        string
		replication int
		readQuorum  int
		writeQuorum int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start a node and join (or found) a cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			var err error
			if configFile != "" {
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return err
				}
			} else {
				cfg = config.DefaultConfig()
			}

			if nodeID != "" {
				cfg.NodeID = nodeID
			}
			if cmd.Flags().Changed("address") {
				cfg.Address = address
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.DataDir = dataDir
			}
			if cmd.Flags().Changed("join") {
				cfg.Join = join
			}
			if cmd.Flags().Changed("replication") {
				cfg.ReplicationFactor = replication
			}
			if cmd.Flags().Changed("read-quorum") {
				cfg.ReadQuorum = readQuorum
			}
			if cmd.Flags().Changed("write-quorum") {
				cfg.WriteQuorum = writeQuorum
			}
			if cfg.NodeID == "" {
				cfg.NodeID = fmt.Sprintf("%s:%d", cfg.Address, cfg.Port)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&nodeID, "node-id", "", "unique node identifier")
	cmd.Flags().StringVar(&address, "address", "127.0.0.1", "listen address")
	cmd.Flags().IntVar(&port, "port", 8080, "HTTP port")
	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "data directory")
	cmd.Flags().StringVar(&join, "join", "", "address of an existing member to join through")
	cmd.Flags().IntVar(&replication, "replication", 3, "replication factor (N)")
	cmd.Flags().IntVar(&readQuorum, "read-quorum", 2, "read quorum (R)")
	cmd.Flags().IntVar(&writeQuorum, "write-quorum", 2, "write quorum (W)")
	return cmd
}

func newLogger(cfg *config.Config) *logrus.Entry {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if cfg.LogFile != "" {
		if f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
			log.SetOutput(f)
		}
	}
	return log.WithField("node", cfg.NodeID)
}

func runServe(cfg *config.Config) error {
	log := newLogger(cfg)
	log.WithFields(logrus.Fields{
		"address": cfg.Address,
		"port":    cfg.Port,
		"n":       cfg.ReplicationFactor,
		"r":       cfg.ReadQuorum,
		"w":       cfg.WriteQuorum,
	}).Info("starting vinz-dynamo node")

	engine, err := storage.NewBitcask(cfg.DataDir, cfg.SyncWrites)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer engine.Close()
	log.WithField("keys", engine.Count()).Info("storage loaded")

	self := ring.NewNode(cfg.Address, cfg.Port)
	hashRing := ring.New(cfg.NumPartitions, self, cfg.ReplicationFactor)

	if cfg.Join != "" {
		if err := joinCluster(cfg, self, hashRing); err != nil {
			return fmt.Errorf("failed to join cluster through %s: %w", cfg.Join, err)
		}
		log.WithField("via", cfg.Join).Info("joined cluster")
	}

	pool := localstore.NewWorkerPool(cfg.WorkerPoolSize)
	health := gossip.NewPeerHealth(peerSuspectWindow, peerDeadWindow)
	handoffEngine := replication.NewHandoffEngine(self, hashRing, health, cfg.HandoffChunkBytes, cfg.RequestTimeout, log)

	localFor := func(p int) *localstore.LocalStorage {
		if ls := handoffEngine.Storage(p); ls != nil {
			return ls
		}
		ls := localstore.New(pool, engine, p, fmt.Sprintf("%d@%s", p, self.Name()))
		handoffEngine.Hold(p, ls)
		return ls
	}
	for _, p := range self.Claim() {
		localFor(p)
	}

	lookup := func(node *ring.Node, key string) replication.Replica {
		if node.Name() == self.Name() {
			return localFor(hashRing.KeyToPartition(key))
		}
		return remotestore.New(node.Host, node.Port, cfg.RequestTimeout)
	}
	coordinator := replication.New(hashRing, lookup, cfg.ReadQuorum, cfg.WriteQuorum, log)

	onRingChange := func() {
		for _, p := range self.Claim() {
			localFor(p)
		}
		go handoffEngine.Sweep()
	}
	gossipProto := gossip.NewProtocol(self, hashRing, cfg.NodeID, cfg.RequestTimeout, cfg.GossipInterval, health, onRingChange, log)

	server := api.NewServer(cfg, self, hashRing, engine, coordinator, handoffEngine, gossipProto, localFor, log)

	gossipProto.Run()
	handoffEngine.Run(cfg.HandoffSweepPeriod)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	log.Info("node ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP server exited unexpectedly")
		}
	case <-sigCh:
		log.Info("shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	handoffEngine.Stop()
	gossipProto.Stop()
	if err := server.Stop(ctx); err != nil {
		log.WithError(err).Error("error stopping HTTP server")
	}
	if err := engine.Sync(); err != nil {
		log.WithError(err).Error("error syncing storage")
	}
	log.Info("shutdown complete")
	return nil
}

// joinCluster fetches the seed's current ring view and adopts it
// wholesale before self ever serves traffic, mirroring create_ring's
// bootstrap-by-gossip path when a seed address is supplied.
func joinCluster(cfg *config.Config, self *ring.Node, hashRing *ring.Ring) error {
	client := &http.Client{Timeout: cfg.RequestTimeout}
	resp, err := client.Get(fmt.Sprintf("http://%s/_metadata", cfg.Join))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("seed responded %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	meta, err := wireformat.DecodeMetadata(body)
	if err != nil {
		return err
	}
	hashRing.LoadSnapshot(meta.Ring, self)
	if hashRing.GetNode(self.Name()) == nil {
		hashRing.AddNode(self, nil)
	}
	return nil
}

func newAdminCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "administer a running node's claim over the ring",
	}
	cmd.PersistentFlags().StringVar(&target, "target", "127.0.0.1:8080", "address of the node to administer")

	claimCmd := &cobra.Command{
		Use:   "claim <count>",
		Short: "set the node's desired partition claim (0 hands everything off)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := strconv.Atoi(args[0]); err != nil {
				return fmt.Errorf("claim must be an integer: %w", err)
			}
			return adminRequest(target, http.MethodPut, "/admin/claim", []byte(args[0]))
		},
	}

	balanceCmd := &cobra.Command{
		Use:   "balance",
		Short: "nudge every node whose claim has drifted back towards its target",
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminRequest(target, http.MethodPost, "/admin/balance", nil)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "print the node's current ring status",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(fmt.Sprintf("http://%s/admin/status", target))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			fmt.Println(string(body))
			return nil
		},
	}

	cmd.AddCommand(claimCmd, balanceCmd, statusCmd)
	return cmd
}

func adminRequest(target, method, path string, body []byte) error {
	req, err := http.NewRequest(method, fmt.Sprintf("http://%s%s", target, path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	fmt.Printf("ok: %s %s\n", method, path)
	return nil
}
