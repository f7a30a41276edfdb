package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/mfrederico/voidlux/pkg/config"
	"github.com/mfrederico/voidlux/pkg/log"
	"github.com/mfrederico/voidlux/pkg/storage"
	"github.com/mfrederico/voidlux/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "voidlux",
	Short: "Voidlux - decentralized swarm orchestrator",
	Long: `Voidlux runs a peer-to-peer swarm of nodes that accept work,
decompose it into dependent subtasks, dispatch to executor agents
anywhere in the mesh, and merge results through a git-backed
integration pipeline. Swarms trade overflow work with each other
on a credential-gated bounty marketplace.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Voidlux version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(idCmd)

	runCmd.Flags().String("config", "", "Path to YAML config file")
	runCmd.Flags().String("role", "worker", "Node role: emperor, worker or seneschal")
	runCmd.Flags().String("data-dir", "", "Override the configured data directory")

	idCmd.Flags().String("config", "", "Path to YAML config file")
	idCmd.Flags().String("data-dir", "", "Override the configured data directory")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a swarm node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		roleArg, _ := cmd.Flags().GetString("role")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		role := types.NodeRole(roleArg)
		switch role {
		case types.NodeRoleEmperor, types.NodeRoleWorker, types.NodeRoleSeneschal:
		default:
			return fmt.Errorf("role must be emperor, worker or seneschal")
		}

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		node, err := NewNode(cfg, role)
		if err != nil {
			return fmt.Errorf("failed to build node: %v", err)
		}
		if err := node.Start(); err != nil {
			node.Stop()
			return fmt.Errorf("failed to start node: %v", err)
		}

		fmt.Printf("Node %s running as %s. Press Ctrl+C to stop.\n", node.NodeID(), role)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		node.Stop()
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Print this node's identifier and DID",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		log.Init(log.Config{Level: log.ErrorLevel})

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		nodeID, err := loadOrCreateNodeID(store)
		if err != nil {
			return err
		}
		fmt.Printf("Node ID: %s\n", nodeID)
		fmt.Printf("DID:     did:%s:%s\n", cfg.Realm, nodeID)
		return nil
	},
}
