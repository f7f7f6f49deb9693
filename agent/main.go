package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"collabtext/internal/logging"
	"collabtext/internal/session"
	"collabtext/internal/transport"
)

type agentConfig struct {
	server   string
	room     string
	doc      int
	logLevel int
	cache    string
}

var config = &agentConfig{}

var rootCmd = &cobra.Command{
	Use:   "collabtext-agent",
	Short: "collabtext-agent mirrors shared documents into local files",
	Long: "collabtext-agent joins a CollabText room as a participant. It keeps a local " +
		"file in step with a shared document and talks to the document catalog and assistant.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&config.server, "server", "",
		"host:port of the sync server; found over mDNS when empty")
	rootCmd.PersistentFlags().StringVar(&config.room, "room", "", "Room code")
	rootCmd.PersistentFlags().IntVar(&config.doc, "doc", 0, "Document id within the room")
	rootCmd.PersistentFlags().IntVar(&config.logLevel, "log-level", 0,
		"The log level verbosity. 0 is the least verbose, 1 logs every operation.")
	rootCmd.PersistentFlags().StringVar(&config.cache, "cache", defaultCachePath(), "Path of the local replica cache")

	rootCmd.AddCommand(syncCmd, showCmd, docsCmd, askCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "collabtext", "replica.db")
}

func newLogger() logr.Logger {
	return logging.New(config.logLevel, true)
}

func address() (session.Address, error) {
	if config.room == "" {
		return session.Address{}, fmt.Errorf("--room is required")
	}
	if config.doc <= 0 {
		return session.Address{}, fmt.Errorf("--doc is required")
	}
	return session.Address{Room: config.room, Document: config.doc}, nil
}

// resolveServer returns --server, or the first sequencer that answers on
// the local network.
func resolveServer(ctx context.Context, log logr.Logger) (string, error) {
	if config.server != "" {
		return config.server, nil
	}
	server, err := transport.Discover(ctx, 5*time.Second, log)
	if err != nil {
		return "", fmt.Errorf("no --server given and discovery failed: %w", err)
	}
	return server, nil
}
