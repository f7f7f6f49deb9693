package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"collabtext/internal/api"
	"collabtext/internal/replica"
	"collabtext/internal/session"
	"collabtext/internal/transport"
)

var (
	syncFile     string
	pollInterval time.Duration
)

func init() {
	syncCmd.Flags().StringVarP(&syncFile, "file", "f", "", "Local file to keep in step with the document")
	syncCmd.Flags().DurationVar(&pollInterval, "poll", 200*time.Millisecond, "How often the file is checked for edits")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror a document into a local file",
	Long: "Mirror a document into a local file. The file is replaced by the shared " +
		"text on connect; edits saved to it are sent to the room and edits from the " +
		"room are written back to it.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if syncFile == "" {
			return fmt.Errorf("--file is required")
		}
		addr, err := address()
		if err != nil {
			return err
		}
		log := newLogger()
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		server, err := resolveServer(ctx, log)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(config.cache), 0o755); err != nil {
			return fmt.Errorf("creating cache directory: %w", err)
		}
		cache, err := replica.Open(config.cache)
		if err != nil {
			return err
		}
		defer cache.Close()

		surface, err := newFileSurface(syncFile, log)
		if err != nil {
			return err
		}
		client := api.New(server)

		hooks := session.Hooks{
			OnStatus: func(connected bool) {
				if connected {
					log.Info("in sync", "server", server)
				} else {
					log.Info("disconnected, retrying")
				}
			},
			OnCount: func(n int) {
				log.Info("participants", "count", n)
			},
			OnAssistantDone: func() {
				log.Info("assistant text inserted")
			},
			OnDocumentListChanged: func() {
				go func() {
					docs, err := client.ListDocuments(ctx, addr.Room)
					if err != nil {
						log.Error(err, "could not refresh document list")
						return
					}
					log.Info("document list changed", "documents", len(docs))
				}()
			},
			OnReconcile: func(content string, version int64) {
				if err := cache.Put(addr, content, version); err != nil {
					log.Error(err, "could not update replica")
				}
			},
		}

		s := session.New(session.Config{Address: addr}, transport.NewDialer(server), surface, hooks, log)
		go surface.watch(ctx, pollInterval, s.LocalChange)

		log.Info("syncing", "doc", addr.String(), "file", syncFile, "server", server)
		err = s.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}
