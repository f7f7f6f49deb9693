package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"collabtext/internal/api"
	"collabtext/internal/replica"
	"collabtext/internal/sequencer"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the last synced copy of a document",
	Long: "Print the last synced copy of a document. Without --doc, list the " +
		"documents synced on this machine, limited to --room if it is given.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, err := replica.Open(config.cache)
		if err != nil {
			return err
		}
		defer cache.Close()

		if config.doc <= 0 {
			return printReplicas(cmd.OutOrStdout(), cache, config.room)
		}
		addr, err := address()
		if err != nil {
			return err
		}
		e, err := cache.Get(addr)
		if errors.Is(err, replica.ErrNotFound) {
			return fmt.Errorf("%s has not been synced on this machine", addr)
		}
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), e.Content)
		return nil
	},
}

func printReplicas(out io.Writer, cache *replica.Cache, room string) error {
	listed, err := cache.List(room)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DOCUMENT\tVERSION\tSYNCED")
	for _, l := range listed {
		fmt.Fprintf(w, "%s\t%d\t%s\n", l.Address, l.Version, l.Saved.Local().Format(time.DateTime))
	}
	return w.Flush()
}

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "List or create documents in a room",
}

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the documents in a room",
	RunE: func(cmd *cobra.Command, args []string) error {
		if config.room == "" {
			return fmt.Errorf("--room is required")
		}
		server, err := resolveServer(cmd.Context(), newLogger())
		if err != nil {
			return err
		}
		docs, err := api.New(server).ListDocuments(cmd.Context(), config.room)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE")
		for _, d := range docs {
			fmt.Fprintf(w, "%d\t%s\n", d.ID, d.Title)
		}
		return w.Flush()
	},
}

var docTitle string

var docsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a document in a room",
	RunE: func(cmd *cobra.Command, args []string) error {
		if config.room == "" {
			return fmt.Errorf("--room is required")
		}
		server, err := resolveServer(cmd.Context(), newLogger())
		if err != nil {
			return err
		}
		doc, err := api.New(server).CreateDocument(cmd.Context(), config.room, docTitle)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created document %d %q\n", doc.ID, doc.Title)
		return nil
	},
}

var (
	askPrompt string
	askCursor int
)

var askCmd = &cobra.Command{
	Use:   "ask",
	Short: "Ask the assistant to write at a position in a document",
	Long: "Ask the assistant to write at a position in a document. The text shows up " +
		"in every participant's copy, including a running sync, once it is ready.",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := address()
		if err != nil {
			return err
		}
		if askPrompt == "" {
			return fmt.Errorf("--prompt is required")
		}
		server, err := resolveServer(cmd.Context(), newLogger())
		if err != nil {
			return err
		}
		err = api.New(server).Ask(cmd.Context(), sequencer.AssistRequest{
			Prompt:         askPrompt,
			DocumentID:     addr.Document,
			RoomCode:       addr.Room,
			CursorPosition: askCursor,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "request accepted")
		return nil
	},
}

func init() {
	docsCreateCmd.Flags().StringVar(&docTitle, "title", "", "Title of the new document")
	docsCmd.AddCommand(docsListCmd, docsCreateCmd)

	askCmd.Flags().StringVarP(&askPrompt, "prompt", "p", "", "What to ask for")
	askCmd.Flags().IntVar(&askCursor, "cursor", 0, "Character offset to insert at")
}
