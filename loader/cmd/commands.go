package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"ragchat/app/agent"
	"ragchat/app/server"
	"ragchat/types"
)

type opener func(ctx context.Context) (*server.Components, error)

type loader struct {
	open       opener
	maxUpload  int64
	components *server.Components

	conversationID string
	owner          string
	limit          int
	minScore       float64
	jsonOutput     bool
}

func newRootCmd(open opener, maxUpload int64) *cobra.Command {
	l := &loader{open: open, maxUpload: maxUpload}

	root := &cobra.Command{
		Use:           "loader",
		Short:         "Bulk-load documents into a conversation and query them",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := l.open(cmd.Context())
			if err != nil {
				return err
			}
			l.components = c
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			return l.components.Close(ctx)
		},
	}
	root.PersistentFlags().StringVarP(&l.conversationID, "conversation", "c", "", "conversation id")

	ingest := &cobra.Command{
		Use:   "ingest [path...]",
		Short: "Index files and directories into a conversation",
		Long: `Walks every path, uploads each supported file into the conversation
and waits until all of them are READY or ERROR. Without --conversation a
new conversation is created for --owner.`,
		Args: cobra.MinimumNArgs(1),
		RunE: l.runIngest,
	}
	ingest.Flags().StringVar(&l.owner, "owner", "", "username that owns the conversation")
	_ = ingest.MarkFlagRequired("owner")

	search := &cobra.Command{
		Use:   "search [query]",
		Short: "Search a conversation's documents",
		Args:  cobra.ExactArgs(1),
		RunE:  l.runSearch,
	}
	search.Flags().IntVarP(&l.limit, "limit", "n", 5, "maximum number of results")
	search.Flags().Float64Var(&l.minScore, "min-score", 0.5, "minimum relevance score")
	search.Flags().BoolVar(&l.jsonOutput, "json", false, "output results as JSON")

	root.AddCommand(ingest, search)
	return root
}

type pending struct {
	doc    types.Document
	status <-chan types.DocumentStatus
}

func (l *loader) runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c := l.components

	files, err := l.collect(args)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.New("no supported files found")
	}

	conv, err := c.Manager.GetOrCreate(ctx, l.conversationID, l.owner, "")
	if err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}

	var jobs []pending
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		doc := types.Document{
			ID:             uuid.NewString(),
			Name:           filepath.Base(path),
			Type:           extension(path),
			Size:           int64(len(data)),
			ConversationID: conv.ID,
			UploadedAt:     time.Now().UTC(),
		}
		ch, err := c.Retriever.Ingest(ctx, doc, data)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
		if err := c.Manager.AttachDocument(ctx, conv.ID, doc.ID); err != nil {
			return err
		}
		jobs = append(jobs, pending{doc: doc, status: ch})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Conversation %s\n", conv.ID)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DOCUMENT\tSTATUS\tCHUNKS")
	failed := 0
	for _, j := range jobs {
		var last types.DocumentStatus
		for s := range j.status {
			last = s
		}
		chunks := 0
		if doc, err := c.Retriever.GetDocument(ctx, j.doc.ID); err == nil {
			chunks = doc.TotalChunks
		}
		if last != types.StatusReady {
			failed++
		}
		fmt.Fprintf(w, "%s\t%s\t%d\n", j.doc.Name, last, chunks)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed to index", failed, len(jobs))
	}
	return nil
}

// collect expands directories and keeps the files the pipeline can chunk
// and that fit the upload limit.
func (l *loader) collect(paths []string) ([]string, error) {
	var out []string
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != root && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if !l.components.Retriever.Supports(extension(path)) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			if info.Size() > l.maxUpload {
				return nil
			}
			out = append(out, path)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

type searchResult struct {
	Rank     int     `json:"rank"`
	Document string  `json:"document"`
	Section  string  `json:"section,omitempty"`
	Score    float64 `json:"score"`
	Snippet  string  `json:"snippet"`
}

func (l *loader) runSearch(cmd *cobra.Command, args []string) error {
	if l.conversationID == "" {
		return errors.New("--conversation is required")
	}
	query := args[0]
	hits, err := l.components.Retriever.Search(cmd.Context(), query, l.conversationID, l.limit, l.minScore)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	results := make([]searchResult, 0, len(hits))
	for i, h := range hits {
		results = append(results, searchResult{
			Rank:     i + 1,
			Document: h.Chunk.DocumentName,
			Section:  h.Chunk.Section,
			Score:    h.Score,
			Snippet:  agent.Snippet(h.Chunk.Text, query),
		})
	}

	out := cmd.OutOrStdout()
	if l.jsonOutput {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal results: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	if len(results) == 0 {
		fmt.Fprintln(out, "No results found.")
		return nil
	}
	for _, r := range results {
		fmt.Fprintf(out, "  [%d] %s (%.2f)\n", r.Rank, agent.Label(hits[r.Rank-1].Chunk), r.Score)
		fmt.Fprintf(out, "      %s\n\n", r.Snippet)
	}
	return nil
}

func extension(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}
