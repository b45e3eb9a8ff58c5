package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"policy-adjudicator/internal/app"
	"policy-adjudicator/internal/config"
	"policy-adjudicator/internal/logger"
	"policy-adjudicator/models"
	"policy-adjudicator/services"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Replaced in tests.
var loadConfig = config.LoadConfig
var newContainer = app.New

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "policyctl",
		Short:         "Operate the policy adjudication pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newEnsureIndexCommand())
	root.AddCommand(newIngestCommand())
	root.AddCommand(newAskCommand())
	root.AddCommand(newChunkCommand())
	return root
}

func openContainer(ctx context.Context, opts app.Options) (*app.Container, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.GinMode, os.Stderr)
	return newContainer(ctx, cfg, opts)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newEnsureIndexCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure-index",
		Short: "Create the vector index if missing and wait until it is queryable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := openContainer(ctx, app.Options{SkipGenerator: true})
			if err != nil {
				return err
			}
			defer c.Close(context.Background())

			info, err := c.Index.Describe(ctx)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), info)
		},
	}
}

func newIngestCommand() *cobra.Command {
	var chunkSize, overlap int

	cmd := &cobra.Command{
		Use:   "ingest <file.pdf>...",
		Short: "Chunk, embed and index PDF files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			uploads, err := readUploads(args)
			if err != nil {
				return err
			}

			c, err := openContainer(ctx, app.Options{SkipGenerator: true})
			if err != nil {
				return err
			}
			defer c.Close(context.Background())

			if chunkSize == 0 {
				chunkSize = c.Config.ChunkSize
			}
			if overlap < 0 {
				overlap = c.Config.ChunkOverlap
			}

			report, err := c.Ingestion.Ingest(ctx, uploads, chunkSize, overlap)
			if report != nil {
				if werr := writeJSON(cmd.OutOrStdout(), report); werr != nil {
					return werr
				}
			}
			return err
		},
	}
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "chunk size in characters (default from CHUNK_SIZE)")
	cmd.Flags().IntVar(&overlap, "overlap", -1, "chunk overlap in characters (default from CHUNK_OVERLAP)")
	return cmd
}

func readUploads(paths []string) ([]models.Upload, error) {
	uploads := make([]models.Upload, 0, len(paths))
	for _, p := range paths {
		content, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, models.Upload{Filename: filepath.Base(p), Content: content})
	}
	return uploads, nil
}

func newAskCommand() *cobra.Command {
	var topK int
	var showSources bool

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Retrieve policy passages and print a coverage decision",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			question := strings.TrimSpace(strings.Join(args, " "))
			if question == "" {
				return errors.New("question must not be empty")
			}

			c, err := openContainer(ctx, app.Options{})
			if err != nil {
				return err
			}
			defer c.Close(context.Background())

			if topK <= 0 {
				topK = c.Config.TopK
			}
			passages, err := c.Retriever.Retrieve(ctx, question, topK)
			if err != nil {
				return err
			}
			decision, err := c.Decisions.Synthesize(ctx, question, passages)
			if err != nil {
				return err
			}

			if !showSources {
				return writeJSON(cmd.OutOrStdout(), decision)
			}
			sources := make([]models.PassageMetadata, 0, len(passages))
			for _, p := range passages {
				sources = append(sources, p.Metadata)
			}
			return writeJSON(cmd.OutOrStdout(), models.AskResponse{Decision: decision, Sources: sources})
		},
	}
	cmd.Flags().IntVar(&topK, "top-k", 0, "passages to retrieve (default from TOP_K)")
	cmd.Flags().BoolVar(&showSources, "sources", false, "include retrieved passage metadata")
	return cmd
}

// chunkSummary is printed by the chunk command.
type chunkSummary struct {
	ChunkID    string `json:"chunk_id"`
	PageNumber int    `json:"page_number"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Preview    string `json:"preview"`
}

func newChunkCommand() *cobra.Command {
	var chunkSize, overlap int
	var verify bool

	cmd := &cobra.Command{
		Use:   "chunk <file>",
		Short: "Show how a PDF or text file would be chunked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := loadDocument(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			chunks, err := services.ChunkDocument(doc, chunkSize, overlap)
			if err != nil {
				return err
			}

			if verify {
				if rebuilt := services.Reconstruct(chunks); rebuilt != doc.RawText {
					return fmt.Errorf("reconstruction mismatch: %d chunks rebuild %d characters, source has %d",
						len(chunks), len([]rune(rebuilt)), len([]rune(doc.RawText)))
				}
				for _, ch := range chunks {
					if n := len([]rune(ch.Text)); n > chunkSize {
						return fmt.Errorf("chunk %s has %d characters, limit is %d", ch.ChunkID, n, chunkSize)
					}
				}
			}

			out := make([]chunkSummary, len(chunks))
			for i, ch := range chunks {
				out[i] = chunkSummary{
					ChunkID:    ch.ChunkID,
					PageNumber: ch.PageNumber,
					Start:      ch.Span.Start,
					End:        ch.Span.End,
					Preview:    preview(ch.Text, 60),
				}
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 500, "chunk size in characters")
	cmd.Flags().IntVar(&overlap, "overlap", 50, "chunk overlap in characters")
	cmd.Flags().BoolVar(&verify, "verify", false, "fail unless chunks rebuild the source exactly and respect the size limit")
	return cmd
}

func loadDocument(ctx context.Context, path string) (models.Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return models.Document{}, err
	}
	name := filepath.Base(path)
	sourceID := services.SourceIDFor(name)
	if strings.EqualFold(filepath.Ext(name), ".pdf") {
		return services.NewPDFExtractor().ExtractDocument(ctx, sourceID, models.Upload{Filename: name, Content: content})
	}
	return models.NewDocument(sourceID, name, []models.PageText{{Number: 1, Text: string(content)}}), nil
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
