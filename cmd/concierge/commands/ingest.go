// ABOUTME: Ingest command adds documents to the retrieval index
// ABOUTME: Each file becomes one document, split into overlapping chunks
package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var (
	ingestID     string
	ingestSource string
)

// NewIngestCmd creates the ingest command
func NewIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Add documents to the retrieval index",
		Long: `Add documents to the retrieval index.

Each file is split into chunks of about 500 characters with 50
characters of overlap and embedded with the configured embedding model.
Re-ingesting a document id replaces its previous chunks.

The document id defaults to the file name without its extension.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runIngest,
		Example: `  concierge ingest docs/return-policy.md
  concierge ingest faq.txt --id faq --source "FAQ 2026"`,
	}

	cmd.Flags().StringVar(&ingestID, "id", "", "Document id (only with a single file)")
	cmd.Flags().StringVar(&ingestSource, "source", "", "Source label shown with citations")

	return cmd
}

func runIngest(cmd *cobra.Command, args []string) error {
	if ingestID != "" && len(args) > 1 {
		return fmt.Errorf("--id can only be used with a single file")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.OpenAIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required to embed documents")
	}
	embedder, err := newOpenAIClient(cfg)
	if err != nil {
		return err
	}

	idx, err := openRetriever(cfg, embedder)
	if err != nil {
		return err
	}

	for _, path := range args {
		text, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}

		docID := ingestID
		if docID == "" {
			docID = documentID(path)
		}
		source := ingestSource
		if source == "" {
			source = filepath.Base(path)
		}

		n, err := idx.Ingest(cmd.Context(), docID, source, string(text))
		if err != nil {
			return err
		}
		if !quiet {
			fmt.Fprintf(cmd.OutOrStdout(), "Indexed %s as %s (%d chunks)\n", path, docID, n)
		}
	}
	return nil
}

// documentID derives a stable id from a file path
func documentID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
