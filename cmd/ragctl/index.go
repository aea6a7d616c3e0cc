package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bull/offline-rag/internal/retriever"
	"github.com/bull/offline-rag/internal/storage"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest PATH...",
	Short: "Ingest documents or directories",
	Long: `Loads, chunks and embeds documents into the passage index.

Directories are walked recursively; only txt, md, html, pdf and docx files
are ingested. Passages whose text is unchanged since the last ingest are
not re-embedded. One failing document does not stop the batch.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

var searchCmd = &cobra.Command{
	Use:   "search QUERY",
	Short: "Show the passages that best match a query",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Manage ingested documents",
}

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingested documents",
	Args:  cobra.NoArgs,
	RunE:  runDocsList,
}

var docsRemoveCmd = &cobra.Command{
	Use:   "remove PATH...",
	Short: "Remove documents and their passages",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDocsRemove,
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the vector index from the passage store",
	Args:  cobra.NoArgs,
	RunE:  runRebuild,
}

var reembedCmd = &cobra.Command{
	Use:   "reembed",
	Short: "Re-embed every document with the configured embedding model",
	Long: `Forgets the embedding model recorded in the store and re-ingests every
document from its source path. Run this after changing embedding.model or
embedding.dimension. Documents whose source file no longer exists are
removed. With a Qdrant index a new dimension must be set explicitly in
embedding.dimension.`,
	Args: cobra.NoArgs,
	RunE: runReembed,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store, index and component health",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var searchTopK int

func init() {
	searchCmd.Flags().IntVarP(&searchTopK, "top-k", "k", 0, "number of passages (default retrieval.top_k)")
	docsCmd.AddCommand(docsListCmd, docsRemoveCmd)
	rootCmd.AddCommand(ingestCmd, searchCmd, docsCmd, rebuildCmd, reembedCmd, statusCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, stop := interruptible(cmd)
	defer stop()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var paths []string
	for _, arg := range args {
		found, err := retriever.CollectPaths(arg)
		if err != nil {
			return fmt.Errorf("Failed to collect %s: %w", arg, err)
		}
		paths = append(paths, found...)
	}
	fmt.Printf("Ingesting %d documents...\n", len(paths))

	result, err := a.Retriever.IngestAll(ctx, paths, func(path string, report *retriever.DocumentReport, err error) {
		if err != nil {
			fmt.Printf("  FAIL %s\n", path)
			return
		}
		fmt.Printf("  ok   %s (%d passages, %d embedded)\n", path, report.Passages, report.Embedded)
	})
	if err != nil {
		return fmt.Errorf("Ingestion failed: %w", err)
	}
	printIngestResult(result)
	return nil
}

func printIngestResult(result *retriever.IngestResult) {
	fmt.Println()
	fmt.Println("Ingest complete!")
	fmt.Printf("  Documents: %d/%d\n", result.SuccessfulDocs, result.TotalDocs)
	fmt.Printf("  Passages embedded: %d\n", result.Embedded)
	fmt.Printf("  Passages unchanged: %d\n", result.Skipped)
	if result.Removed > 0 {
		fmt.Printf("  Passages removed: %d\n", result.Removed)
	}
	if result.FailedPassages > 0 {
		fmt.Printf("  Passages failed: %d\n", result.FailedPassages)
	}
	fmt.Printf("  Duration: %s\n", result.Duration.Round(time.Millisecond))

	if len(result.FailedDocs) > 0 {
		fmt.Println()
		fmt.Println("Failed documents:")
		for _, failed := range result.FailedDocs {
			fmt.Printf("  - %s: %s\n", failed.Path, failed.Reason)
		}
	}
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx, stop := interruptible(cmd)
	defer stop()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	k := searchTopK
	if k <= 0 {
		k = a.Config.Retrieval.TopK
	}
	hits, err := a.Retriever.Retrieve(ctx, strings.Join(args, " "), k, nil)
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		fmt.Println("No matching passages.")
		return nil
	}
	for _, h := range hits {
		fmt.Printf("[%d] %.3f  %s", h.Rank, h.Score, h.SourcePath)
		if h.Passage.Location != "" {
			fmt.Printf("  (%s)", h.Passage.Location)
		}
		fmt.Printf("\n    semantic %.3f, lexical %.3f\n", h.Semantic, h.Lexical)
		fmt.Printf("    %s\n\n", preview(h.Passage.Text, 240))
	}
	return nil
}

func preview(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) <= max {
		return text
	}
	return string(r[:max]) + "..."
}

func runDocsList(cmd *cobra.Command, args []string) error {
	ctx, stop := interruptible(cmd)
	defer stop()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	docs, err := a.Retriever.Documents(ctx)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		fmt.Println("No documents ingested.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tFORMAT\tPASSAGES\tINGESTED")
	for _, d := range docs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", d.SourcePath, d.MimeKind, d.Passages, d.IngestedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runDocsRemove(cmd *cobra.Command, args []string) error {
	ctx, stop := interruptible(cmd)
	defer stop()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var failed int
	for _, path := range args {
		n, err := a.Retriever.Remove(ctx, path)
		switch {
		case errors.Is(err, storage.ErrDocumentNotFound):
			fmt.Printf("  not ingested: %s\n", path)
		case err != nil:
			failed++
			fmt.Printf("  FAIL %s: %v\n", path, err)
		default:
			fmt.Printf("  removed %s (%d passages)\n", path, n)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d documents could not be removed", failed)
	}
	return nil
}

func runRebuild(cmd *cobra.Command, args []string) error {
	ctx, stop := interruptible(cmd)
	defer stop()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	start := time.Now()
	fmt.Println("Rebuilding index from store...")
	report, err := a.Retriever.Rebuild(ctx)
	if err != nil {
		return fmt.Errorf("Rebuild failed: %w", err)
	}
	fmt.Printf("  Passages: %d\n", report.Passages)
	fmt.Printf("  Verified: %t\n", report.Verified)
	fmt.Printf("  Duration: %s\n", time.Since(start).Round(time.Millisecond))
	if !report.Verified {
		return errors.New("rebuilt index ranks the probe query differently")
	}
	return nil
}

func runReembed(cmd *cobra.Command, args []string) error {
	ctx, stop := interruptible(cmd)
	defer stop()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	docs, err := a.Retriever.Documents(ctx)
	if err != nil {
		return err
	}
	paths := make([]string, 0, len(docs))
	for _, d := range docs {
		if _, err := a.Retriever.Remove(ctx, d.SourcePath); err != nil {
			return fmt.Errorf("Failed to clear %s: %w", d.SourcePath, err)
		}
		paths = append(paths, d.SourcePath)
	}
	if err := a.Store.ResetEmbeddingSchema(ctx); err != nil {
		return err
	}
	if err := a.Index.Rebuild(ctx, nil); err != nil {
		return fmt.Errorf("Failed to clear index: %w", err)
	}

	fmt.Printf("Re-embedding %d documents with %s...\n", len(paths), a.Embedder.Model())
	result, err := a.Retriever.IngestAll(ctx, paths, nil)
	if err != nil {
		return fmt.Errorf("Re-embedding failed: %w", err)
	}
	printIngestResult(result)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, stop := interruptible(cmd)
	defer stop()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.Retriever.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Store:      %s\n", a.Config.StorePath())
	fmt.Printf("Index:      %s\n", a.Config.Index.Type)
	fmt.Printf("Documents:  %d\n", st.Documents)
	fmt.Printf("Passages:   %d (indexed %d)\n", st.Passages, st.IndexedEntries)
	fmt.Printf("Dimension:  %d\n", st.Dimension)
	fmt.Printf("Embedder:   %s (store built with %q)\n", st.EmbedderModel, st.StoreModel)
	fmt.Printf("Generation: %s %s\n", a.Config.Generation.Backend, a.Config.Generation.Model)
	if fam, err := a.Family(); err == nil {
		fmt.Printf("Family:     %s\n", fam.Name)
	}

	fmt.Println()
	fmt.Println("Health:")
	for name, checker := range a.Health {
		state := "ok"
		if err := checker.Health(ctx); err != nil {
			state = err.Error()
		}
		fmt.Printf("  %-9s %s\n", name, state)
	}
	return nil
}
