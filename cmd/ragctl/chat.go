package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bull/offline-rag/internal/chat"
	"github.com/bull/offline-rag/internal/conversation"
	"github.com/bull/offline-rag/internal/retriever"
	"github.com/bull/offline-rag/internal/watch"
)

var askCmd = &cobra.Command{
	Use:   "ask QUESTION",
	Short: "Answer one question from the ingested documents",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive conversation",
	Long: `Answers questions interactively, keeping earlier turns as context.

Ctrl-C stops the answer being generated; at the prompt it exits.
Commands:
  /new   start a new conversation
  /quit  exit`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

var watchCmd = &cobra.Command{
	Use:   "watch DIR...",
	Short: "Keep the index in sync with directories",
	Long: `Ingests every supported document under the directories, then watches
them. Created and modified files are re-ingested; deleted and renamed files
are removed from the index.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

var (
	showReasoning bool
	showSources   bool
	skipInitial   bool
)

func init() {
	for _, c := range []*cobra.Command{askCmd, chatCmd} {
		c.Flags().BoolVar(&showReasoning, "reasoning", false, "stream the model's reasoning as well as the answer")
		c.Flags().BoolVar(&showSources, "sources", true, "list the passages used after each answer")
	}
	watchCmd.Flags().BoolVar(&skipInitial, "no-initial", false, "skip the initial ingest of the directories")
	rootCmd.AddCommand(askCmd, chatCmd, watchCmd)
}

// printer streams the answer to stdout. Reasoning is shown only with
// --reasoning, set apart from the answer.
type printer struct {
	inReasoning bool
}

func (p *printer) OnReasoning(text string) {
	if !showReasoning {
		return
	}
	if !p.inReasoning {
		fmt.Print("[reasoning] ")
		p.inReasoning = true
	}
	fmt.Print(text)
}

func (p *printer) OnToken(text string) {
	if p.inReasoning {
		fmt.Print("\n\n")
		p.inReasoning = false
	}
	fmt.Print(text)
}

func (p *printer) OnComplete(c chat.Completion) {
	p.inReasoning = false
	fmt.Println()
	switch c.Status {
	case conversation.StatusCancelled:
		fmt.Println("[stopped]")
	case conversation.StatusFailed:
		fmt.Printf("[generation failed: %v]\n", c.Err)
	}
	if showSources && len(c.Sources) > 0 {
		fmt.Println()
		fmt.Println("Sources:")
		for _, h := range c.Sources {
			fmt.Printf("  [%d] %s%s (%.2f)\n", h.Rank, filepath.Base(h.SourcePath), location(h), h.Score)
		}
	}
}

func (*printer) OnIngest(path string, report *retriever.DocumentReport, err error) {}

func location(h retriever.Hit) string {
	if h.Passage.Location == "" {
		return ""
	}
	return ", " + h.Passage.Location
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := interruptible(cmd)
	defer stop()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	engine, err := a.Engine(&printer{})
	if err != nil {
		return err
	}
	c, err := engine.Ask(ctx, strings.Join(args, " "))
	if err != nil && c.Status != conversation.StatusCancelled {
		return err
	}
	return nil
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	engine, err := a.Engine(&printer{})
	if err != nil {
		return err
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Printf("Chatting with %s (family %s). Type /quit to exit.\n", a.Config.Generation.Model, engine.Family().Name)
	for {
		fmt.Print("\n> ")
		var line string
		select {
		case l, ok := <-lines:
			if !ok {
				fmt.Println()
				return nil
			}
			line = strings.TrimSpace(l)
		case <-interrupts:
			fmt.Println()
			return nil
		}

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			engine.NewConversation()
			fmt.Println("Started a new conversation.")
			continue
		}

		reply, err := engine.Start(ctx, line)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		select {
		case <-reply.Done():
		case <-interrupts:
			engine.Cancel()
			reply.Wait()
		}
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := interruptible(cmd)
	defer stop()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if !skipInitial {
		var paths []string
		for _, dir := range args {
			found, err := retriever.CollectPaths(dir)
			if err != nil {
				return fmt.Errorf("Failed to collect %s: %w", dir, err)
			}
			paths = append(paths, found...)
		}
		fmt.Printf("Ingesting %d documents...\n", len(paths))
		result, err := a.Retriever.IngestAll(ctx, paths, nil)
		if err != nil {
			return fmt.Errorf("Initial ingest failed: %w", err)
		}
		printIngestResult(result)
		fmt.Println()
	}

	w, err := watch.New(a.Retriever, watch.Options{
		Debounce: a.Config.Watch.Debounce,
		OnEvent: func(ev watch.Event) {
			switch {
			case ev.Err != nil:
				fmt.Printf("  FAIL %s %s: %v\n", ev.Op, ev.Path, ev.Err)
			case ev.Op == watch.OpRemove:
				fmt.Printf("  removed %s (%d passages)\n", ev.Path, ev.Removed)
			default:
				fmt.Printf("  ingested %s (%d embedded, %d unchanged)\n", ev.Path, ev.Report.Embedded, ev.Report.Skipped)
			}
		},
	}, a.Logger)
	if err != nil {
		return err
	}
	defer w.Close()

	for _, dir := range args {
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("Failed to watch %s: %w", dir, err)
		}
	}
	fmt.Printf("Watching %s (Ctrl-C to stop)\n", strings.Join(args, ", "))
	return w.Run(ctx)
}
