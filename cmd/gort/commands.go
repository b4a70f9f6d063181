package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/SomethingGeneric/gort/internal/domain"
	"github.com/SomethingGeneric/gort/internal/forge"
	"github.com/SomethingGeneric/gort/internal/gate"
	"github.com/SomethingGeneric/gort/internal/journal"
	"github.com/SomethingGeneric/gort/internal/workspace"
)

var (
	runIssue     int
	runMessage   string
	historyRepo  string
	historyLimit int
	registerURL  string
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run OWNER/REPO",
		Short: "Run the assistant once against a repository",
		Long: `Run the assistant once. With --issue the run answers that issue and the
reply is posted on it. With --message the run is seeded with the given text
and its final reply is printed.`,
		Args: cobra.ExactArgs(1),
		RunE: runRun,
	}
	runCmd.Flags().IntVar(&runIssue, "issue", 0, "issue number to answer")
	runCmd.Flags().StringVar(&runMessage, "message", "", "free-form request instead of an issue")
	rootCmd.AddCommand(runCmd)

	// history command
	historyCmd := &cobra.Command{
		Use:   "history [ID]",
		Short: "Show past runs, or the tool calls of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHistory,
	}
	historyCmd.Flags().StringVar(&historyRepo, "repo", "", "filter by OWNER/REPO")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of runs to show")
	rootCmd.AddCommand(historyCmd)

	// sweep command
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove stale workspaces now",
		RunE:  runSweep,
	}
	rootCmd.AddCommand(sweepCmd)

	// register command
	registerCmd := &cobra.Command{
		Use:   "register OWNER/REPO",
		Short: "Install the issue webhook on a repository",
		Args:  cobra.ExactArgs(1),
		RunE:  runRegister,
	}
	registerCmd.Flags().StringVar(&registerURL, "url", "", "webhook base URL (defaults to web.public_url)")
	rootCmd.AddCommand(registerCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	slug, err := domain.ParseRepositorySlug(args[0])
	if err != nil {
		return err
	}
	if (runIssue > 0) == (runMessage != "") {
		return errors.New("exactly one of --issue or --message is required")
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if runMessage != "" {
		res, err := a.driver.Execute(ctx, []domain.Message{{Role: domain.RoleUser, Content: runMessage}}, slug)
		fmt.Printf("%s (%s)\n\n%s\n", res.Status, res.ID, res.Message)
		return err
	}

	ev, err := a.responder.EventFor(ctx, slug, runIssue)
	if err != nil {
		return err
	}
	res, err := a.responder.Handle(ctx, ev)
	if res == nil {
		if err == nil {
			fmt.Printf("Nothing to do for %s#%d\n", slug, runIssue)
		}
		return err
	}
	fmt.Printf("%s (%s), reply posted to %s#%d\n", res.Status, res.ID, slug, runIssue)
	return err
}

func openJournal() (*journal.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return journal.New(cfg.General.DatabasePath)
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, err := openJournal()
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) == 1 {
		return showRun(cmd, store, args[0])
	}

	runs, err := store.List(cmd.Context(), journal.ListOptions{Repo: historyRepo, Limit: historyLimit})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREPO\tSTATUS\tSTARTED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Repo, r.Status, humanize.Time(r.StartedAt), r.Duration().Round(time.Second))
	}
	return w.Flush()
}

func showRun(cmd *cobra.Command, store *journal.Store, id string) error {
	run, err := store.Get(cmd.Context(), id)
	if errors.Is(err, journal.ErrNotFound) {
		return fmt.Errorf("no run with id %s", id)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Run %s on %s: %s\n", run.ID, run.Repo, run.Status)
	if run.RunID != "" {
		fmt.Printf("Assistant run %s (thread %s)\n", run.RunID, run.ThreadID)
	}
	fmt.Printf("Started %s, took %s\n", humanize.Time(run.StartedAt), run.Duration().Round(time.Second))
	if run.Message != "" {
		fmt.Printf("\n%s\n", run.Message)
	}
	if run.RunID == "" {
		return nil
	}

	calls, err := store.ToolCalls(cmd.Context(), run.RunID)
	if err != nil {
		return err
	}
	if len(calls) == 0 {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tRESULT\tDURATION\tOUTPUT")
	for _, c := range calls {
		result := "ok"
		if c.Failed {
			result = "failed"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Name, result, c.Duration.Round(time.Millisecond), oneLine(c.Output, 60))
	}
	return w.Flush()
}

func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.General.LogLevel)

	// A separate process cannot see a server's locks; MaxAge guards live runs
	janitor := workspace.NewJanitor(cfg.General.WorkspaceRoot, cfg.Janitor.MaxAge.Duration, gate.NewSlugLocks(), logger)
	removed, err := janitor.Sweep(time.Now())
	for _, slug := range removed {
		fmt.Printf("removed %s\n", slug)
	}
	if err == nil && len(removed) == 0 {
		fmt.Println("No stale workspaces")
	}
	return err
}

func runRegister(cmd *cobra.Command, args []string) error {
	slug, err := domain.ParseRepositorySlug(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	base := registerURL
	if base == "" {
		base = cfg.Web.PublicURL
	}
	if base == "" {
		return errors.New("--url or web.public_url is required")
	}

	f, err := forge.New(cfg.Forge.Kind, cfg.Forge.Endpoint, cfg.Forge.Username, cfg.Forge.Token)
	if err != nil {
		return err
	}
	hook := forge.Webhook{URL: strings.TrimRight(base, "/") + "/webhook", Secret: cfg.Web.WebhookSecret}
	if err := f.AddWebhook(cmd.Context(), slug.Owner, slug.Name, hook); err != nil {
		return err
	}
	fmt.Printf("Webhook %s installed on %s\n", hook.URL, slug)
	return nil
}

func newJanitor(a *app) *workspace.Janitor {
	return workspace.NewJanitor(a.cfg.General.WorkspaceRoot, a.cfg.Janitor.MaxAge.Duration, a.locks, a.logger)
}
