package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/devpulse/devpulse/internal/aggregator"
	"github.com/devpulse/devpulse/internal/config"
	"github.com/devpulse/devpulse/internal/connector"
	"github.com/devpulse/devpulse/internal/digest"
	"github.com/devpulse/devpulse/internal/domain"
	"github.com/devpulse/devpulse/internal/pipeline"
	"github.com/devpulse/devpulse/internal/storage"
	"github.com/devpulse/devpulse/internal/storage/postgres"
	"github.com/devpulse/devpulse/internal/storage/sqlite"
	"github.com/devpulse/devpulse/pkg/client"
	"github.com/devpulse/devpulse/pkg/logger"
)

var (
	outputJSON bool
	repoID     int64
	daysBack   int
	force      bool
	githubID   int64
	token      string
)

var rootCmd = &cobra.Command{
	Use:   "devpulse",
	Short: "GitHub activity digest tool",
	Long: `A CLI tool for collecting GitHub repository activity and generating
AI-written weekly digests.

DevPulse ingests commits, pull requests, reviews, issues and CI results
from GitHub, aggregates them per repository, and turns each period's
activity into a short engineering summary.`,
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage connected GitHub accounts",
}

var userAddCmd = &cobra.Command{
	Use:   "add [login]",
	Short: "Register a GitHub account",
	Long:  `Register a GitHub account with its numeric ID and access token.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runUserAdd,
}

var reposCmd = &cobra.Command{
	Use:   "repos",
	Short: "Manage tracked repositories",
}

var reposSyncCmd = &cobra.Command{
	Use:   "sync [userID]",
	Short: "Refresh the repository list from GitHub",
	Args:  cobra.ExactArgs(1),
	RunE:  runReposSync,
}

var reposListCmd = &cobra.Command{
	Use:   "list [userID]",
	Short: "List tracked repositories",
	Args:  cobra.ExactArgs(1),
	RunE:  runReposList,
}

var reposSelectCmd = &cobra.Command{
	Use:   "select [userID] [repoID...]",
	Short: "Choose which repositories get digests",
	Long:  `Replace the digest selection with the given repository IDs. At most three are kept.`,
	Args:  cobra.MinimumNArgs(2),
	RunE:  runReposSelect,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [userID]",
	Short: "Collect activity from GitHub",
	Long:  `Collect commits, pull requests, reviews, issues and CI results for the selected repositories.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runIngest,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the API server",
	Long:  `Check that the API server configured via API_ENDPOINT is reachable and healthy.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Generate and inspect digests",
}

var digestGenerateCmd = &cobra.Command{
	Use:   "generate [userID]",
	Short: "Generate digests for the selected repositories",
	Long:  `Aggregate recent activity and generate an AI digest per repository. An existing digest for the same period is kept unless --force is given.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runDigestGenerate,
}

var digestShowCmd = &cobra.Command{
	Use:   "show [digestID]",
	Short: "Show one digest",
	Args:  cobra.ExactArgs(1),
	RunE:  runDigestShow,
}

var digestListCmd = &cobra.Command{
	Use:   "list [repoID]",
	Short: "List a repository's digests",
	Args:  cobra.ExactArgs(1),
	RunE:  runDigestList,
}

var digestDeleteCmd = &cobra.Command{
	Use:   "delete [digestID]",
	Short: "Soft-delete a digest",
	Args:  cobra.ExactArgs(1),
	RunE:  runDigestDelete,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	userAddCmd.Flags().Int64Var(&githubID, "github-id", 0, "numeric GitHub account ID")
	userAddCmd.Flags().StringVar(&token, "token", "", "GitHub access token (defaults to GITHUB_TOKEN)")
	userAddCmd.MarkFlagRequired("github-id")

	ingestCmd.Flags().Int64Var(&repoID, "repo", 0, "limit to one repository ID")
	ingestCmd.Flags().IntVar(&daysBack, "days", 0, "look-back window in days (default from config)")

	digestGenerateCmd.Flags().Int64Var(&repoID, "repo", 0, "limit to one repository ID")
	digestGenerateCmd.Flags().IntVar(&daysBack, "days", 0, "look-back window in days (default from config)")
	digestGenerateCmd.Flags().BoolVar(&force, "force", false, "regenerate even if a digest exists for the period")

	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userAddCmd)
	rootCmd.AddCommand(reposCmd)
	reposCmd.AddCommand(reposSyncCmd)
	reposCmd.AddCommand(reposListCmd)
	reposCmd.AddCommand(reposSelectCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(digestCmd)
	digestCmd.AddCommand(digestGenerateCmd)
	digestCmd.AddCommand(digestShowCmd)
	digestCmd.AddCommand(digestListCmd)
	digestCmd.AddCommand(digestDeleteCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.StorageType {
	case "postgres":
		return postgres.NewPostgresStorage(cfg.PostgresURL)
	default:
		return sqlite.NewSQLiteStorage(cfg.SQLitePath)
	}
}

func setup() (*config.Config, storage.Storage, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	store, err := getStorage(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return cfg, store, nil
}

func buildPipeline(cfg *config.Config, store storage.Storage) *pipeline.Pipeline {
	zl := logger.New(cfg.IsDev())
	factory := func(tok string) connector.Connector {
		return connector.NewGitHubConnector(tok, store, zl)
	}
	agg := aggregator.New(store, zl)
	gen := digest.NewOpenAIGenerator(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	builder := digest.NewBuilder(store, agg, gen, zl)
	return pipeline.New(store, factory, builder, cfg.DaysBack, zl)
}

func parseID(arg, name string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", name, arg)
	}
	return id, nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	cfg, store, err := setup()
	if err != nil {
		return err
	}
	defer store.Close()

	accessToken := token
	if accessToken == "" {
		accessToken = cfg.GitHubToken
	}
	if accessToken == "" {
		return fmt.Errorf("an access token is required (--token or GITHUB_TOKEN)")
	}

	user, err := store.UpsertUser(context.Background(), &domain.User{
		GitHubID:    githubID,
		Login:       args[0],
		AccessToken: accessToken,
	})
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}

	if outputJSON {
		return printJSON(user)
	}
	fmt.Printf("Registered user %s (ID %d)\n", user.Login, user.ID)
	return nil
}

func runReposSync(cmd *cobra.Command, args []string) error {
	userID, err := parseID(args[0], "userID")
	if err != nil {
		return err
	}

	cfg, store, err := setup()
	if err != nil {
		return err
	}
	defer store.Close()

	repos, err := buildPipeline(cfg, store).SyncRepositories(context.Background(), userID)
	if err != nil {
		return fmt.Errorf("failed to sync repositories: %w", err)
	}

	if outputJSON {
		return printJSON(repos)
	}
	fmt.Printf("Synced %d repositories\n", len(repos))
	renderRepoTable(repos)
	return nil
}

func runReposList(cmd *cobra.Command, args []string) error {
	userID, err := parseID(args[0], "userID")
	if err != nil {
		return err
	}

	_, store, err := setup()
	if err != nil {
		return err
	}
	defer store.Close()

	repos, err := store.GetRepositoriesByUser(context.Background(), userID)
	if err != nil {
		return fmt.Errorf("failed to list repositories: %w", err)
	}

	if outputJSON {
		return printJSON(repos)
	}
	renderRepoTable(repos)
	return nil
}

func runReposSelect(cmd *cobra.Command, args []string) error {
	userID, err := parseID(args[0], "userID")
	if err != nil {
		return err
	}

	repoIDs := make([]int64, 0, len(args)-1)
	for _, arg := range args[1:] {
		id, err := parseID(arg, "repoID")
		if err != nil {
			return err
		}
		repoIDs = append(repoIDs, id)
	}

	_, store, err := setup()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.SetSelectedRepositories(ctx, userID, repoIDs); err != nil {
		return fmt.Errorf("failed to select repositories: %w", err)
	}

	selected, err := store.GetSelectedRepositories(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to read selection: %w", err)
	}

	if outputJSON {
		return printJSON(selected)
	}
	fmt.Printf("Selected %d repositories for digests\n", len(selected))
	renderRepoTable(selected)
	return nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	userID, err := parseID(args[0], "userID")
	if err != nil {
		return err
	}

	cfg, store, err := setup()
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Printf("Collecting activity for user %d...\n", userID)
	result, err := buildPipeline(cfg, store).RunIngestion(context.Background(), pipeline.Job{
		Kind:     pipeline.JobKindIngest,
		UserID:   userID,
		RepoID:   repoID,
		DaysBack: daysBack,
	})
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	if outputJSON {
		return printJSON(result)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Metric", "Value"})
	table.Append([]string{"Repositories processed", fmt.Sprintf("%d", result.ReposProcessed)})
	table.Append([]string{"Repositories skipped (restricted)", fmt.Sprintf("%d", result.ReposSkipped)})
	table.Append([]string{"Repositories failed", fmt.Sprintf("%d", result.ReposFailed)})
	table.Append([]string{"Events stored", fmt.Sprintf("%d", result.Events)})
	table.Append([]string{"Items skipped", fmt.Sprintf("%d", result.SkippedItems)})
	table.Render()
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := client.NewClient(cfg.APIEndpoint).HealthCheck(); err != nil {
		return fmt.Errorf("API at %s is not healthy: %w", cfg.APIEndpoint, err)
	}
	fmt.Printf("API at %s is healthy\n", cfg.APIEndpoint)
	return nil
}

func runDigestGenerate(cmd *cobra.Command, args []string) error {
	userID, err := parseID(args[0], "userID")
	if err != nil {
		return err
	}

	cfg, store, err := setup()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := cfg.ValidateGeneration(); err != nil {
		return err
	}

	fmt.Printf("Generating digests for user %d...\n", userID)
	result, err := buildPipeline(cfg, store).RunGeneration(context.Background(), pipeline.Job{
		Kind:     pipeline.JobKindDigest,
		UserID:   userID,
		RepoID:   repoID,
		DaysBack: daysBack,
		Force:    force,
	})
	if err != nil {
		return fmt.Errorf("digest generation failed: %w", err)
	}

	if outputJSON {
		return printJSON(result)
	}

	fmt.Printf("Generated: %d, skipped: %d, failed: %d\n\n",
		result.Generated, result.Skipped, result.Failed)
	for _, d := range result.Digests {
		fmt.Printf("--- Digest %d (repo %d, %s to %s) ---\n\n%s\n\n",
			d.ID, d.RepoID,
			d.PeriodStart.Format("2006-01-02"), d.PeriodEnd.Format("2006-01-02"),
			d.Text)
	}
	return nil
}

func runDigestShow(cmd *cobra.Command, args []string) error {
	digestID, err := parseID(args[0], "digestID")
	if err != nil {
		return err
	}

	_, store, err := setup()
	if err != nil {
		return err
	}
	defer store.Close()

	d, err := store.GetDigestByID(context.Background(), digestID)
	if err != nil {
		return fmt.Errorf("failed to load digest: %w", err)
	}

	if outputJSON {
		return printJSON(d)
	}
	fmt.Printf("Digest %d (repo %d, %s to %s, model %s)\n\n%s\n",
		d.ID, d.RepoID,
		d.PeriodStart.Format("2006-01-02"), d.PeriodEnd.Format("2006-01-02"),
		d.ModelVersion, d.Text)
	return nil
}

func runDigestList(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "repoID")
	if err != nil {
		return err
	}

	_, store, err := setup()
	if err != nil {
		return err
	}
	defer store.Close()

	digests, err := store.GetDigestsByRepo(context.Background(), id)
	if err != nil {
		return fmt.Errorf("failed to list digests: %w", err)
	}

	if outputJSON {
		return printJSON(digests)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Period Start", "Period End", "Model", "Created"})
	for _, d := range digests {
		table.Append([]string{
			fmt.Sprintf("%d", d.ID),
			d.PeriodStart.Format("2006-01-02"),
			d.PeriodEnd.Format("2006-01-02"),
			d.ModelVersion,
			d.CreatedAt.Format(time.RFC3339),
		})
	}
	table.Render()
	return nil
}

func runDigestDelete(cmd *cobra.Command, args []string) error {
	digestID, err := parseID(args[0], "digestID")
	if err != nil {
		return err
	}

	_, store, err := setup()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SoftDeleteDigest(context.Background(), digestID); err != nil {
		return fmt.Errorf("failed to delete digest: %w", err)
	}
	fmt.Printf("Deleted digest %d\n", digestID)
	return nil
}

func renderRepoTable(repos []*domain.Repository) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Repository", "Private", "Selected", "Last Synced"})
	for _, r := range repos {
		lastSynced := "-"
		if r.LastSyncedAt != nil {
			lastSynced = r.LastSyncedAt.Format(time.RFC3339)
		}
		table.Append([]string{
			fmt.Sprintf("%d", r.ID),
			r.FullName,
			fmt.Sprintf("%t", r.IsPrivate),
			fmt.Sprintf("%t", r.IsSelected),
			lastSynced,
		})
	}
	table.Render()
}
