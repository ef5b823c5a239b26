package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"agentflow/backend/internal/config"
	"agentflow/backend/internal/logging"
	"agentflow/backend/internal/repository"
	"agentflow/backend/internal/services"
	"agentflow/backend/pkg/models"
)

const seedDomain = "localhost"

// contentReview is a draft and review loop with a human sign-off.
const contentReview = `
id: content-review
name: Content Review
processes:
  - id: editorial
    name: Editorial
    lanes:
      - {name: Writer, nodes: [research, draft]}
      - {name: Editor, nodes: [review]}
      - {name: Publisher, nodes: [signoff, publish]}
    nodes:
      - {id: start, type: startEvent}
      - id: research
        type: task
        name: Research
        documentation: Collect facts and sources for the request.
        contract: {version: 1, outputs: [findings]}
      - id: draft
        type: task
        name: Draft
        documentation: Write a draft from the findings.
        contract: {version: 1, inputs: [findings], outputs: [draft]}
      - id: review
        type: task
        name: Review
        documentation: Review the draft and decide whether it is ready.
        contract: {version: 1, inputs: [draft], outputs: [approved, notes]}
      - {id: ready, type: exclusiveGateway, name: Ready to publish?, routing: static}
      - {id: signoff, type: userTask, name: Sign-off}
      - id: publish
        type: task
        name: Publish
        contract: {version: 1, inputs: [draft]}
      - {id: end, type: endEvent}
    flows:
      - {source: start, target: research}
      - {source: research, target: draft}
      - {source: draft, target: review}
      - {source: review, target: ready}
      - {id: accepted, source: ready, target: signoff, name: ready, condition: "approved == true"}
      - {id: revise, source: ready, target: draft, name: revise, condition: "approved == false"}
      - {source: signoff, target: publish}
      - {source: publish, target: end}
`

var seedWorkers = []models.WorkerRef{
	{ID: "writer", Name: "Writer", Config: models.WorkerConfig{Purpose: "Researches and drafts content."}},
	{ID: "editor", Name: "Editor", Config: models.WorkerConfig{Purpose: "Reviews drafts for accuracy and tone."}},
	{ID: "publisher", Name: "Publisher", Config: models.WorkerConfig{Purpose: "Formats and publishes approved content."}},
}

func main() {
	var envFile, configFile string
	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Seed a local tenant with a sample process and workers",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(envFile, configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return seed(context.Background(), cfg)
		},
	}
	cmd.Flags().StringVar(&envFile, "env", "", "Path to .env file")
	cmd.Flags().StringVar(&configFile, "config", "", "Path to config file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func seed(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Pretty)
	if cfg.DB.Driver != "postgres" {
		return fmt.Errorf("seed requires db.driver postgres, got %q", cfg.DB.Driver)
	}

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return fmt.Errorf("failed to connect to DB: %w", err)
	}
	defer pool.Close()

	store := repository.NewPostgres(pool)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	// 1. Ensure tenant exists
	tenant, err := store.GetTenantByDomain(ctx, seedDomain)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		logger.Info("Creating default tenant", "domain", seedDomain)
		tenant = &models.Tenant{Name: "Local Dev Tenant", Domain: seedDomain}
		if err := store.CreateTenant(ctx, tenant); err != nil {
			return fmt.Errorf("failed to create tenant: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to look up tenant: %w", err)
	default:
		logger.Info("Found existing tenant", "id", tenant.ID)
	}

	// 2. Store the sample process; each seed adds a version
	def, err := services.NewProcessService(store).Save(ctx, tenant.ID, "seed-script", []byte(contentReview))
	if err != nil {
		return fmt.Errorf("failed to save process: %w", err)
	}
	logger.Info("Seeded process", "id", def.ProcessID, "version", def.Version)

	// 3. Register its workers
	for _, w := range seedWorkers {
		if err := store.UpsertWorker(ctx, tenant.ID, def.ProcessID, w); err != nil {
			return fmt.Errorf("failed to upsert worker %s: %w", w.ID, err)
		}
		logger.Info("Seeded worker", "id", w.ID, "process", def.ProcessID)
	}

	logger.Info("Seeding complete!")
	return nil
}
