package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxdispense/internal/api/middleware"
	"github.com/drfirst/go-rxdispense/internal/domain/catalog"
	"github.com/drfirst/go-rxdispense/internal/domain/inventory"
	"github.com/drfirst/go-rxdispense/internal/domain/prescription"
	"github.com/drfirst/go-rxdispense/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxdispense/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxdispense/internal/patient"
)

func migrateCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pool, err := e.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := postgres.Migrate(cmd.Context(), pool, e.logger)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			}
			for _, v := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), "applied", v)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List embedded migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			migrations, err := postgres.Migrations()
			if err != nil {
				return err
			}
			for _, m := range migrations {
				fmt.Fprintln(cmd.OutOrStdout(), m.Version)
			}
			return nil
		},
	})
	return cmd
}

func seedCatalogCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "seed-catalog <file.json>",
		Short: "Register medicines from a JSON array",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var medicines []*catalog.Medicine
			if err := json.Unmarshal(data, &medicines); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}

			pool, err := e.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := catalog.NewService(catalog.NewPostgresRepository(pool, e.logger), catalog.DefaultServiceConfig(), e.logger)
			for _, m := range medicines {
				saved, err := svc.Register(cmd.Context(), m)
				if err != nil {
					return fmt.Errorf("register %q: %w", m.Name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", saved.ID, saved.Name)
			}
			return nil
		},
	}
}

func sweepCmd(e *env) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "sweep-expired",
		Short: "Expire lapsed prescriptions and write off expired stock",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			pool, err := e.connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			medicines := catalog.NewService(catalog.NewPostgresRepository(pool, e.logger), catalog.DefaultServiceConfig(), e.logger)
			signer, err := prescription.NewSigner(e.cfg.QRCodeSecret)
			if err != nil {
				return err
			}
			// the sweep never creates prescriptions, so no patient source is needed
			engine, err := prescription.NewEngine(prescription.Dependencies{
				Store:    prescription.NewRepository(pool, e.logger),
				Catalog:  medicines,
				Patients: patient.NewStaticDirectory(),
				Signer:   signer,
			}, prescription.DefaultEngineConfig(), e.logger)
			if err != nil {
				return err
			}
			expired, err := engine.ExpireDue(ctx, time.Now())
			if err != nil {
				return fmt.Errorf("expire prescriptions: %w", err)
			}

			ledger := inventory.NewLedger(inventory.NewPostgresStore(pool, e.logger), medicines, inventory.DefaultLedgerConfig(), e.logger)
			writtenOff, err := ledger.WriteOffExpired(ctx, actor)
			if err != nil {
				return fmt.Errorf("write off stock: %w", err)
			}

			e.logger.Info("sweep finished", zap.Int("prescriptions_expired", expired), zap.Int("batches_written_off", writtenOff))
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d prescriptions, wrote off %d batches\n", expired, writtenOff)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "rxctl", "actor recorded on stock movements")
	return cmd
}

func topicsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage Redpanda topics",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create the topics the services expect",
		RunE: func(cmd *cobra.Command, _ []string) error {
			admin, err := redpanda.NewAdmin(e.cfg.KafkaBrokers, e.logger)
			if err != nil {
				return err
			}
			defer admin.Close()
			return admin.EnsureTopics(cmd.Context())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			admin, err := redpanda.NewAdmin(e.cfg.KafkaBrokers, e.logger)
			if err != nil {
				return err
			}
			defer admin.Close()
			topics, err := admin.ListTopics(cmd.Context())
			if err != nil {
				return err
			}
			sort.Strings(topics)
			for _, t := range topics {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "lag [group]",
		Short: "Show consumer group lag per partition",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			group := e.cfg.ConsumerGroup
			if len(args) == 1 {
				group = args[0]
			}
			admin, err := redpanda.NewAdmin(e.cfg.KafkaBrokers, e.logger)
			if err != nil {
				return err
			}
			defer admin.Close()
			lag, err := admin.ConsumerGroupLag(cmd.Context(), group)
			if err != nil {
				return err
			}
			for topic, partitions := range lag {
				for p, n := range partitions {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%d\n", topic, p, n)
				}
			}
			return nil
		},
	})
	return cmd
}

func tokenCmd(e *env) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !e.cfg.IsDev() {
				return fmt.Errorf("tokens can only be issued in development (ENV=%q)", e.cfg.Env)
			}
			tok, err := middleware.IssueToken(
				middleware.JWTConfig{Secret: []byte(e.cfg.JWTSecret), Issuer: e.cfg.JWTIssuer},
				prescription.Actor{SubjectID: subject, Role: prescription.Role(role)},
				ttl,
			)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject id, e.g. DOC-1")
	cmd.Flags().StringVar(&role, "role", string(prescription.RoleDoctor), "Doctor, Pharmacist, Nurse or Admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 8*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
