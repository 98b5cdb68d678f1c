package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dmp/dmp/internal/config"
	"github.com/dmp/dmp/internal/domain/access"
	"github.com/dmp/dmp/internal/domain/cps"
	"github.com/dmp/dmp/internal/domain/identity"
	"github.com/dmp/dmp/internal/domain/notification"
	"github.com/dmp/dmp/internal/platform/auth"
	"github.com/dmp/dmp/internal/platform/db"
	"github.com/dmp/dmp/internal/platform/logging"
	notify "github.com/dmp/dmp/internal/platform/notification"
	"github.com/dmp/dmp/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dmp-server",
		Short: "DMP access request API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(cpsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

// sweepCmd runs one expiry sweep, for cron setups that do not keep the
// server's ticker.
func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire lapsed access requests once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := logging.New(logOptions(cfg))

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			directory := identity.NewDirectory(identity.NewPatientRepoPG(pool), identity.NewProfessionalRepoPG(pool), cfg.NotifyDefaultChannel)
			svc, dispatcher := sweepService(cfg, logger, access.NewRepoPG(pool), notification.NewRepoPG(pool), directory,
				access.WithTxBeginner(pool))
			defer dispatcher.Close()

			n, err := svc.SweepExpired(ctx, auth.System)
			if err != nil {
				return err
			}
			fmt.Printf("Expired %d request(s).\n", n)
			return nil
		},
	}
}

// sweepService builds the access service used by the sweep command. Its
// dispatcher records one notification per expiry but is never started, so
// email and SMS rows stay en_attente until a server's ResumePending
// delivers them.
func sweepService(cfg *config.Config, logger zerolog.Logger, requests access.Repository, notifications notification.Repository,
	directory *identity.Directory, opts ...access.Option) (*access.Service, *notification.Dispatcher) {
	dispatcher := notification.NewDispatcher(notifications, directory, notify.NewTemplateEngine(),
		&notify.Deliverer{}, notificationConfig(cfg, logger),
		notification.WithLogger(logger))

	opts = append([]access.Option{access.WithLogger(logger), access.WithNotifier(dispatcher)}, opts...)
	svc := access.NewService(requests, nil, directory,
		access.Config{Modes: cfg.AccessModes, MaxDuree: cfg.MaxAccessMinutes}, opts...)
	return svc, dispatcher
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			roleName, _ := cmd.Flags().GetString("role")
			adeli, _ := cmd.Flags().GetString("adeli")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			req, err := tokenRequest(subject, roleName, adeli, ttl)
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(jwtConfig(cfg), req, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "User id (uuid)")
	cmd.Flags().String("role", "patient", "patient, professionnel or admin")
	cmd.Flags().String("adeli", "", "ADELI number for professionals")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}

func tokenRequest(subject, roleName, adeli string, ttl time.Duration) (auth.TokenRequest, error) {
	id, err := uuid.Parse(subject)
	if err != nil {
		return auth.TokenRequest{}, fmt.Errorf("--subject must be a uuid: %w", err)
	}
	role, err := auth.ParseRole(roleName)
	if err != nil {
		return auth.TokenRequest{}, err
	}
	if role == auth.RoleProfessional && adeli == "" {
		return auth.TokenRequest{}, fmt.Errorf("--adeli is required for professionals")
	}
	return auth.TokenRequest{Subject: id, Role: role, NumeroAdeli: adeli, TTL: ttl}, nil
}

func cpsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cps",
		Short: "Manage CPS codes",
	}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Set the CPS code of a professional",
		RunE: func(cmd *cobra.Command, args []string) error {
			proID, _ := cmd.Flags().GetString("professionnel")
			code, _ := cmd.Flags().GetString("code")
			id, err := uuid.Parse(proID)
			if err != nil {
				return fmt.Errorf("--professionnel must be a uuid: %w", err)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			directory := identity.NewDirectory(identity.NewPatientRepoPG(pool), identity.NewProfessionalRepoPG(pool), cfg.NotifyDefaultChannel)
			gate := cps.NewGate(cps.NewCredentialRepoPG(pool), directory, cps.NewMemoryVerifiedStore(0), cfg.CPSVerificationTTL)
			if err := gate.SetCode(ctx, id, code); err != nil {
				return err
			}
			fmt.Println("CPS code updated.")
			return nil
		},
	}
	setCmd.Flags().String("professionnel", "", "Professional id (uuid)")
	setCmd.Flags().String("code", "", "Four digit CPS code")
	cmd.AddCommand(setCmd)
	return cmd
}

func logOptions(cfg *config.Config) logging.Options {
	return logging.Options{
		Env:        cfg.Env,
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	}
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		SigningKey: cfg.SigningKey(),
		Skipper:    auth.AuthSkipper,
	}
}
