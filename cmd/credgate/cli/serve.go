package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skylark-labs/credgate/internal/audit"
	"github.com/skylark-labs/credgate/internal/config"
	"github.com/skylark-labs/credgate/internal/credentials"
	"github.com/skylark-labs/credgate/internal/gateway"
	"github.com/skylark-labs/credgate/internal/imds"
	"github.com/skylark-labs/credgate/internal/log"
	"github.com/skylark-labs/credgate/internal/mapping"
	"github.com/skylark-labs/credgate/internal/objstore"
	"github.com/skylark-labs/credgate/internal/principal"
	"github.com/skylark-labs/credgate/internal/server"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the credential-vending proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		// Re-init with file logging now that the config told us where.
		if err := log.Init(log.Options{
			Verbose:       verbose,
			JSONFormat:    jsonOut,
			Dir:           cfg.Log.Dir,
			RetentionDays: cfg.Log.RetentionDays,
		}); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg)
	},
}

// serve wires the components and blocks until ctx is canceled.
func serve(ctx context.Context, cfg *config.Config) error {
	stsClient, err := credentials.NewSTSClient(ctx, cfg.STS.Region, cfg.STS.Endpoint)
	if err != nil {
		return err
	}
	cache := credentials.NewCache(stsClient)

	lookup, err := principal.NewLookup(cfg.Resolver.Strategy, cfg.CommandTimeout())
	if err != nil {
		return err
	}
	resolver := principal.NewResolver(principal.NewConnTable(), lookup, cfg.GroupTTL())
	resolver.WarmUsers("/etc/passwd")

	provider, err := mapping.NewProvider(cfg.Mapper.Provider, mapping.ProviderDeps{
		Groups:  resolver,
		RoleArn: cfg.Mapper.RoleArn,
	})
	if err != nil {
		return err
	}

	source, err := objstore.NewS3Source(ctx, objstore.S3SourceConfig{
		Bucket:   cfg.Mapper.S3Bucket,
		Key:      cfg.Mapper.S3Key,
		Region:   cfg.Mapper.S3Region,
		Endpoint: cfg.Mapper.S3Endpoint,
	})
	if err != nil {
		return err
	}

	store := mapping.NewStore(provider, source, cfg.RefreshInterval())
	go store.Run(ctx)

	var auditor gateway.Auditor
	if cfg.Audit.Path != "" {
		auditLog, err := audit.Open(cfg.Audit.Path)
		if err != nil {
			return err
		}
		defer auditLog.Close()
		auditor = auditLog
	}

	srv := server.New(cfg.ListenPort)
	if err := srv.Listen(); err != nil {
		return err
	}

	srv.Serve(gateway.New(gateway.Options{
		Identity:      resolver,
		Mapper:        store,
		Credentials:   cache,
		Upstream:      imds.New(cfg.IMDSEndpoint),
		ProxyPort:     srv.Port(),
		Impersonators: cfg.Impersonation.AllowedUsers,
		Auditor:       auditor,
	}))
	log.Info("credgate serving", "addr", srv.Addr(), "provider", cfg.Mapper.Provider)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stopping server: %w", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
