package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/skylark-labs/credgate/internal/config"
	"github.com/skylark-labs/credgate/internal/mapping"
	"github.com/skylark-labs/credgate/internal/objstore"
	"github.com/skylark-labs/credgate/internal/principal"
)

// checkMappingCmd answers the operator question "what would this user get"
// without standing up the proxy: it fetches the live mapping document once and
// evaluates it for the given username.
var checkMappingCmd = &cobra.Command{
	Use:   "check-mapping <username>",
	Short: "Show the role mapping a username would receive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		lookup, err := principal.NewLookup(cfg.Resolver.Strategy, cfg.CommandTimeout())
		if err != nil {
			return err
		}
		resolver := principal.NewResolver(principal.NewConnTable(), lookup, cfg.GroupTTL())

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

		doc, fingerprint, err := source.Fetch(ctx)
		if err != nil {
			return err
		}
		if err := provider.Load(doc); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "document fingerprint: %s\n", fingerprint)

		req, ok := provider.Mapping(ctx, username)
		if !ok {
			fmt.Fprintf(out, "%s: no mapping\n", username)
			return nil
		}

		fmt.Fprintf(out, "%s: %s (session %q)\n", username, req.RoleArn, req.SessionName)
		if req.DurationSeconds > 0 {
			fmt.Fprintf(out, "  duration: %ds\n", req.DurationSeconds)
		}
		if len(req.ManagedPolicyArns) > 0 {
			fmt.Fprintf(out, "  policies: %s\n", strings.Join(req.ManagedPolicyArns, ", "))
		}
		if req.InlinePolicy != "" {
			fmt.Fprintf(out, "  inline policy: %s\n", req.InlinePolicy)
		}
		if req.ExternalID != "" {
			fmt.Fprintf(out, "  external id: %s\n", req.ExternalID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkMappingCmd)
}
