package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	oauth "github.com/giantswarm/idp-oauth"
	"github.com/giantswarm/idp-oauth/config"
	"github.com/giantswarm/idp-oauth/storage/memory"
)

func newValidateConfigCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Check the settings and tenant registry without serving",
		Long: `Loads the IDP_* settings and the tenant registry, then resolves every
tenant through the engine so that signing keys are parsed as they would be
at request time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := opts.loadSettings()
			if err != nil {
				return err
			}
			tenants, err := config.LoadTenantsFile(settings.TenantsFile)
			if err != nil {
				return fmt.Errorf("load %s: %w", settings.TenantsFile, err)
			}
			if err := checkTenants(cmd.Context(), settings, tenants); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d tenant(s) OK\n", settings.TenantsFile, len(tenants.Tenants))
			return nil
		},
	}
}

// checkTenants loads the registry into a throwaway engine and resolves every tenant
func checkTenants(ctx context.Context, settings *config.Settings, tenants *config.TenantsFile) error {
	store := memory.New()
	defer store.Stop()
	if err := tenants.Seed(ctx, store); err != nil {
		return err
	}

	logger := slog.New(slog.DiscardHandler)
	srv, err := oauth.NewServer(store.Repositories(), settings.ServerConfig(logger))
	if err != nil {
		return err
	}
	defer func() { _ = srv.Shutdown(ctx) }()

	for _, id := range tenants.TenantIDs() {
		if _, err := srv.Engine.ServerMetadata(ctx, id); err != nil {
			return fmt.Errorf("tenant %q: %w", id, err)
		}
		if _, err := srv.Engine.PublicJWKS(ctx, id); err != nil {
			return fmt.Errorf("tenant %q: %w", id, err)
		}
	}
	return nil
}
