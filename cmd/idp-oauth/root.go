package main

import (
	"github.com/spf13/cobra"

	"github.com/giantswarm/idp-oauth/config"
)

// options are the flags shared by every command
type options struct {
	tenantsFile string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "idp-oauth",
		Short:         "Multi-tenant OAuth 2.0, OpenID Connect and CIBA authorization server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.tenantsFile, "tenants-file", "f", "", "tenant registry (overrides IDP_TENANTS_FILE)")

	cmd.AddCommand(newServeCmd(opts), newValidateConfigCmd(opts))
	return cmd
}

// loadSettings reads the environment and applies flag overrides
func (o *options) loadSettings() (*config.Settings, error) {
	settings, err := config.LoadSettings()
	if err != nil {
		return nil, err
	}
	if o.tenantsFile != "" {
		settings.TenantsFile = o.tenantsFile
	}
	return settings, nil
}
