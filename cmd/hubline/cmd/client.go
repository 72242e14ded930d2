package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsarna/hubline/pkg/hubline/api"
	"github.com/tsarna/hubline/pkg/hubline/client"
	"github.com/tsarna/hubline/pkg/hubline/config"
	"go.uber.org/zap"
)

// clientFlags are shared by the commands that talk to a running hub.
type clientFlags struct {
	configFiles    []string
	hubURL         string
	token          string
	apiURL         string
	apiAuth        string
	reconnectDelay time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.configFiles, "config", "c", nil, "HCL files with a client block")
	cmd.Flags().StringVar(&f.hubURL, "url", "", "hub URL (overrides the client block)")
	cmd.Flags().StringVarP(&f.token, "token", "t", "", "hub bearer token (overrides the client block)")
	cmd.Flags().StringVar(&f.apiURL, "api-url", "", "application API that issues hub tokens")
	cmd.Flags().StringVar(&f.apiAuth, "api-auth", "", "Authorization header value for the application API")
	cmd.Flags().DurationVar(&f.reconnectDelay, "reconnect-delay", 0, "delay between reconnect attempts")
}

// resolve merges the client block of any config files with the flags, flags
// taking precedence.
func (f *clientFlags) resolve(logger *zap.Logger) (*config.ClientConfig, error) {
	resolved := &config.ClientConfig{ReconnectDelay: config.DefaultClientReconnect}

	if len(f.configFiles) > 0 {
		cfg, diags := config.NewConfig().
			WithLogger(logger).
			WithSources(stringSliceToAnySlice(f.configFiles)...).
			Build()
		if diags.HasErrors() {
			return nil, diags
		}
		if cfg.Client != nil {
			resolved = cfg.Client
		}
	}

	if f.hubURL != "" {
		resolved.HubURL = f.hubURL
	}
	if f.token != "" {
		resolved.Token = f.token
	}
	if f.apiURL != "" {
		resolved.APIURL = f.apiURL
	}
	if f.reconnectDelay > 0 {
		resolved.ReconnectDelay = f.reconnectDelay
	}

	if resolved.HubURL == "" {
		return nil, fmt.Errorf("no hub URL: pass --url or a config file with a client block")
	}
	return resolved, nil
}

// tokenProvider returns a static token when one is configured, otherwise a
// provider that asks the application API for a fresh token on every call.
func (f *clientFlags) tokenProvider(cfg *config.ClientConfig, logger *zap.Logger) (client.TokenProvider, error) {
	if cfg.Token != "" || cfg.APIURL == "" {
		token := cfg.Token
		return func(_ context.Context) (string, error) { return token, nil }, nil
	}

	apiClient, err := api.NewClient().
		WithBaseURL(cfg.APIURL).
		WithAuthorization(f.apiAuth).
		WithLogger(logger).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create API client: %w", err)
	}
	return apiClient.FetchToken, nil
}
