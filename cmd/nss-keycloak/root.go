package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"nsskeycloak/internal/config"
	"nsskeycloak/internal/keycloak"
	"nsskeycloak/internal/nss"
	"nsskeycloak/internal/observability"
)

// Exit codes. Lookups follow getent: 2 means the key was not found.
const (
	ExitCodeSuccess  = 0
	ExitCodeError    = 1
	ExitCodeNotFound = 2
)

// lookupError carries a non-success lookup status out of a command.
type lookupError struct {
	status nss.Status
}

func (e *lookupError) Error() string { return "lookup " + e.status.String() }

type rootOptions struct {
	configPath string
	logger     *slog.Logger
}

// app is the wired object graph shared by the subcommands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
	creds    *keycloak.CredentialClient
	tokens   *keycloak.TokenManager
	service  *nss.Service
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	o := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "nss-keycloak",
		Short: "Resolve POSIX users and groups from a Keycloak realm",
		Long: `nss-keycloak answers passwd and group queries from the users and groups
of a Keycloak realm, using a service account token and configurable
attribute names for uid, gid, home directory, shell and gecos.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logCfg := observability.ConfigFromEnv()
			logCfg.Output = cmd.ErrOrStderr()
			o.logger = observability.NewLogger(logCfg)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetVersionTemplate(`{{printf "nss-keycloak version %s\n" .Version}}`)
	cmd.PersistentFlags().StringVarP(&o.configPath, "config", "c", "",
		fmt.Sprintf("config file (default $%s or %s)", config.PathEnv, config.DefaultPath))

	cmd.AddCommand(
		newPasswdCmd(o),
		newGroupCmd(o),
		newTokenCmd(o),
		newServeCmd(o),
		newVersionCmd(),
	)
	return cmd
}

// execute runs the command line and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	code := exitCode(err)
	if err != nil && code != ExitCodeNotFound {
		_, _ = fmt.Fprintln(stderr, "Error:", err)
	}
	return code
}

func exitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}
	var le *lookupError
	if errors.As(err, &le) && le.status == nss.NotFound {
		return ExitCodeNotFound
	}
	return ExitCodeError
}

func (o *rootOptions) path() string {
	if o.configPath != "" {
		return o.configPath
	}
	return config.Path()
}

// newApp loads the configuration and wires the provider clients. Token
// endpoint discovery, when enabled, happens here.
func (o *rootOptions) newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(o.path())
	if err != nil {
		return nil, err
	}
	logger := observability.OrDefault(o.logger)

	metricsCfg := observability.MetricsConfigFromEnv()
	metricsCfg.Version = version
	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if metricsCfg.Enabled {
		metrics = observability.NewMetrics(metricsCfg, registry)
	}

	provider := cfg.Provider()
	kcOpts := []keycloak.Option{keycloak.WithLogger(logger), keycloak.WithMetrics(metrics)}
	creds, err := keycloak.NewCredentialClient(ctx, provider, kcOpts...)
	if err != nil {
		return nil, err
	}
	tokens := keycloak.NewTokenManager(creds, kcOpts...)
	resolver := keycloak.NewResolver(provider, cfg.AttributeMapping(), kcOpts...)
	service := nss.NewService(tokens, resolver, nss.WithLogger(logger), nss.WithMetrics(metrics))

	logger.Debug("provider configured",
		"realm", provider.Realm,
		"grant", creds.GrantType(),
		"token_url", creds.TokenURL(),
	)
	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  metrics,
		creds:    creds,
		tokens:   tokens,
		service:  service,
	}, nil
}
