package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ggoodman/sharedoc/agent"
	"github.com/ggoodman/sharedoc/auth"
	"github.com/ggoodman/sharedoc/auth/authtest"
	"github.com/ggoodman/sharedoc/model"
	"github.com/ggoodman/sharedoc/session"
	"github.com/ggoodman/sharedoc/stats"
	"github.com/ggoodman/sharedoc/validation"
	"github.com/ggoodman/sharedoc/wstransport"
)

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve documents over WebSocket",
		Example: `
  # Anonymous in-memory server for local development
  sharedocd serve --anonymous

  # SQLite persistence, OIDC access tokens
  sharedocd serve --store sqlite --sqlite-path /var/lib/sharedoc/docs.db \
    --auth-issuer https://issuer.example --auth-audience wss://docs.example/channel

  # Several processes sharing Redis
  SHAREDOC_STORE=redis SHAREDOC_BROKER=redis sharedocd serve
`,
		// The auth keys are shared with the stdio command, so they are bound
		// to whichever command actually runs.
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(v, cmd.Flags(), authKeys...)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(v, os.Stderr)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), v, logger)
		},
	}

	f := cmd.Flags()
	f.String("listen", ":7007", "HTTP listen address")
	f.String("path", "/channel", "WebSocket endpoint path")
	f.String("metrics-path", "/metrics", "Prometheus endpoint path; empty disables it")
	f.StringSlice("allowed-origins", nil, "browser origins allowed to connect; \"*\" allows any (default same-origin)")
	f.String("broker", "memory", "op fan-out broker: memory or redis")
	f.Int64("broker-max-len", 10000, "approximate cap on each Redis stream")
	addAuthFlags(f)
	f.Duration("auth-timeout", session.DefaultAuthTimeout, "how long a connection may stay unauthenticated")
	f.Int("cache-size", model.DefaultCacheSize, "documents kept in memory")
	f.Int("ops-before-commit", model.DefaultOpsBeforeCommit, "ops between snapshot writes")
	f.Int64("max-op-age", model.DefaultMaxOpAge, "how many versions behind an op may be")
	f.String("schema-base-uri", "", "base URL or directory of snapshot schemas (mappings come from validation.mappings)")
	f.Duration("schema-retry-interval", validation.DefaultRetryInterval, "retry interval for schemas that failed to load")
	f.Duration("stats-interval", stats.DefaultFlushInterval, "how often usage stats are logged")
	f.Duration("shutdown-timeout", 10*time.Second, "grace period for in-flight work on shutdown")
	mustBind(v, f,
		"listen", "path", "metrics-path", "allowed-origins", "broker", "broker-max-len",
		"auth-timeout", "cache-size", "ops-before-commit", "max-op-age",
		"schema-base-uri", "schema-retry-interval", "stats-interval", "shutdown-timeout",
	)
	return cmd
}

var authKeys = []string{
	"anonymous", "auth-issuer", "auth-audience", "auth-jwks-url", "auth-scopes",
	"auth-leeway", "auth-user-claim", "insecure-dev-user",
}

func addAuthFlags(f *pflag.FlagSet) {
	f.Bool("anonymous", false, "accept clients that send auth:null")
	f.String("auth-issuer", "", "OIDC issuer whose access tokens are accepted")
	f.String("auth-audience", "", "expected token audience")
	f.String("auth-jwks-url", "", "JWKS URL; skips OIDC discovery when set")
	f.StringSlice("auth-scopes", nil, "scopes every token must carry")
	f.Duration("auth-leeway", time.Minute, "clock skew tolerance for token times")
	f.String("auth-user-claim", "sub", "token claim holding the user id")
	f.String("insecure-dev-user", "", "accept any token and treat the client as this user (development only)")
}

func runServe(ctx context.Context, v *viper.Viper, logger *slog.Logger) error {
	store, err := openStore(v)
	if err != nil {
		return err
	}
	defer store.Close()

	br, closeBroker, err := openBroker(v)
	if err != nil {
		return err
	}
	defer closeBroker()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	st, err := stats.New(stats.WithLogger(logger), stats.WithRegisterer(reg))
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	go st.Run(ctx, v.GetDuration("stats-interval"))

	modelOpts := []model.Option{
		model.WithLogger(logger),
		model.WithBroker(br),
		model.WithCacheSize(v.GetInt("cache-size")),
		model.WithOpsBeforeCommit(v.GetInt("ops-before-commit")),
		model.WithMaxOpAge(v.GetInt64("max-op-age")),
	}
	validator, err := buildValidator(v, logger)
	if err != nil {
		return err
	}
	if validator != nil {
		validator.Start(ctx)
		modelOpts = append(modelOpts, model.WithValidator(validator))
	}
	m, err := model.New(store, modelOpts...)
	if err != nil {
		return err
	}

	authn, err := buildAuthenticator(ctx, v)
	if err != nil {
		return err
	}
	factoryOpts := []agent.Option{
		agent.WithAnonymous(v.GetBool("anonymous")),
		agent.WithRecorder(st),
		agent.WithLogger(logger),
	}
	if authn != nil {
		factoryOpts = append(factoryOpts, agent.WithAuthenticator(authn))
	} else if !v.GetBool("anonymous") {
		return errors.New("no authentication configured: set --auth-issuer or --anonymous")
	}

	wsOpts := []wstransport.Option{
		wstransport.WithLogger(logger),
		wstransport.WithSessionOptions(
			session.WithTracker(st),
			session.WithAuthTimeout(v.GetDuration("auth-timeout")),
		),
	}
	if origins := v.GetStringSlice("allowed-origins"); len(origins) > 0 {
		wsOpts = append(wsOpts, wstransport.WithCheckOrigin(originChecker(origins)))
	}
	ws := wstransport.New(agent.NewFactory(m, factoryOpts...), wsOpts...)

	mux := http.NewServeMux()
	mux.Handle(v.GetString("path"), ws)
	if p := v.GetString("metrics-path"); p != "" {
		mux.Handle(p, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	// Cancelling connCtx stops every WebSocket connection; Shutdown alone
	// does not touch hijacked connections.
	connCtx, stopConns := context.WithCancel(context.WithoutCancel(ctx))
	defer stopConns()
	srv := &http.Server{
		Addr:              v.GetString("listen"),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return connCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "sharedocd.listening",
			slog.String("addr", srv.Addr),
			slog.String("path", v.GetString("path")),
			slog.String("store", v.GetString("store")),
			slog.String("broker", v.GetString("broker")),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), v.GetDuration("shutdown-timeout"))
	defer cancel()
	logger.InfoContext(shutdownCtx, "sharedocd.shutting_down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WarnContext(shutdownCtx, "sharedocd.http_shutdown_failed", slog.String("err", err.Error()))
	}
	stopConns()

	waited := make(chan struct{})
	go func() {
		ws.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-shutdownCtx.Done():
		logger.WarnContext(shutdownCtx, "sharedocd.connections_still_open")
	}

	return m.Close(shutdownCtx)
}

func buildValidator(v *viper.Viper, logger *slog.Logger) (*validation.Validator, error) {
	var mappings []validation.Mapping
	if err := v.UnmarshalKey("validation.mappings", &mappings); err != nil {
		return nil, fmt.Errorf("read validation.mappings: %w", err)
	}
	if len(mappings) == 0 {
		return nil, nil
	}
	base := v.GetString("schema-base-uri")
	if base == "" {
		base = v.GetString("validation.base-uri")
	}
	return validation.New(validation.Config{
		BaseSchemaURI: base,
		Mappings:      mappings,
		RetryInterval: v.GetDuration("schema-retry-interval"),
	}, validation.WithLogger(logger))
}

// buildAuthenticator returns nil when no token authentication is configured.
func buildAuthenticator(ctx context.Context, v *viper.Viper) (auth.Authenticator, error) {
	if user := v.GetString("insecure-dev-user"); user != "" {
		return authtest.NewNoAuth(user), nil
	}
	issuer := v.GetString("auth-issuer")
	if issuer == "" {
		return nil, nil
	}
	opts := []auth.TokenOption{
		auth.WithLeeway(v.GetDuration("auth-leeway")),
		auth.WithUserClaim(v.GetString("auth-user-claim")),
	}
	if scopes := v.GetStringSlice("auth-scopes"); len(scopes) > 0 {
		opts = append(opts, auth.WithRequiredScopes(scopes...))
	}
	aud := v.GetString("auth-audience")
	if jwks := v.GetString("auth-jwks-url"); jwks != "" {
		return auth.NewStatic(ctx, issuer, aud, jwks, opts...)
	}
	return auth.NewFromDiscovery(ctx, issuer, aud, opts...)
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		o := strings.ToLower(u.Scheme + "://" + u.Host)
		return slices.ContainsFunc(allowed, func(a string) bool { return strings.EqualFold(strings.TrimSuffix(a, "/"), o) })
	}
}
