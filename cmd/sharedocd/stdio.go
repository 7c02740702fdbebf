package main

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ggoodman/sharedoc/agent"
	"github.com/ggoodman/sharedoc/model"
	"github.com/ggoodman/sharedoc/session"
	"github.com/ggoodman/sharedoc/stdio"
)

func newStdioCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stdio",
		Short: "Serve one client over stdin and stdout",
		Long: `stdio runs a single session whose messages are newline-delimited JSON on
stdin, with replies written to stdout. Logs go to stderr. The session ends at
the end of input, after every request read so far has been answered.`,
		Example: `
  # Replay a scripted session against a SQLite store
  sharedocd stdio --anonymous --store sqlite --sqlite-path docs.db < session.jsonl
`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(v, cmd.Flags(), append([]string{"auth-timeout"}, authKeys...)...)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return runStdio(cmd.Context(), v, logger, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	addAuthFlags(f)
	f.Duration("auth-timeout", session.DefaultAuthTimeout, "how long the client may stay unauthenticated")
	return cmd
}

func runStdio(ctx context.Context, v *viper.Viper, logger *slog.Logger, in io.Reader, out io.Writer) error {
	store, err := openStore(v)
	if err != nil {
		return err
	}
	defer store.Close()

	m, err := model.New(store, model.WithLogger(logger))
	if err != nil {
		return err
	}
	defer m.Close(context.WithoutCancel(ctx))

	authn, err := buildAuthenticator(ctx, v)
	if err != nil {
		return err
	}
	factoryOpts := []agent.Option{
		agent.WithAnonymous(v.GetBool("anonymous")),
		agent.WithLogger(logger),
	}
	if authn != nil {
		factoryOpts = append(factoryOpts, agent.WithAuthenticator(authn))
	} else if !v.GetBool("anonymous") {
		return errors.New("no authentication configured: set --auth-issuer or --anonymous")
	}

	h := stdio.NewHandler(agent.NewFactory(m, factoryOpts...),
		stdio.WithIO(in, out),
		stdio.WithLogger(logger),
		stdio.WithSessionOptions(session.WithAuthTimeout(v.GetDuration("auth-timeout"))),
	)
	return h.Serve(ctx)
}
