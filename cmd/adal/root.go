// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package main

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/config"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/errors"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/public"
	"github.com/cenkalti/backoff/v5"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitError = 1
	// exitInteractionRequired means no cached credential could produce a token.
	exitInteractionRequired = 2
)

func exitCode(err error) int {
	if stdErrors.Is(err, public.ErrInteractionRequired) {
		return exitInteractionRequired
	}
	return exitError
}

// app holds the state shared by the subcommands.
type app struct {
	configPath string
	tries      uint
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "adal",
		Short: "Acquire Azure AD access tokens from an encrypted token cache",
		Long: `adal keeps Azure AD tokens in an encrypted cache and refreshes them with
cached refresh tokens. When no cached token can be used, "adal silent" exits
with status 2 and "adal login" signs the user in with a browser.`,
		Version:      public.Version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default ./adal.yaml or "+config.DefaultDir()+"/adal.yaml)")
	root.PersistentFlags().UintVar(&a.tries, "tries", 3, "attempts for token requests that fail with a transient error")

	root.AddCommand(
		newSilentCmd(a),
		newLoginCmd(a),
		newAuthURLCmd(a),
		newRedeemCodeCmd(a),
		newCacheCmd(a),
		newVersionCmd(),
	)
	return root
}

// withClient loads the settings, runs fn with a client built from them and closes
// the client.
func (a *app) withClient(ctx context.Context, fn func(config.Settings, public.Client) error) (err error) {
	s, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	opts, err := s.Options(ctx, nil)
	if err != nil {
		return err
	}
	client, err := public.New(ctx, s.ClientID, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := client.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(s, client)
}

// retry calls op until it succeeds, fails with an error that is not transient or
// a.tries attempts were made.
func retry[T any](ctx context.Context, a *app, l *log.Logger, op func() (T, error)) (T, error) {
	tries := a.tries
	if tries == 0 {
		tries = 1
	}
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !errors.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(tries),
		backoff.WithMaxElapsedTime(time.Minute),
		backoff.WithNotify(func(err error, d time.Duration) {
			l.WithError(err).Warnf("token request failed, retrying in %s", d)
		}),
	)
}

func resourceArg(s config.Settings, args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	if s.Resource == "" {
		return "", errors.ArgumentError{Arg: "resource", Msg: "pass a resource or set resource in the config"}
	}
	return s.Resource, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of adal",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "adal version %s\n", public.Version)
		},
	}
}
