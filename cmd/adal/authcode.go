// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/config"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/public"
	"github.com/pkg/browser"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type authCodeFlags struct {
	loginHint   string
	prompt      string
	redirectURI string
	output      string
}

func (f *authCodeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.loginHint, "login-hint", "", "user name to pre-fill on the sign-in page")
	cmd.Flags().StringVar(&f.prompt, "prompt", "", `sign-in prompt behavior, such as "login" or "consent"`)
	cmd.Flags().StringVar(&f.redirectURI, "redirect-uri", "", "redirect URI registered for the client (default from config)")
}

func (f *authCodeFlags) options() []public.AuthCodeURLOption {
	var opts []public.AuthCodeURLOption
	if f.loginHint != "" {
		opts = append(opts, public.WithLoginHint(f.loginHint))
	}
	if f.prompt != "" {
		opts = append(opts, public.WithPrompt(f.prompt))
	}
	return opts
}

func (f *authCodeFlags) redirect(s config.Settings) string {
	if f.redirectURI != "" {
		return f.redirectURI
	}
	return s.RedirectURI
}

// openBrowser shows the sign-in page.
var openBrowser = browser.OpenURL

func newLoginCmd(a *app) *cobra.Command {
	var (
		f         authCodeFlags
		noBrowser bool
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "login [resource]",
		Short: "Sign in with a browser and cache the tokens",
		Long: `login opens the sign-in page in a browser and listens on the redirect URI,
which must be a loopback http URI, for the authorization code.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(f.output); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			return a.withClient(ctx, func(s config.Settings, client public.Client) error {
				resource, err := resourceArg(s, args)
				if err != nil {
					return err
				}
				open := func(u string) error {
					openURL(cmd, s.Logger(), u, noBrowser)
					return nil
				}
				res, err := client.AcquireTokenInteractive(ctx, resource,
					public.WithRedirectURI(f.redirect(s)),
					public.WithOpenURL(open),
					public.WithAuthCodeOptions(f.options()...),
				)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), f.output, res)
			})
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "print the sign-in URL instead of opening a browser")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for the sign-in to complete")
	cmd.Flags().StringVarP(&f.output, "output", "o", outputToken, "output format: token or json")
	return cmd
}

func newAuthURLCmd(a *app) *cobra.Command {
	var (
		f    authCodeFlags
		open bool
	)
	cmd := &cobra.Command{
		Use:   "auth-url [resource]",
		Short: "Print the sign-in URL for a manual authorization code flow",
		Long: `auth-url prints the sign-in URL. After signing in, pass the code and state
parameters of the redirect to "adal redeem-code".`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd.Context(), func(s config.Settings, client public.Client) error {
				resource, err := resourceArg(s, args)
				if err != nil {
					return err
				}
				req, err := client.AuthCodeURL(cmd.Context(), resource, f.redirect(s), f.options()...)
				if err != nil {
					return err
				}
				if open {
					openURL(cmd, s.Logger(), req.URL, false)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), req.URL)
				return err
			})
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&open, "open", false, "also open the URL in a browser")
	return cmd
}

func newRedeemCodeCmd(a *app) *cobra.Command {
	var (
		f           authCodeFlags
		code, state string
	)
	cmd := &cobra.Command{
		Use:   "redeem-code",
		Short: "Redeem an authorization code and cache the tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkOutput(f.output); err != nil {
				return err
			}
			ctx := cmd.Context()
			return a.withClient(ctx, func(s config.Settings, client public.Client) error {
				req, err := public.AuthCodeRequestFromState(state, f.redirect(s))
				if err != nil {
					return err
				}
				res, err := retry(ctx, a, s.Logger(), func() (*public.AuthResult, error) {
					return client.AcquireTokenByAuthCode(ctx, req, code, state)
				})
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), f.output, res)
			})
		},
	}
	cmd.Flags().StringVar(&f.redirectURI, "redirect-uri", "", "redirect URI the code was delivered to (default from config)")
	cmd.Flags().StringVar(&code, "code", "", "code parameter of the redirect")
	cmd.Flags().StringVar(&state, "state", "", "state parameter of the redirect")
	cmd.Flags().StringVarP(&f.output, "output", "o", outputToken, "output format: token or json")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("state")
	return cmd
}

func openURL(cmd *cobra.Command, l *log.Logger, u string, noBrowser bool) {
	if !noBrowser {
		err := openBrowser(u)
		if err == nil {
			return
		}
		l.WithError(err).Warn("could not open a browser")
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Sign in at:\n\n  %s\n\n", u)
}
