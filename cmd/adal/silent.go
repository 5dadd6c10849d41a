// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/config"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/public"
	"github.com/spf13/cobra"
)

// Output formats.
const (
	outputToken = "token"
	outputJSON  = "json"
)

type silentFlags struct {
	user          string
	authority     string
	correlationID string
	force         bool
	extended      bool
	output        string
}

func newSilentCmd(a *app) *cobra.Command {
	var f silentFlags
	cmd := &cobra.Command{
		Use:   "silent [resource]",
		Short: "Print an access token from the cache, refreshing it when it expired",
		Long: `silent prints a cached access token for resource. An expired token is
refreshed with the cached refresh tokens. When nothing in the cache can produce
a token, silent exits with status 2.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(f.output); err != nil {
				return err
			}
			ctx := cmd.Context()
			return a.withClient(ctx, func(s config.Settings, client public.Client) error {
				resource, err := resourceArg(s, args)
				if err != nil {
					return err
				}
				opts := []public.AcquireTokenSilentOption{public.WithSilentUser(f.user)}
				if f.authority != "" {
					opts = append(opts, public.WithSilentAuthority(f.authority))
				}
				if f.correlationID != "" {
					opts = append(opts, public.WithCorrelationID(f.correlationID))
				}
				if f.force {
					opts = append(opts, public.WithForceRefresh())
				}
				if f.extended {
					opts = append(opts, public.WithSilentExtendedLifetime())
				}

				res, err := retry(ctx, a, s.Logger(), func() (*public.AuthResult, error) {
					return client.AcquireTokenSilent(ctx, resource, opts...)
				})
				if err != nil {
					return err
				}
				if res == nil {
					return public.ErrInteractionRequired
				}
				return printResult(cmd.OutOrStdout(), f.output, res)
			})
		},
	}
	cmd.Flags().StringVarP(&f.user, "user", "u", "", "object id or user name of the user; required when several users are cached")
	cmd.Flags().StringVar(&f.authority, "authority", "", "authority to use instead of the configured one")
	cmd.Flags().StringVar(&f.correlationID, "correlation-id", "", "correlation id sent to the token endpoint")
	cmd.Flags().BoolVar(&f.force, "force-refresh", false, "ignore a cached access token and redeem a refresh token")
	cmd.Flags().BoolVar(&f.extended, "extended-lifetime", false, "return an expired token when the token endpoint is unavailable")
	cmd.Flags().StringVarP(&f.output, "output", "o", outputToken, "output format: token or json")
	return cmd
}

func checkOutput(output string) error {
	switch output {
	case outputToken, outputJSON:
		return nil
	}
	return fmt.Errorf("unknown output format %q, want token or json", output)
}

type resultJSON struct {
	AccessToken   string    `json:"accessToken"`
	ExpiresOn     time.Time `json:"expiresOn"`
	Resource      string    `json:"resource"`
	TenantID      string    `json:"tenantId,omitempty"`
	UserID        string    `json:"userId,omitempty"`
	UserName      string    `json:"userName,omitempty"`
	FamilyID      string    `json:"familyId,omitempty"`
	Stale         bool      `json:"stale,omitempty"`
	Source        string    `json:"source"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

func printResult(w io.Writer, output string, res *public.AuthResult) error {
	if output == outputToken {
		_, err := fmt.Fprintln(w, res.AccessToken)
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(resultJSON{
		AccessToken:   res.AccessToken,
		ExpiresOn:     res.ExpiresOn,
		Resource:      res.Resource,
		TenantID:      res.TenantID,
		UserID:        res.Account.UserID,
		UserName:      res.Account.DisplayableID,
		FamilyID:      res.FamilyID,
		Stale:         res.Stale,
		Source:        res.Source,
		CorrelationID: res.CorrelationID,
	})
}
