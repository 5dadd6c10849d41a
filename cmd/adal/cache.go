// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/config"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/public"
	"github.com/spf13/cobra"
)

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the token cache",
	}
	cmd.AddCommand(newCacheListCmd(a), newCacheClearCmd(a))
	return cmd
}

func newCacheListCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the users with cached tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd.Context(), func(_ config.Settings, client public.Client) error {
				accounts, err := client.Accounts(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(accounts)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "USER ID\tUSER NAME\tNAME\tIDENTITY PROVIDER")
				for _, acc := range accounts {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", acc.UserID, acc.DisplayableID, fullName(acc), acc.IdentityProvider)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the users as JSON")
	return cmd
}

func fullName(acc public.Account) string {
	switch {
	case acc.GivenName == "":
		return acc.FamilyName
	case acc.FamilyName == "":
		return acc.GivenName
	}
	return acc.GivenName + " " + acc.FamilyName
}

func newCacheClearCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd.Context(), func(_ config.Settings, client public.Client) error {
				return client.RemoveAll(cmd.Context())
			})
		},
	}
}
