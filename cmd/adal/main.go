// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Command adal acquires Azure AD access tokens from an encrypted token cache.

	adal login https://graph.windows.net
	adal silent https://graph.windows.net
	adal cache list

Settings come from adal.yaml and ADAL_ environment variables, see package config.
*/
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}
