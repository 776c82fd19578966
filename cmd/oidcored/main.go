// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Command oidcored runs the authorization server.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "oidcored",
	Short: "OAuth 2.0 / OpenID Connect authorization server",
	Long: `oidcored serves the OAuth 2.0 and OpenID Connect protocol endpoints:
authorization, token, introspection, revocation, pushed authorization
requests, device authorization, backchannel authentication, dynamic client
registration, discovery, and JWKS.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(newServeCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
