// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the agentexec command-line
// application.
package app

import (
	"github.com/spf13/cobra"

	"github.com/agentexec/agentexec/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "agentexec",
	DisableAutoGenTag: true,
	Short:             "agentexec is a multi-tenant code-execution service for AI agents",
	Long: `agentexec runs agent-submitted code against workspace-scoped tool
catalogs compiled from MCP servers, OpenAPI specs, and GraphQL endpoints.
Every external tool call is mediated: access policy is evaluated, credentials
are injected server-side, and sensitive calls are held for human approval.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command for the agentexec CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}
