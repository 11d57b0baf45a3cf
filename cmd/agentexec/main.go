// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the agentexec service.
package main

import (
	"os"

	"github.com/agentexec/agentexec/cmd/agentexec/app"
	"github.com/agentexec/agentexec/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
