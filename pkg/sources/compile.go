// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

package sources

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentexec/agentexec/pkg/logger"
	"github.com/agentexec/agentexec/pkg/store"
)

// defaultHTTPTimeout bounds interactive loads of external contracts.
const defaultHTTPTimeout = 10 * time.Second

// Registry holds the per-type compilers and fans compilation out across a
// workspace's sources with bounded parallelism.
type Registry struct {
	compilers map[store.SourceType]Compiler
	deps      Deps
}

// NewRegistry creates a Registry with the standard three compilers.
func NewRegistry(deps Deps) *Registry {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	r := &Registry{compilers: make(map[store.SourceType]Compiler), deps: deps}
	for _, c := range []Compiler{NewMCPCompiler(), NewOpenAPICompiler(), NewGraphQLCompiler()} {
		r.compilers[c.Type()] = c
	}
	return r
}

// Register replaces the compiler for a source type. Intended for tests.
func (r *Registry) Register(c Compiler) {
	r.compilers[c.Type()] = c
}

// CompileAll compiles every enabled source. Per-source transport failures
// degrade to warnings; a missing compiler for a stored source type is a
// real error since it means the deployment cannot serve the workspace.
// Output order follows the input order so the inventory merge stays
// deterministic (later sources overwrite earlier ones).
func (r *Registry) CompileAll(ctx context.Context, srcs []*store.ToolSource) ([]*CompiledSource, error) {
	out := make([]*CompiledSource, len(srcs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxCompileParallelism())

	for i, src := range srcs {
		if !src.Enabled {
			continue
		}
		g.Go(func() error {
			compiler, ok := r.compilers[src.Type]
			if !ok {
				return fmt.Errorf("no compiler for source type %q (source %s)", src.Type, src.SourceID)
			}
			compiled, err := compiler.Compile(gctx, src, r.deps)
			if err != nil {
				return fmt.Errorf("compile source %s (%s): %w", src.Name, src.Type, err)
			}
			if compiled.Warning != "" {
				logger.Warnw("tool source degraded during compilation",
					"source", src.Name, "type", src.Type, "warning", compiled.Warning)
			}
			sortTools(compiled.Tools)
			mu.Lock()
			out[i] = compiled
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	compiled := make([]*CompiledSource, 0, len(out))
	for _, c := range out {
		if c != nil {
			compiled = append(compiled, c)
		}
	}
	return compiled, nil
}

func sortTools(tools []*ToolDefinition) {
	sort.Slice(tools, func(i, j int) bool { return tools[i].Path < tools[j].Path })
}
