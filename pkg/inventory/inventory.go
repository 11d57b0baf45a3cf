// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

// Package inventory maintains the per-workspace tool registry: it computes
// content signatures over the enabled tool sources, runs single-flight
// builds through the source compilers, caches compiled snapshots, and
// serves descriptor lists and runnable tool maps.
package inventory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/agentexec/agentexec/pkg/logger"
	"github.com/agentexec/agentexec/pkg/sources"
	"github.com/agentexec/agentexec/pkg/store"
)

// signatureVersion is folded into every signature so cache layout changes
// invalidate old snapshots.
const signatureVersion = "inv-v3"

// Descriptor is the client-visible description of one tool.
type Descriptor struct {
	Path        string         `json:"path"`
	Description string         `json:"description,omitempty"`
	Source      string         `json:"source,omitempty"`
	Approval    string         `json:"approval,omitempty"` // "required" or empty
	InputSchema map[string]any `json:"inputSchema,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Snapshot is a compiled, immutable view of a workspace's tool catalog.
type Snapshot struct {
	Signature   string
	BuildID     string
	Tools       map[string]*sources.ToolDefinition
	Descriptors []Descriptor
	Warnings    []string

	// Serialized is the canonical byte form of the descriptor set; equal
	// signatures yield byte-identical serializations.
	Serialized []byte

	// DeclarationsHash addresses the generated type declarations blob.
	DeclarationsHash string
}

// Inventory orchestrates compilation and caching for all workspaces.
type Inventory struct {
	store     store.Store
	registry  *sources.Registry
	baseTools []*sources.ToolDefinition

	snapshots *snapshotCache
	decls     *declarationsCache
	group     singleflight.Group
}

// New creates an Inventory. baseTools is the immutable set of built-in
// tools constructed at process init; they always win over external tools
// with the same path.
func New(st store.Store, registry *sources.Registry, baseTools []*sources.ToolDefinition) *Inventory {
	return &Inventory{
		store:     st,
		registry:  registry,
		baseTools: baseTools,
		snapshots: newSnapshotCache(),
		decls:     newDeclarationsCache(),
	}
}

// Signature computes the content signature of a workspace's tool sources:
// H(version_tag, ws, sorted[(sourceId, updatedAt, enabled)]). Workspaces
// with equal signatures share a compiled snapshot.
func Signature(workspaceID string, srcs []*store.ToolSource) string {
	entries := make([]string, 0, len(srcs))
	for _, s := range srcs {
		entries = append(entries, s.SourceID+":"+strconv.FormatInt(s.UpdatedAt, 10)+":"+strconv.FormatBool(s.Enabled))
	}
	sort.Strings(entries)

	h := sha256.New()
	h.Write([]byte(signatureVersion))
	h.Write([]byte{0})
	h.Write([]byte(workspaceID))
	for _, e := range entries {
		h.Write([]byte{0})
		h.Write([]byte(e))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ToolMapOptions tunes how stale snapshots are handled.
type ToolMapOptions struct {
	// WaitForFresh forces a synchronous rebuild when the cached snapshot's
	// signature no longer matches the sources. Mutation-path callers (task
	// dispatch) set this; read-path callers accept a stale snapshot with a
	// warning while a rebuild runs in the background.
	WaitForFresh bool
}

// ToolMap returns the runnable tool map for a workspace, building it when
// needed. Concurrent callers for the same workspace coalesce onto one
// build.
func (inv *Inventory) ToolMap(ctx context.Context, workspaceID string, opts ToolMapOptions) (*Snapshot, error) {
	srcs, state, err := inv.readState(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	sig := Signature(workspaceID, srcs)

	if snap, ok := inv.snapshots.get(sig); ok {
		return snap, nil
	}

	// Optimistic stale read: serve the previous snapshot and refresh in the
	// background. Mutation-path callers always wait for the fresh build.
	if !opts.WaitForFresh && state != nil && state.Signature != "" && state.Signature != sig {
		if stale, ok := inv.snapshots.get(state.Signature); ok {
			logger.Debugw("serving stale tool snapshot", "workspace", workspaceID,
				"stale_signature", state.Signature, "current_signature", sig)
			go func() {
				if _, err := inv.build(context.WithoutCancel(ctx), workspaceID, sig, srcs); err != nil {
					logger.Warnw("async inventory rebuild failed", "workspace", workspaceID, "error", err.Error())
				}
			}()
			staleCopy := *stale
			staleCopy.Warnings = append(append([]string{}, stale.Warnings...),
				"tool inventory is stale; rebuild in progress")
			return &staleCopy, nil
		}
	}

	return inv.build(ctx, workspaceID, sig, srcs)
}

// Rebuild forces a build for the workspace's current sources and returns
// the snapshot's build id. Callers racing an in-flight build receive that
// build's id instead of starting a second one.
func (inv *Inventory) Rebuild(ctx context.Context, workspaceID string) (string, error) {
	srcs, _, err := inv.readState(ctx, workspaceID)
	if err != nil {
		return "", err
	}
	snap, err := inv.build(ctx, workspaceID, Signature(workspaceID, srcs), srcs)
	if err != nil {
		return "", err
	}
	return snap.BuildID, nil
}

// Declarations returns the generated type declarations blob by hash.
func (inv *Inventory) Declarations(hash string) ([]byte, bool) {
	return inv.decls.get(hash)
}

func (inv *Inventory) readState(ctx context.Context, workspaceID string) ([]*store.ToolSource, *store.InventoryState, error) {
	var srcs []*store.ToolSource
	var state *store.InventoryState
	err := inv.store.View(ctx, func(tx store.ReadTx) error {
		srcs = tx.ListToolSources(workspaceID)
		if s, ok := tx.GetInventoryState(workspaceID); ok {
			state = s
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("read inventory state: %w", err)
	}
	return srcs, state, nil
}

// build runs the single-flight compilation for (workspace, signature).
// The in-process singleflight group coalesces concurrent callers; the
// store row remains the durable record of which build is in flight.
func (inv *Inventory) build(ctx context.Context, workspaceID, sig string, srcs []*store.ToolSource) (*Snapshot, error) {
	v, err, _ := inv.group.Do(workspaceID+"\x00"+sig, func() (any, error) {
		// A racing caller may have finished the same build already.
		if snap, ok := inv.snapshots.get(sig); ok {
			return snap, nil
		}

		buildID, owned, err := inv.claimBuild(ctx, workspaceID)
		if err != nil {
			return nil, err
		}
		if !owned {
			// A build claimed through another process instance is in
			// flight; compile locally anyway so this caller gets a usable
			// snapshot, but let the owner publish the state row.
			logger.Debugw("joining in-flight inventory build", "workspace", workspaceID, "build_id", buildID)
		}

		snap, buildErr := inv.compile(ctx, workspaceID, sig, buildID, srcs)
		if owned {
			if err := inv.finishBuild(ctx, workspaceID, sig, buildID, buildErr); err != nil {
				logger.Warnw("persisting inventory build state failed", "workspace", workspaceID, "error", err.Error())
			}
		}
		if buildErr != nil {
			return nil, buildErr
		}
		inv.snapshots.put(snap)
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// claimBuild atomically sets buildingBuildId iff it was empty. It returns
// the winning build id and whether this caller owns the build.
func (inv *Inventory) claimBuild(ctx context.Context, workspaceID string) (string, bool, error) {
	buildID := "build_" + uuid.NewString()
	owned := false
	winner := buildID
	err := inv.store.Mutate(ctx, workspaceID, func(tx store.Tx) error {
		state, ok := tx.GetInventoryState(workspaceID)
		if !ok {
			state = &store.InventoryState{WorkspaceID: workspaceID}
		}
		if state.BuildingBuildID != "" {
			winner = state.BuildingBuildID
			return nil
		}
		state.BuildingBuildID = buildID
		state.BuildingStartedAt = store.NowMillis()
		tx.PutInventoryState(state)
		owned = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("claim inventory build: %w", err)
	}
	return winner, owned, nil
}

func (inv *Inventory) finishBuild(ctx context.Context, workspaceID, sig, buildID string, buildErr error) error {
	return inv.store.Mutate(ctx, workspaceID, func(tx store.Tx) error {
		state, ok := tx.GetInventoryState(workspaceID)
		if !ok {
			state = &store.InventoryState{WorkspaceID: workspaceID}
		}
		if state.BuildingBuildID == buildID {
			state.BuildingBuildID = ""
			state.BuildingStartedAt = 0
		}
		if buildErr != nil {
			state.LastError = buildErr.Error()
		} else {
			state.ReadyBuildID = buildID
			state.Signature = sig
			state.LastError = ""
		}
		tx.PutInventoryState(state)
		return nil
	})
}

// compile produces a snapshot: external sources compiled and merged under
// the base tools, a synthesized discover tool appended last.
func (inv *Inventory) compile(ctx context.Context, workspaceID, sig, buildID string, srcs []*store.ToolSource) (*Snapshot, error) {
	compiled, err := inv.registry.CompileAll(ctx, srcs)
	if err != nil {
		return nil, fmt.Errorf("compile workspace %s: %w", workspaceID, err)
	}

	toolMap := make(map[string]*sources.ToolDefinition)
	var warnings []string

	// Later-loaded sources overwrite earlier ones.
	for _, cs := range compiled {
		if cs.Warning != "" {
			warnings = append(warnings, cs.Warning)
		}
		for _, tool := range cs.Tools {
			if prev, ok := toolMap[tool.Path]; ok {
				warnings = append(warnings, fmt.Sprintf(
					"tool %s from source %s overwrites the one from %s", tool.Path, tool.Source, prev.Source))
			}
			toolMap[tool.Path] = tool
		}
	}

	// Base tools always win over identical external paths.
	for _, tool := range inv.baseTools {
		if _, ok := toolMap[tool.Path]; ok {
			warnings = append(warnings, fmt.Sprintf("external tool %s shadowed by base tool", tool.Path))
		}
		toolMap[tool.Path] = tool
	}

	descriptors := buildDescriptors(toolMap)

	discover := &sources.ToolDefinition{
		Path:        "discover",
		Description: "List every tool available in this workspace with its description and input schema.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		Run: func(context.Context, map[string]any, *sources.RunContext) (any, error) {
			return descriptors, nil
		},
	}
	toolMap[discover.Path] = discover

	serialized, err := json.Marshal(descriptors)
	if err != nil {
		return nil, fmt.Errorf("serialize descriptors: %w", err)
	}

	snap := &Snapshot{
		Signature:   sig,
		BuildID:     buildID,
		Tools:       toolMap,
		Descriptors: descriptors,
		Warnings:    warnings,
		Serialized:  serialized,
	}
	snap.DeclarationsHash = inv.decls.put(GenerateDeclarations(descriptors))
	return snap, nil
}

// buildDescriptors flattens and orders the descriptor list. Descriptors are
// sorted by path so serialization is canonical.
func buildDescriptors(toolMap map[string]*sources.ToolDefinition) []Descriptor {
	paths := make([]string, 0, len(toolMap))
	for p := range toolMap {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	out := make([]Descriptor, 0, len(paths))
	for _, p := range paths {
		tool := toolMap[p]
		d := Descriptor{
			Path:        tool.Path,
			Description: tool.Description,
			Source:      tool.Source,
			InputSchema: tool.InputSchema,
			Metadata:    tool.Metadata,
		}
		if tool.ApprovalRequired {
			d.Approval = "required"
		}
		out = append(out, d)
	}
	return out
}
