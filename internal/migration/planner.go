// Copyright 2021 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package migration

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/tkdchen/pipeline-migration-tool/internal/pipeline"
	"github.com/tkdchen/pipeline-migration-tool/internal/runner"
	"github.com/tkdchen/pipeline-migration-tool/internal/upgrades"
	"github.com/tkdchen/pipeline-migration-tool/internal/yamlsurgeon"
)

// Plan is the outcome of planning: the ordered runner entries plus any
// non-fatal warnings collected along the way.
type Plan struct {
	Entries  []runner.PlanEntry
	Warnings []Warning
}

// BuildPlan filters to task-bundle upgrades, de-duplicates, resolves each
// to a migration list, and expands against the discovered pipeline files
// for that upgrade's parentDir.
func BuildPlan(ctx context.Context, ups []upgrades.Upgrade, resolver *Resolver) (*Plan, error) {
	seen := map[string]bool{}
	var deduped []upgrades.Upgrade
	for _, u := range ups {
		if !u.IsTaskBundle() {
			continue
		}
		key := u.DedupeKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, u)
	}

	// Each upgrade resolves and expands independently; fan them out and let
	// the resolver's own semaphore bound the registry concurrency, then
	// flatten results back in input order for reproducibility.
	type outcome struct {
		warnings []Warning
		entries  []runner.PlanEntry
	}
	outcomes := make([]outcome, len(deduped))

	g, gctx := errgroup.WithContext(ctx)
	for i, u := range deduped {
		i, u := i, u
		g.Go(func() error {
			migrations, warnings, err := resolver.Resolve(gctx, u)
			if err != nil {
				return err
			}
			o := outcome{warnings: warnings}
			if len(migrations) > 0 {
				files, err := filesForUpgrade(u)
				if err != nil {
					return err
				}
				for _, m := range migrations {
					for _, f := range files {
						o.entries = append(o.entries, runner.PlanEntry{Migration: m, PipelineFile: f})
					}
				}
			}
			outcomes[i] = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var plan Plan
	for _, o := range outcomes {
		plan.Warnings = append(plan.Warnings, o.warnings...)
		plan.Entries = append(plan.Entries, o.entries...)
	}
	return &plan, nil
}

// filesForUpgrade discovers the set of eligible pipeline files under the
// upgrade's parentDir, always including its packageFile, sorted
// lexicographically for reproducibility.
func filesForUpgrade(u upgrades.Upgrade) ([]string, error) {
	set := map[string]bool{u.PackageFile: true}

	docs, err := pipeline.Discover(u.ParentDir, nil, nil)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		switch d.Kind {
		case pipeline.KindPipeline, pipeline.KindPipelineRunInline:
			set[d.Path] = true
		}
	}

	files := make([]string, 0, len(set))
	for f := range set {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

// ManualReplacement implements the --new-bundle path: pure reference
// substitution with no migration discovery.
type ManualReplacement struct {
	NewBundleRef  string
	PipelineFiles []string
}

// ApplyManualReplacements rewrites every bundle reference whose repository
// matches one of replacements' targets across files, using the surgeon's
// bundle-aware operation rather than the semantic task operations, since
// the edit target is the bundle reference itself, not a task param.
func ApplyManualReplacements(replacements []ManualReplacement, files []string) error {
	for _, r := range replacements {
		ref, err := parseBundleRef(r.NewBundleRef)
		if err != nil {
			return err
		}
		targets := files
		if len(r.PipelineFiles) > 0 {
			targets = r.PipelineFiles
		}
		for _, f := range targets {
			if err := replaceBundleRefsInFile(f, ref); err != nil {
				return err
			}
		}
	}
	return nil
}

type bundleRef struct {
	repository string
	tag        string
	digest     string
}

func parseBundleRef(s string) (bundleRef, error) {
	ref := bundleRef{}
	rest := s
	if i := indexByte(rest, '@'); i >= 0 {
		ref.digest = rest[i+1:]
		rest = rest[:i]
	}
	if i := indexByte(rest, ':'); i >= 0 {
		ref.tag = rest[i+1:]
		rest = rest[:i]
	}
	ref.repository = rest
	if ref.repository == "" {
		return ref, fmt.Errorf("invalid bundle reference %q", s)
	}
	return ref, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// replaceBundleRefsInFile finds every task step referencing ref's
// repository and rewrites it to ref's tag/digest. Delegated to the
// surgeon's bundle-aware walk rather than a generic-path operation, since
// the set of locations (one per task using the bundle) is not known ahead
// of time.
func replaceBundleRefsInFile(path string, ref bundleRef) error {
	doc, err := yamlsurgeon.Load(path)
	if err != nil {
		return err
	}
	newRef := ref.repository
	if ref.tag != "" {
		newRef += ":" + ref.tag
	}
	if ref.digest != "" {
		newRef += "@" + ref.digest
	}
	n, err := doc.ReplaceBundleRefs(ref.repository, newRef)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return doc.Save()
}

// Summarize renders one line per applied plan entry.
func Summarize(results []runner.Result) []string {
	lines := make([]string, 0, len(results))
	for _, r := range results {
		lines = append(lines, fmt.Sprintf("applied %s to %s", r.Entry.Migration.Bundle.String(), r.Entry.PipelineFile))
	}
	return lines
}
