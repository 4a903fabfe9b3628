// Copyright 2021 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package migration is the migration resolver: given one upgrade
// (current digest -> new digest for a dependency), it produces the ordered
// list of migrations to apply by walking that dependency's tag history.
package migration

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tkdchen/pipeline-migration-tool/internal/bundle"
	"github.com/tkdchen/pipeline-migration-tool/internal/ociclient"
	"github.com/tkdchen/pipeline-migration-tool/internal/pmterrors"
	"github.com/tkdchen/pipeline-migration-tool/internal/quay"
	"github.com/tkdchen/pipeline-migration-tool/internal/upgrades"
)

// Warning is a non-fatal finding surfaced to the caller instead of aborting
// resolution, e.g. a downgrade or a tag_hint mismatch.
type Warning struct {
	DepName string
	Msg     string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.DepName, w.Msg)
}

// Resolver turns upgrades into ordered migration lists.
type Resolver struct {
	tags      *quay.Lister
	inspector *bundle.Inspector
	sem       *semaphore.Weighted
}

// New builds a Resolver. concurrency bounds the number of in-flight
// FetchMigration calls across the whole resolver, whether they belong to one
// upgrade's window or to several upgrades resolved concurrently by
// BuildPlan (default 8, overridable via PMT_REGISTRY_CONCURRENCY).
func New(tags *quay.Lister, inspector *bundle.Inspector, concurrency int64) *Resolver {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Resolver{tags: tags, inspector: inspector, sem: semaphore.NewWeighted(concurrency)}
}

func splitRepo(depName string) (registry, repository string) {
	for i := 0; i < len(depName); i++ {
		if depName[i] == '/' {
			return depName[:i], depName[i+1:]
		}
	}
	return "", depName
}

// Resolve runs the window-slicing algorithm for a single upgrade: list the
// dependency's tag history newest-first, reorder it chronologically
// old-to-new, locate the current and new digests' canonical (earliest)
// occurrence, and fetch migrations for every tag strictly after the current
// one up to and including the new one, in that chronological order. A
// downgrade (new's position is not after current's) resolves to an empty
// migration list plus a Warning rather than an error.
func (r *Resolver) Resolve(ctx context.Context, u upgrades.Upgrade) ([]*bundle.Migration, []Warning, error) {
	registry, repository := splitRepo(u.DepName)
	records, err := r.tags.ListTags(ctx, registry, repository)
	if err != nil {
		return nil, nil, err
	}

	chrono := chronological(records)

	curIdx, ok := firstIndexByDigest(chrono, u.CurrentDigest)
	if !ok {
		return nil, nil, &pmterrors.UpgradeEndpointNotFound{DepName: u.DepName, Digest: u.CurrentDigest, Which: "current"}
	}
	newIdx, ok := firstIndexByDigest(chrono, u.NewDigest)
	if !ok {
		return nil, nil, &pmterrors.UpgradeEndpointNotFound{DepName: u.DepName, Digest: u.NewDigest, Which: "new"}
	}

	var warnings []Warning
	warnings = append(warnings, sanityCheckTagHint(u.DepName, "currentValue", u.CurrentValue, chrono[curIdx].Name)...)
	warnings = append(warnings, sanityCheckTagHint(u.DepName, "newValue", u.NewValue, chrono[newIdx].Name)...)

	if newIdx <= curIdx {
		warnings = append(warnings, Warning{
			DepName: u.DepName,
			Msg:     fmt.Sprintf("new tag %s is not chronologically after current tag %s; treating as a downgrade, no migrations applied", chrono[newIdx].Name, chrono[curIdx].Name),
		})
		return nil, warnings, nil
	}

	window := dedupeByDigest(chrono[curIdx+1 : newIdx+1])

	fetched := make([]*bundle.Migration, len(window))
	repoRef := fmt.Sprintf("%s/%s", registry, repository)

	g, gctx := errgroup.WithContext(ctx)
	for i, rec := range window {
		i, rec := i, rec
		if err := r.sem.Acquire(gctx, 1); err != nil {
			return nil, warnings, err
		}
		g.Go(func() error {
			defer r.sem.Release(1)
			ref := ociclient.Reference{Repository: repoRef, Digest: rec.Digest}
			m, err := r.inspector.FetchMigration(gctx, ref)
			if err != nil {
				return err
			}
			if m != nil {
				m.Bundle.Tag = rec.Name
				fetched[i] = m
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, warnings, err
	}

	var out []*bundle.Migration
	for _, m := range fetched {
		if m != nil {
			out = append(out, m)
		}
	}
	return out, warnings, nil
}

// chronological reorders records (assumed newest-first, as every Lister
// implementation returns them) into oldest-first, the direction the window
// slice below is defined over.
func chronological(records []quay.TagRecord) []quay.TagRecord {
	out := make([]quay.TagRecord, len(records))
	for i, r := range records {
		out[len(records)-1-i] = r
	}
	return out
}

// dedupeByDigest collapses a chronological run down to one record per digest,
// keeping the earliest occurrence — the same "earliest occurrence wins" rule
// firstIndexByDigest applies to the window's endpoints, applied here to every
// digest inside it so a bundle re-tagged within the window is fetched once.
func dedupeByDigest(window []quay.TagRecord) []quay.TagRecord {
	seen := make(map[string]bool, len(window))
	out := make([]quay.TagRecord, 0, len(window))
	for _, r := range window {
		if seen[r.Digest] {
			continue
		}
		seen[r.Digest] = true
		out = append(out, r)
	}
	return out
}

// firstIndexByDigest returns the earliest (canonical) chronological position
// matching digest: the "earliest occurrence wins" rule for re-tagged
// digests.
func firstIndexByDigest(chrono []quay.TagRecord, digest string) (int, bool) {
	for i, r := range chrono {
		if r.Digest == digest {
			return i, true
		}
	}
	return 0, false
}

// sanityCheckTagHint implements the sanity-check-only rule for tag hints:
// tag_hint (currentValue or newValue) is never used to locate a digest,
// only to flag a mismatch as a warning once the digest-derived tag is
// known.
func sanityCheckTagHint(depName, field, hint, actualTag string) []Warning {
	if hint == "" || hint == actualTag {
		return nil
	}
	return []Warning{{
		DepName: depName,
		Msg:     fmt.Sprintf("%s %q does not match the digest-derived tag %q", field, hint, actualTag),
	}}
}
