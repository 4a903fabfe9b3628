// Copyright 2021 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package bundle is the bundle inspector: given a bundle reference, it
// decides whether the bundle has a migration attached and, if so, fetches
// the shell script.
package bundle

import (
	"context"
	"fmt"
	"log"

	"github.com/dustin/go-humanize"

	"github.com/tkdchen/pipeline-migration-tool/internal/ociclient"
	"github.com/tkdchen/pipeline-migration-tool/internal/pmterrors"
	"github.com/tkdchen/pipeline-migration-tool/internal/reqcache"
)

const (
	// AnnotationHasMigration marks a bundle manifest as having a migration
	// attached as a referrer.
	AnnotationHasMigration = "dev.konflux-ci.task.has-migration"
	// AnnotationIsMigration marks a referrer manifest as the migration
	// script attachment for its subject.
	AnnotationIsMigration = "dev.konflux-ci.task.is-migration"
	// TruthValue is the only string the above annotations are checked
	// against; anything else (including "True" or "1") is false.
	TruthValue = "true"

	migrationArtifactType = "text/x-shellscript"
)

// Migration is the immutable triple a resolved migration boils down to: a
// bundle reference, the migration script bytes, and a script filename
// derived from the bundle's digest for traceability in temp-file names and
// logs.
type Migration struct {
	Bundle     ociclient.Reference
	Script     []byte
	ScriptName string
}

// Inspector answers HasMigration/FetchMigration for bundle references,
// caching registry round trips via reqcache so that the same digest queried
// from multiple upgrade windows in one invocation costs one network call.
type Inspector struct {
	client ociclient.Client
	cache  *reqcache.Cache
}

// New builds an Inspector backed by client, memoizing through cache.
func New(client ociclient.Client, cache *reqcache.Cache) *Inspector {
	return &Inspector{client: client, cache: cache}
}

type cacheKey struct {
	op  string
	ref string
}

func isTrue(v string) bool {
	return v == TruthValue
}

// HasMigration reports whether ref's manifest carries the has-migration
// annotation with the literal string value "true".
func (i *Inspector) HasMigration(ctx context.Context, ref ociclient.Reference) (bool, error) {
	return reqcache.Get(i.cache, cacheKey{"has-migration", ref.String()}, func() (bool, error) {
		manifest, err := i.client.GetManifest(ctx, ref)
		if err != nil {
			return false, &pmterrors.RegistryUnavailable{Ref: ref.String(), Err: err}
		}
		return isTrue(manifest.Annotations[AnnotationHasMigration]), nil
	})
}

// FetchMigration returns nil (no error) when the bundle has no migration; a
// *MalformedBundle error when the referrer count for the migration
// artifact type is not exactly one; otherwise the migration script bytes
// and a derived filename.
func (i *Inspector) FetchMigration(ctx context.Context, ref ociclient.Reference) (*Migration, error) {
	return reqcache.Get(i.cache, cacheKey{"fetch-migration", ref.String()}, func() (*Migration, error) {
		has, err := i.HasMigration(ctx, ref)
		if err != nil {
			return nil, err
		}
		if !has {
			return nil, nil
		}

		referrers, err := i.client.ListReferrers(ctx, ref, migrationArtifactType)
		if err != nil {
			return nil, &pmterrors.RegistryUnavailable{Ref: ref.String(), Err: err}
		}

		var matches []ociclient.Descriptor
		for _, d := range referrers {
			if d.ArtifactType != migrationArtifactType {
				continue
			}
			if isTrue(d.Annotations[AnnotationIsMigration]) {
				matches = append(matches, d)
			}
		}
		if len(matches) != 1 {
			return nil, &pmterrors.MalformedBundle{Bundle: ref.String(), Count: len(matches)}
		}

		// First wins, deterministic by listing order.
		referrerRef := ociclient.Reference{Repository: ref.Repository, Digest: matches[0].Digest}
		manifest, err := i.client.GetManifest(ctx, referrerRef)
		if err != nil {
			return nil, &pmterrors.RegistryUnavailable{Ref: referrerRef.String(), Err: err}
		}
		if len(manifest.Layers) == 0 {
			return nil, &pmterrors.MalformedBundle{Bundle: ref.String(), Count: 0}
		}
		layer := manifest.Layers[0]
		script, err := i.client.FetchBlob(ctx, ref.Repository, layer.Digest)
		if err != nil {
			return nil, &pmterrors.RegistryUnavailable{Ref: referrerRef.String(), Err: err}
		}
		log.Printf("fetched migration script for %s (%s)", ref.String(), humanize.Bytes(uint64(len(script))))
		return &Migration{
			Bundle:     ref,
			Script:     script,
			ScriptName: fmt.Sprintf("migration-%s.sh", shortDigest(ref.Digest)),
		}, nil
	})
}

func shortDigest(digest string) string {
	const prefix = "sha256:"
	d := digest
	if len(d) > len(prefix) && d[:len(prefix)] == prefix {
		d = d[len(prefix):]
	}
	if len(d) > 12 {
		d = d[:12]
	}
	return d
}
