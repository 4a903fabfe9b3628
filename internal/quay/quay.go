// Copyright 2021 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package quay lists tag history for a repository: Quay.io's paginated
// listRepoTags API for quay.io-hosted repositories, and the OCI distribution
// tag-listing endpoint (via internal/ociclient) for everything else.
package quay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/tkdchen/pipeline-migration-tool/internal/ociclient"
	"github.com/tkdchen/pipeline-migration-tool/internal/reqcache"
)

const quayHost = "quay.io"

// referrersFallbackTag matches the OCI referrers-tag fallback convention
// (sha256-<digest>), which is not a real version tag and must be excluded
// from tag history.
var referrersFallbackTag = regexp.MustCompile(`^sha256-[0-9a-f]+$`)

// TagRecord is one entry of a repository's tag history, newest first.
type TagRecord struct {
	Name         string
	Digest       string
	LastModified time.Time
}

// HTTPDoer is the minimal *http.Client surface quay's paginator needs; it
// is an interface purely so tests can stub the Quay API without a live
// network call.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Lister lists tag history for a repository, caching registry round trips
// via reqcache so that the same repository queried from multiple upgrade
// windows in one invocation costs one network call.
type Lister struct {
	httpClient HTTPDoer
	ociClient  ociclient.Client
	cache      *reqcache.Cache
}

// New builds a Lister backed by http.DefaultClient and the given registry
// client (used for the non-quay.io fallback path), memoizing through cache.
func New(oci ociclient.Client, cache *reqcache.Cache) *Lister {
	return &Lister{httpClient: http.DefaultClient, ociClient: oci, cache: cache}
}

// NewWithHTTPClient lets tests inject a fake Quay API.
func NewWithHTTPClient(doer HTTPDoer, oci ociclient.Client, cache *reqcache.Cache) *Lister {
	return &Lister{httpClient: doer, ociClient: oci, cache: cache}
}

type cacheKey struct {
	registry   string
	repository string
}

// ListTags returns the tag history of repository, newest first, with
// referrers-fallback tags excluded.
func (l *Lister) ListTags(ctx context.Context, registry, repository string) ([]TagRecord, error) {
	return reqcache.Get(l.cache, cacheKey{registry, repository}, func() ([]TagRecord, error) {
		if registry == quayHost {
			return l.listQuayTags(ctx, repository)
		}
		return l.listDistributionTags(ctx, registry, repository)
	})
}

type quayTagsResponse struct {
	Tags []struct {
		Name           string `json:"name"`
		ManifestDigest string `json:"manifest_digest"`
		StartTS        int64  `json:"start_ts"`
		LastModified   string `json:"last_modified"`
	} `json:"tags"`
	Page           int  `json:"page"`
	HasAdditional  bool `json:"has_additional"`
}

func (l *Lister) listQuayTags(ctx context.Context, repository string) ([]TagRecord, error) {
	var out []TagRecord
	page := 1
	for {
		u := fmt.Sprintf("https://%s/api/v1/repository/%s/tag/", quayHost, repository)
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("onlyActiveTags", "true")
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u+"?"+q.Encode(), nil)
		if err != nil {
			return nil, errors.Wrap(err, "build quay tags request")
		}
		resp, err := l.httpClient.Do(req)
		if err != nil {
			return nil, errors.Wrapf(err, "list quay tags for %s", repository)
		}
		var data quayTagsResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&data)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, errors.Errorf("quay tags API returned status %d for %s", resp.StatusCode, repository)
		}
		if decodeErr != nil {
			return nil, errors.Wrap(decodeErr, "decode quay tags response")
		}
		for _, t := range data.Tags {
			if referrersFallbackTag.MatchString(t.Name) {
				continue
			}
			rec := TagRecord{Name: t.Name, Digest: t.ManifestDigest}
			if t.StartTS > 0 {
				rec.LastModified = time.Unix(t.StartTS, 0).UTC()
			}
			out = append(out, rec)
		}
		if !data.HasAdditional {
			break
		}
		page = data.Page + 1
	}
	return out, nil
}

// listDistributionTags resolves tags via the plain OCI distribution spec,
// which (unlike Quay) reports neither digest nor creation time per tag, so
// each tag's digest is resolved with a follow-up HEAD-equivalent call.
// Ordering falls back to the order the registry returned, which distribution
// servers are not required to guarantee is chronological; this is a known
// limitation of the non-quay.io path.
func (l *Lister) listDistributionTags(ctx context.Context, registry, repository string) ([]TagRecord, error) {
	repoPath := fmt.Sprintf("%s/%s", registry, repository)
	tags, err := l.ociClient.ListTags(ctx, repoPath)
	if err != nil {
		return nil, errors.Wrapf(err, "list distribution tags for %s", repoPath)
	}
	out := make([]TagRecord, 0, len(tags))
	for _, t := range tags {
		if referrersFallbackTag.MatchString(t) {
			continue
		}
		digest, err := l.ociClient.ResolveDigest(ctx, repoPath, t)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve digest for tag %s", t)
		}
		out = append(out, TagRecord{Name: t, Digest: digest})
	}
	return out, nil
}

// GetActiveTag returns the single tag record for name, if it currently
// resolves to an active tag, mirroring Quay's own specificTag query param.
func GetActiveTag(records []TagRecord, name string) (TagRecord, bool) {
	for _, r := range records {
		if r.Name == name {
			return r, true
		}
	}
	return TagRecord{}, false
}
