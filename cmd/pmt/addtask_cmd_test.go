// Copyright 2021 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import "testing"

func TestSplitBundleRefParsesRepoTagDigest(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name              string
		in                string
		repo, tag, digest string
	}{
		{name: "tag only", in: "quay.io/a/b:0.1", repo: "quay.io/a/b", tag: "0.1"},
		{
			name:   "tag and digest",
			in:     "quay.io/a/b:0.1@sha256:abc",
			repo:   "quay.io/a/b",
			tag:    "0.1",
			digest: "sha256:abc",
		},
		{name: "no tag", in: "quay.io/a/b", repo: "quay.io/a/b"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			repo, tag, digest := splitBundleRef(tc.in)
			if repo != tc.repo || tag != tc.tag || digest != tc.digest {
				t.Errorf("splitBundleRef(%q) = (%q, %q, %q), want (%q, %q, %q)",
					tc.in, repo, tag, digest, tc.repo, tc.tag, tc.digest)
			}
		})
	}
}

func TestSplitFirstSlash(t *testing.T) {
	t.Parallel()
	registry, repo := splitFirstSlash("quay.io/konflux-ci/task-git-clone")
	if registry != "quay.io" || repo != "konflux-ci/task-git-clone" {
		t.Errorf("splitFirstSlash() = (%q, %q), want (%q, %q)", registry, repo, "quay.io", "konflux-ci/task-git-clone")
	}
}

func TestSplitFirstSlashNoSlash(t *testing.T) {
	t.Parallel()
	registry, repo := splitFirstSlash("just-a-name")
	if registry != "" || repo != "just-a-name" {
		t.Errorf("splitFirstSlash() = (%q, %q), want (\"\", %q)", registry, repo, "just-a-name")
	}
}

func TestLastPathSegment(t *testing.T) {
	t.Parallel()
	if got := lastPathSegment("quay.io/konflux-ci/tekton-catalog/task-git-clone"); got != "task-git-clone" {
		t.Errorf("lastPathSegment() = %q, want %q", got, "task-git-clone")
	}
	if got := lastPathSegment("no-slashes"); got != "no-slashes" {
		t.Errorf("lastPathSegment() = %q, want %q", got, "no-slashes")
	}
}

func TestResolveBundleRefRejectsMissingTag(t *testing.T) {
	t.Parallel()
	_, _, err := resolveBundleRef(nil, "quay.io/a/b")
	if err == nil {
		t.Errorf("resolveBundleRef() error = nil, want an error for a missing tag")
	}
}

func TestResolveBundleRefRequiresDigestForNonQuayRegistries(t *testing.T) {
	t.Parallel()
	_, _, err := resolveBundleRef(nil, "ghcr.io/a/b:0.1")
	if err == nil {
		t.Errorf("resolveBundleRef() error = nil, want an error for a non-quay.io ref without a digest")
	}
}

func TestResolveBundleRefAcceptsFullyQualifiedNonQuayRef(t *testing.T) {
	t.Parallel()
	resolved, actualTaskName, err := resolveBundleRef(nil, "ghcr.io/org/task-git-clone:0.1@sha256:abc")
	if err != nil {
		t.Fatalf("resolveBundleRef() error = %v, want nil", err)
	}
	if resolved != "ghcr.io/org/task-git-clone:0.1@sha256:abc" {
		t.Errorf("resolved = %q, want the input unchanged", resolved)
	}
	if actualTaskName != "task-git-clone" {
		t.Errorf("actualTaskName = %q, want %q", actualTaskName, "task-git-clone")
	}
}
