// Copyright 2021 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tkdchen/pipeline-migration-tool/internal/bundle"
	"github.com/tkdchen/pipeline-migration-tool/internal/ociclient"
	"github.com/tkdchen/pipeline-migration-tool/internal/pmterrors"
)

func writePipelineFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "pipeline.yaml")
	if err := os.WriteFile(path, []byte("kind: Pipeline\n"), 0o644); err != nil {
		t.Fatalf("write pipeline fixture: %v", err)
	}
	return path
}

func entryWithScript(t *testing.T, script string) PlanEntry {
	t.Helper()
	return PlanEntry{
		Migration: &bundle.Migration{
			Bundle:     ociclient.Reference{Repository: "quay.io/a/b", Tag: "0.2", Digest: "sha256:bbb"},
			Script:     []byte(script),
			ScriptName: "migration-bbbbbbbbbbbb.sh",
		},
		PipelineFile: writePipelineFile(t, t.TempDir()),
	}
}

func TestRunExecutesScriptAgainstAbsolutePipelinePath(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	entry := entryWithScript(t, "#!/bin/sh\necho \"$1\" > \"$PWD/seen-arg\"\n")
	entry.PipelineFile = writePipelineFile(t, dir)

	r := &Runner{RepoRoot: dir, Timeout: 5 * time.Second}
	results, err := r.Run(context.Background(), []PlanEntry{entry})
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}

	seenArg, err := os.ReadFile(filepath.Join(dir, "seen-arg"))
	if err != nil {
		t.Fatalf("read seen-arg: %v", err)
	}
	absPipeline, _ := filepath.Abs(entry.PipelineFile)
	if string(seenArg) != absPipeline+"\n" {
		t.Errorf("script saw argument %q, want the absolute pipeline path %q", seenArg, absPipeline)
	}
}

func TestRunPassesBundleRefAndVersionEnv(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	entry := entryWithScript(t, `#!/bin/sh
printf '%s|%s' "$PMT_MIGRATION_BUNDLE_REF" "$PMT_MIGRATION_VERSION" > "$PWD/seen-env"
`)
	entry.PipelineFile = writePipelineFile(t, dir)

	r := &Runner{RepoRoot: dir, Timeout: 5 * time.Second}
	if _, err := r.Run(context.Background(), []PlanEntry{entry}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	seenEnv, err := os.ReadFile(filepath.Join(dir, "seen-env"))
	if err != nil {
		t.Fatalf("read seen-env: %v", err)
	}
	want := "quay.io/a/b:0.2@sha256:bbb|0.2"
	if string(seenEnv) != want {
		t.Errorf("seen-env = %q, want %q", seenEnv, want)
	}
}

func TestRunStopsAtFirstFailureAndKeepsPriorResults(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ok := entryWithScript(t, "#!/bin/sh\nexit 0\n")
	ok.PipelineFile = writePipelineFile(t, dir)
	failing := entryWithScript(t, "#!/bin/sh\necho boom >&2\nexit 7\n")
	failing.PipelineFile = writePipelineFile(t, dir)
	neverRuns := entryWithScript(t, "#!/bin/sh\ntouch \"$PWD/should-not-exist\"\n")
	neverRuns.PipelineFile = writePipelineFile(t, dir)

	r := &Runner{RepoRoot: dir, Timeout: 5 * time.Second}
	results, err := r.Run(context.Background(), []PlanEntry{ok, failing, neverRuns})

	var migErr *pmterrors.MigrationFailed
	if err == nil {
		t.Fatalf("Run() error = nil, want a MigrationFailed error")
	}
	if !isMigrationFailed(err, &migErr) {
		t.Fatalf("Run() error = %v, want *pmterrors.MigrationFailed", err)
	}
	if len(results) != 1 {
		t.Errorf("len(results) = %d, want 1 (only the successful entry)", len(results))
	}
	if _, statErr := os.Stat(filepath.Join(dir, "should-not-exist")); statErr == nil {
		t.Errorf("the third entry ran despite the second one failing")
	}
}

func isMigrationFailed(err error, target **pmterrors.MigrationFailed) bool {
	if mf, ok := err.(*pmterrors.MigrationFailed); ok {
		*target = mf
		return true
	}
	return false
}

func TestRunReportsTimeoutAsMigrationFailed(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	entry := entryWithScript(t, "#!/bin/sh\nsleep 5\n")
	entry.PipelineFile = writePipelineFile(t, dir)

	r := &Runner{RepoRoot: dir, Timeout: 50 * time.Millisecond}
	_, err := r.Run(context.Background(), []PlanEntry{entry})
	var migErr *pmterrors.MigrationFailed
	if !isMigrationFailed(err, &migErr) {
		t.Fatalf("Run() error = %v, want *pmterrors.MigrationFailed", err)
	}
	if !migErr.Timeout {
		t.Errorf("MigrationFailed.Timeout = false, want true")
	}
}

func TestNewReadsTimeoutFromEnvironment(t *testing.T) {
	t.Setenv("PMT_MIGRATION_TIMEOUT_SECONDS", "7")
	r := New("/tmp")
	if r.Timeout != 7*time.Second {
		t.Errorf("Timeout = %v, want 7s", r.Timeout)
	}
}

func TestNewIgnoresInvalidTimeoutEnv(t *testing.T) {
	t.Setenv("PMT_MIGRATION_TIMEOUT_SECONDS", "not-a-number")
	r := New("/tmp")
	if r.Timeout != defaultTimeout {
		t.Errorf("Timeout = %v, want the default %v for an invalid override", r.Timeout, defaultTimeout)
	}
}

func TestSanitizeReplacesUnsafeCharacters(t *testing.T) {
	t.Parallel()
	got := sanitize("migration-abc123.sh/../x")
	for _, c := range got {
		safe := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '.' || c == '_'
		if !safe {
			t.Fatalf("sanitize() produced unsafe character %q in %q", c, got)
		}
	}
}
