// Copyright 2021 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package pipeline

import (
	"os"
	"path/filepath"
	"testing"
)

const pipelineYAML = `
apiVersion: tekton.dev/v1
kind: Pipeline
metadata:
  name: build
spec:
  tasks:
  - name: git-clone
    taskRef:
      resolver: bundles
      params:
      - name: bundle
        value: quay.io/konflux-ci/tekton-catalog/task-git-clone:0.1
`

const pipelineRunInlineYAML = `
apiVersion: tekton.dev/v1
kind: PipelineRun
metadata:
  name: push
spec:
  pipelineSpec:
    tasks:
    - name: git-clone
      taskRef:
        resolver: bundles
        params:
        - name: bundle
          value: quay.io/konflux-ci/tekton-catalog/task-git-clone:0.1
`

const pipelineRunRefYAML = `
apiVersion: tekton.dev/v1
kind: PipelineRun
metadata:
  name: push
spec:
  pipelineRef:
    name: build
`

const configMapYAML = `
apiVersion: v1
kind: ConfigMap
metadata:
  name: other
data:
  foo: bar
`

func writeFixture(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir fixture dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestDiscoverClassifiesEachDocumentKind(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tektonDir := filepath.Join(dir, ".tekton")
	pipelinePath := writeFixture(t, tektonDir, "pipeline.yaml", pipelineYAML)
	inlinePath := writeFixture(t, tektonDir, "push.yaml", pipelineRunInlineYAML)
	refPath := writeFixture(t, tektonDir, "ref.yaml", pipelineRunRefYAML)
	otherPath := writeFixture(t, tektonDir, "cm.yaml", configMapYAML)

	var warnings []error
	docs, err := Discover(tektonDir, nil, func(e error) { warnings = append(warnings, e) })
	if err != nil {
		t.Fatalf("Discover() error = %v, want nil", err)
	}

	byPath := map[string]Document{}
	for _, d := range docs {
		byPath[d.Path] = d
	}

	if got := byPath[pipelinePath].Kind; got != KindPipeline {
		t.Errorf("pipeline.yaml kind = %v, want KindPipeline", got)
	}
	if got := byPath[inlinePath].Kind; got != KindPipelineRunInline {
		t.Errorf("push.yaml kind = %v, want KindPipelineRunInline", got)
	}
	if got := byPath[refPath].Kind; got != KindPipelineRunRef {
		t.Errorf("ref.yaml kind = %v, want KindPipelineRunRef", got)
	}
	if byPath[refPath].Warning == "" {
		t.Errorf("ref.yaml Warning is empty, want a reference-only warning")
	}
	if got := byPath[otherPath].Kind; got != KindNonPipeline {
		t.Errorf("cm.yaml kind = %v, want KindNonPipeline", got)
	}
}

func TestDiscoverSkipsUnparseableFilesWithoutAbortingTheWalk(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tektonDir := filepath.Join(dir, ".tekton")
	goodPath := writeFixture(t, tektonDir, "good.yaml", pipelineYAML)
	writeFixture(t, tektonDir, "bad.yaml", "not: [valid: yaml")

	var skipped []error
	docs, err := Discover(tektonDir, nil, func(e error) { skipped = append(skipped, e) })
	if err != nil {
		t.Fatalf("Discover() error = %v, want nil (not every file failed)", err)
	}
	if len(skipped) != 1 {
		t.Fatalf("skipped %d files, want 1", len(skipped))
	}
	if len(docs) != 1 || docs[0].Path != goodPath {
		t.Errorf("docs = %+v, want only %s", docs, goodPath)
	}
}

func TestDiscoverFailsWhenEveryFileIsUnparseable(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tektonDir := filepath.Join(dir, ".tekton")
	writeFixture(t, tektonDir, "bad.yaml", "not: [valid: yaml")

	_, err := Discover(tektonDir, nil, nil)
	if err == nil {
		t.Errorf("Discover() error = nil, want an error when every file fails to parse")
	}
}

func TestDiscoverHonorsExplicitFileListOverRootWalk(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tektonDir := filepath.Join(dir, ".tekton")
	writeFixture(t, tektonDir, "pipeline.yaml", pipelineYAML)
	explicit := writeFixture(t, tektonDir, "push.yaml", pipelineRunInlineYAML)

	docs, err := Discover(tektonDir, []string{explicit}, nil)
	if err != nil {
		t.Fatalf("Discover() error = %v, want nil", err)
	}
	if len(docs) != 1 || docs[0].Path != explicit {
		t.Errorf("docs = %+v, want only the explicit file %s", docs, explicit)
	}
}

func TestDiscoverDeduplicatesExplicitFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFixture(t, dir, "push.yaml", pipelineRunInlineYAML)

	docs, err := Discover("", []string{path, path}, nil)
	if err != nil {
		t.Fatalf("Discover() error = %v, want nil", err)
	}
	if len(docs) != 1 {
		t.Errorf("len(docs) = %d, want 1 for a deduplicated explicit file list", len(docs))
	}
}

func TestDiscoverMissingRootYieldsNoDocsNoError(t *testing.T) {
	t.Parallel()
	docs, err := Discover(filepath.Join(t.TempDir(), "does-not-exist"), nil, nil)
	if err != nil {
		t.Fatalf("Discover() error = %v, want nil for a missing default root", err)
	}
	if len(docs) != 0 {
		t.Errorf("len(docs) = %d, want 0", len(docs))
	}
}
