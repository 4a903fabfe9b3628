// Copyright 2021 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package yamlsurgeon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const samplePipeline = `apiVersion: tekton.dev/v1
kind: Pipeline
metadata:
  name: build
spec:
  tasks:
  - name: git-clone
    taskRef:
      resolver: bundles
      params:
      - name: kind
        value: task
      - name: name
        value: git-clone
      - name: bundle
        value: quay.io/konflux-ci/tekton-catalog/task-git-clone:0.1@sha256:aaa
    params:
    - name: url
      value: https://example.com/repo.git
  - name: build-image
    runAfter:
    - git-clone
    taskRef:
      resolver: bundles
      params:
      - name: kind
        value: task
      - name: name
        value: buildah
      - name: bundle
        value: quay.io/konflux-ci/tekton-catalog/task-buildah:0.2@sha256:bbb
`

func loadFixture(t *testing.T, content string) *Document {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return doc
}

func serialize(t *testing.T, doc *Document) string {
	t.Helper()
	if err := doc.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	data, err := os.ReadFile(doc.Path)
	if err != nil {
		t.Fatalf("read back saved file: %v", err)
	}
	return string(data)
}

func TestAddParamAppendsNewParam(t *testing.T) {
	t.Parallel()
	doc := loadFixture(t, samplePipeline)
	mutated, err := doc.AddParam("git-clone", "revision", "main", false)
	if err != nil {
		t.Fatalf("AddParam() error = %v", err)
	}
	if !mutated {
		t.Errorf("AddParam() mutated = false, want true for a new param")
	}
	out := serialize(t, doc)
	if !strings.Contains(out, "revision") || !strings.Contains(out, "main") {
		t.Errorf("serialized output missing the new param:\n%s", out)
	}
}

func TestAddParamIsNoOpWhenSameValueAlreadyPresent(t *testing.T) {
	t.Parallel()
	doc := loadFixture(t, samplePipeline)
	mutated, err := doc.AddParam("git-clone", "url", "https://example.com/repo.git", false)
	if err != nil {
		t.Fatalf("AddParam() error = %v, want nil for an identical existing value", err)
	}
	if mutated {
		t.Errorf("AddParam() mutated = true, want false for an identical existing value")
	}
	if len(doc.edits) != 0 {
		t.Errorf("AddParam() recorded %d edits, want 0 for a true no-op", len(doc.edits))
	}
	if err := doc.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	data, err := os.ReadFile(doc.Path)
	if err != nil {
		t.Fatalf("read back file: %v", err)
	}
	if string(data) != samplePipeline {
		t.Errorf("no-op AddParam() followed by Save() changed the file bytes")
	}
}

func TestAddParamConflictsOnDifferentValueWithoutReplace(t *testing.T) {
	t.Parallel()
	doc := loadFixture(t, samplePipeline)
	_, err := doc.AddParam("git-clone", "url", "https://example.com/other.git", false)
	if err == nil {
		t.Fatalf("AddParam() error = nil, want a conflict for a differing existing value")
	}
}

func TestAddParamReplacesWhenRequested(t *testing.T) {
	t.Parallel()
	doc := loadFixture(t, samplePipeline)
	mutated, err := doc.AddParam("git-clone", "url", "https://example.com/other.git", true)
	if err != nil {
		t.Fatalf("AddParam() error = %v", err)
	}
	if !mutated {
		t.Errorf("AddParam() mutated = false, want true")
	}
	out := serialize(t, doc)
	if !strings.Contains(out, "https://example.com/other.git") {
		t.Errorf("serialized output missing the replaced value:\n%s", out)
	}
	if strings.Contains(out, "https://example.com/repo.git") {
		t.Errorf("serialized output still has the old value:\n%s", out)
	}
}

func TestSetParamOverwritesExistingValue(t *testing.T) {
	t.Parallel()
	doc := loadFixture(t, samplePipeline)
	mutated, err := doc.SetParam("git-clone", "url", "https://example.com/new.git")
	if err != nil {
		t.Fatalf("SetParam() error = %v", err)
	}
	if !mutated {
		t.Errorf("SetParam() mutated = false, want true")
	}
	out := serialize(t, doc)
	if !strings.Contains(out, "https://example.com/new.git") {
		t.Errorf("serialized output missing the new value:\n%s", out)
	}
}

func TestSetParamIsNoOpWhenValueUnchanged(t *testing.T) {
	t.Parallel()
	doc := loadFixture(t, samplePipeline)
	mutated, err := doc.SetParam("git-clone", "url", "https://example.com/repo.git")
	if err != nil {
		t.Fatalf("SetParam() error = %v", err)
	}
	if mutated {
		t.Errorf("SetParam() mutated = true, want false when the value already matches")
	}
	if len(doc.edits) != 0 {
		t.Errorf("SetParam() recorded %d edits, want 0 for a true no-op", len(doc.edits))
	}
}

func TestSetParamAppendsWhenMissing(t *testing.T) {
	t.Parallel()
	doc := loadFixture(t, samplePipeline)
	mutated, err := doc.SetParam("git-clone", "depth", "1")
	if err != nil {
		t.Fatalf("SetParam() error = %v", err)
	}
	if !mutated {
		t.Errorf("SetParam() mutated = false, want true")
	}
	out := serialize(t, doc)
	if !strings.Contains(out, "depth") {
		t.Errorf("serialized output missing the appended param:\n%s", out)
	}
}

func TestRemoveParamDeletesExistingParam(t *testing.T) {
	t.Parallel()
	doc := loadFixture(t, samplePipeline)
	mutated, err := doc.RemoveParam("git-clone", "url")
	if err != nil {
		t.Fatalf("RemoveParam() error = %v", err)
	}
	if !mutated {
		t.Errorf("RemoveParam() mutated = false, want true")
	}
	out := serialize(t, doc)
	if strings.Contains(out, "https://example.com/repo.git") {
		t.Errorf("serialized output still has the removed param:\n%s", out)
	}
}

func TestRemoveParamErrorsWhenParamAbsent(t *testing.T) {
	t.Parallel()
	doc := loadFixture(t, samplePipeline)
	if _, err := doc.RemoveParam("git-clone", "does-not-exist"); err == nil {
		t.Errorf("RemoveParam() error = nil, want an error for a missing param")
	}
}

func TestAddRunAfterIsIdempotent(t *testing.T) {
	t.Parallel()
	doc := loadFixture(t, samplePipeline)
	mutated, err := doc.AddRunAfter("build-image", "git-clone")
	if err != nil {
		t.Fatalf("AddRunAfter() error = %v", err)
	}
	if mutated {
		t.Errorf("AddRunAfter() mutated = true, want false for an already-present entry")
	}
	if len(doc.edits) != 0 {
		t.Errorf("AddRunAfter() recorded %d edits, want 0 for a true no-op", len(doc.edits))
	}
	out := serialize(t, doc)
	if strings.Count(out, "git-clone") != strings.Count(samplePipeline, "git-clone") {
		t.Errorf("AddRunAfter() duplicated an existing runAfter entry")
	}
}

func TestAddRunAfterAppendsNewEntry(t *testing.T) {
	t.Parallel()
	doc := loadFixture(t, samplePipeline)
	mutated, err := doc.AddRunAfter("git-clone", "setup")
	if err != nil {
		t.Fatalf("AddRunAfter() error = %v", err)
	}
	if !mutated {
		t.Errorf("AddRunAfter() mutated = false, want true")
	}
	out := serialize(t, doc)
	if !strings.Contains(out, "setup") {
		t.Errorf("serialized output missing the new runAfter entry:\n%s", out)
	}
}

func TestAddTaskAppendsAndIsIdempotentByEitherName(t *testing.T) {
	t.Parallel()
	doc := loadFixture(t, samplePipeline)
	cfg := TaskConfig{
		PipelineTaskName: "lint",
		ActualTaskName:   "golangci-lint",
		BundleRef:        "quay.io/konflux-ci/tekton-catalog/task-lint:0.1",
		RunAfter:         []string{"git-clone"},
	}
	added, err := doc.AddTask(cfg)
	if err != nil {
		t.Fatalf("AddTask() error = %v", err)
	}
	if !added {
		t.Fatalf("AddTask() added = false, want true for a new task")
	}
	out := serialize(t, doc)
	if !strings.Contains(out, "golangci-lint") {
		t.Errorf("serialized output missing the new task:\n%s", out)
	}

	doc2 := loadFixture(t, out)
	added2, err := doc2.AddTask(cfg)
	if err != nil {
		t.Fatalf("AddTask() second call error = %v", err)
	}
	if added2 {
		t.Errorf("AddTask() added = true on a repeat call, want false (idempotent)")
	}
}

func TestAddTaskRejectsRunAfterOnUnknownTask(t *testing.T) {
	t.Parallel()
	doc := loadFixture(t, samplePipeline)
	cfg := TaskConfig{
		PipelineTaskName: "lint",
		ActualTaskName:   "golangci-lint",
		BundleRef:        "quay.io/konflux-ci/tekton-catalog/task-lint:0.1",
		RunAfter:         []string{"does-not-exist"},
	}
	if _, err := doc.AddTask(cfg); err == nil {
		t.Errorf("AddTask() error = nil, want an error for a run-after referencing an unknown task")
	}
}

func TestAddTaskToFinally(t *testing.T) {
	t.Parallel()
	doc := loadFixture(t, samplePipeline)
	cfg := TaskConfig{
		PipelineTaskName: "notify",
		ActualTaskName:   "slack-notify",
		BundleRef:        "quay.io/konflux-ci/tekton-catalog/task-slack-notify:0.1",
		AddToFinally:     true,
	}
	added, err := doc.AddTask(cfg)
	if err != nil {
		t.Fatalf("AddTask() error = %v", err)
	}
	if !added {
		t.Fatalf("AddTask() added = false, want true")
	}
	out := serialize(t, doc)
	if !strings.Contains(out, "finally:") {
		t.Errorf("serialized output missing finally section:\n%s", out)
	}
}

func TestReplaceBundleRefsRewritesBothShapes(t *testing.T) {
	t.Parallel()
	const legacyAndModern = `apiVersion: tekton.dev/v1
kind: Pipeline
metadata:
  name: build
spec:
  tasks:
  - name: legacy
    taskRef:
      bundle: quay.io/konflux-ci/tekton-catalog/task-git-clone:0.1@sha256:aaa
      name: git-clone
  - name: modern
    taskRef:
      resolver: bundles
      params:
      - name: kind
        value: task
      - name: name
        value: git-clone
      - name: bundle
        value: quay.io/konflux-ci/tekton-catalog/task-git-clone:0.1@sha256:aaa
`
	doc := loadFixture(t, legacyAndModern)
	count, err := doc.ReplaceBundleRefs(
		"quay.io/konflux-ci/tekton-catalog/task-git-clone",
		"quay.io/konflux-ci/tekton-catalog/task-git-clone:0.2@sha256:bbb",
	)
	if err != nil {
		t.Fatalf("ReplaceBundleRefs() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("ReplaceBundleRefs() count = %d, want 2", count)
	}
	out := serialize(t, doc)
	if strings.Contains(out, "sha256:aaa") {
		t.Errorf("serialized output still references the old digest:\n%s", out)
	}
	if strings.Count(out, "sha256:bbb") != 2 {
		t.Errorf("serialized output does not reference the new digest twice:\n%s", out)
	}
}

func TestReplaceBundleRefsIgnoresOtherRepositories(t *testing.T) {
	t.Parallel()
	doc := loadFixture(t, samplePipeline)
	count, err := doc.ReplaceBundleRefs("quay.io/konflux-ci/tekton-catalog/task-unrelated", "quay.io/x/y:0.1")
	if err != nil {
		t.Fatalf("ReplaceBundleRefs() error = %v", err)
	}
	if count != 0 {
		t.Errorf("ReplaceBundleRefs() count = %d, want 0 for a non-matching repository", count)
	}
}

func TestGenericInsertReplaceRemove(t *testing.T) {
	t.Parallel()
	doc := loadFixture(t, samplePipeline)

	if _, err := doc.Insert(Path{"metadata", "namespace"}, "build-namespace"); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if _, err := doc.Replace(Path{"metadata", "name"}, "renamed"); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	if _, err := doc.Remove(Path{"metadata", "namespace"}); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	out := serialize(t, doc)
	if !strings.Contains(out, "renamed") {
		t.Errorf("serialized output missing the replaced name:\n%s", out)
	}
	if strings.Contains(out, "build-namespace") {
		t.Errorf("serialized output still has the removed namespace:\n%s", out)
	}
}

func TestGenericReplaceErrorsWhenTargetMissing(t *testing.T) {
	t.Parallel()
	doc := loadFixture(t, samplePipeline)
	if _, err := doc.Replace(Path{"metadata", "does-not-exist"}, "x"); err == nil {
		t.Errorf("Replace() error = nil, want an error for a missing target")
	}
}

const flowMappingPipeline = `apiVersion: tekton.dev/v1
kind: Pipeline
metadata:
  name: build
spec:
  tasks:
  - name: git-clone
    taskRef: {resolver: bundles, name: task-git-clone}
    params:
    - name: url
      value: https://example.com/repo.git
`

func TestInsertIntoFlowStyleMappingConvertsToBlock(t *testing.T) {
	t.Parallel()
	doc := loadFixture(t, flowMappingPipeline)

	mutated, err := doc.Insert(Path{"spec", "tasks", 0, "taskRef", "params"}, "task-params")
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if !mutated {
		t.Errorf("Insert() mutated = false, want true")
	}

	out := serialize(t, doc)
	if !strings.Contains(out, "resolver: bundles") || !strings.Contains(out, "name: task-git-clone") {
		t.Errorf("existing flow mapping entries were lost:\n%s", out)
	}
	if !strings.Contains(out, "params: task-params") {
		t.Errorf("new key was not appended:\n%s", out)
	}
	if strings.Contains(out, "{") || strings.Contains(out, "}") {
		t.Errorf("output still contains flow-style braces after the append, want pure block style:\n%s", out)
	}
}

const flowStyleTaskPipeline = `apiVersion: tekton.dev/v1
kind: Pipeline
metadata:
  name: build
spec:
  tasks:
  - {name: git-clone, taskRef: {resolver: bundles, name: task-git-clone}}
`

func TestAddParamOnTaskWithNoExistingParamsListConvertsFlowTaskToBlock(t *testing.T) {
	t.Parallel()
	doc := loadFixture(t, flowStyleTaskPipeline)

	mutated, err := doc.AddParam("git-clone", "url", "https://example.com/repo.git", false)
	if err != nil {
		t.Fatalf("AddParam() error = %v", err)
	}
	if !mutated {
		t.Errorf("AddParam() mutated = false, want true")
	}

	out := serialize(t, doc)
	if !strings.Contains(out, "name: git-clone") || !strings.Contains(out, "resolver: bundles") {
		t.Errorf("existing flow mapping entries were lost:\n%s", out)
	}
	if !strings.Contains(out, "url") {
		t.Errorf("new param was not appended:\n%s", out)
	}
	if strings.Contains(out, "- {") {
		t.Errorf("task entry is still in flow style after the append:\n%s", out)
	}
	if !strings.Contains(out, "taskRef: {resolver: bundles, name: task-git-clone}") {
		t.Errorf("untouched nested flow mapping was not preserved:\n%s", out)
	}
}

func TestNavigateErrorsOnEmptyPath(t *testing.T) {
	t.Parallel()
	doc := loadFixture(t, samplePipeline)
	if _, err := doc.Insert(Path{}, "x"); err == nil {
		t.Errorf("Insert() with empty path error = nil, want an error")
	}
}

func TestSaveWithNoMutationsIsByteIdenticalRoundTrip(t *testing.T) {
	t.Parallel()
	doc := loadFixture(t, samplePipeline)
	if err := doc.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	data, err := os.ReadFile(doc.Path)
	if err != nil {
		t.Fatalf("read back file: %v", err)
	}
	if string(data) != samplePipeline {
		t.Errorf("Save() with no mutations changed the file bytes:\ngot:\n%s\nwant:\n%s", data, samplePipeline)
	}
}

func TestMinimalDiffLeavesUnrelatedLinesAndCommentsByteIdentical(t *testing.T) {
	t.Parallel()
	const commented = `apiVersion: tekton.dev/v1
kind: Pipeline
metadata:
  name: build
spec:
  tasks:
  - name: git-clone
    taskRef:
      resolver: bundles
      params:
      - name: kind
        value: task
      - name: name
        value: git-clone
      - name: bundle
        value: quay.io/konflux-ci/tekton-catalog/task-git-clone:0.1@sha256:aaa
    params:
    - name: url
      value: https://example.com/repo.git # pinned mirror
  - name: build-image
    runAfter:
    - git-clone
    taskRef:
      resolver: bundles
      params:
      - name: kind
        value: task
      - name: name
        value: buildah
      - name: bundle
        value: quay.io/konflux-ci/tekton-catalog/task-buildah:0.2@sha256:bbb
`
	doc := loadFixture(t, commented)
	mutated, err := doc.AddParam("git-clone", "revision", "main", false)
	if err != nil {
		t.Fatalf("AddParam() error = %v", err)
	}
	if !mutated {
		t.Fatalf("AddParam() mutated = false, want true")
	}
	out := serialize(t, doc)

	wantLines := strings.Split(commented, "\n")
	gotLines := strings.Split(out, "\n")
	// Every line belonging to build-image, and the comment pinning
	// git-clone's url, must survive byte-for-byte: only git-clone's params
	// block grew, by one two-line name/value entry.
	untouched := []string{
		"      value: https://example.com/repo.git # pinned mirror",
		"  - name: build-image",
		"    runAfter:",
		"    - git-clone",
		"    taskRef:",
		"      resolver: bundles",
		"      params:",
		"      - name: kind",
		"        value: task",
		"      - name: name",
		"        value: buildah",
		"      - name: bundle",
		"        value: quay.io/konflux-ci/tekton-catalog/task-buildah:0.2@sha256:bbb",
	}
	for _, want := range untouched {
		found := false
		for _, got := range gotLines {
			if got == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("unrelated line %q did not survive byte-identical; want it present verbatim in:\n%s", want, out)
		}
	}
	if len(gotLines) != len(wantLines)+2 {
		t.Errorf("len(gotLines) = %d, want %d (one new name/value param entry)", len(gotLines), len(wantLines)+2)
	}
}

func TestLoadDetectsIndentWidth(t *testing.T) {
	t.Parallel()
	const fourSpace = `apiVersion: tekton.dev/v1
kind: Pipeline
metadata:
    name: build
spec:
    tasks: []
`
	doc := loadFixture(t, fourSpace)
	if doc.indent != 4 {
		t.Errorf("detected indent = %d, want 4", doc.indent)
	}
}
