// Copyright 2021 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package pipeline is the pipeline discoverer: it walks a root
// directory and/or an explicit file list, parses each YAML file once, and
// classifies it as a Pipeline, an inline PipelineRun, a reference-only
// PipelineRun, or a non-pipeline document.
package pipeline

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/tkdchen/pipeline-migration-tool/internal/pmterrors"
)

// Kind classifies a discovered YAML file.
type Kind int

const (
	// KindNonPipeline is skipped silently: not a Pipeline/PipelineRun
	// document at all, or empty.
	KindNonPipeline Kind = iota
	// KindPipeline is a standalone Pipeline resource.
	KindPipeline
	// KindPipelineRunInline is a PipelineRun with spec.pipelineSpec.
	KindPipelineRunInline
	// KindPipelineRunRef is a PipelineRun with only spec.pipelineRef; it is
	// skipped with a warning since the surgeon has no pipeline spec to edit.
	KindPipelineRunRef
)

const defaultRoot = ".tekton"

// Document is a discovered YAML file, parsed once into its root node plus
// the classification and (for Pipeline-shaped documents) the node holding
// the pipeline spec the surgeon operates on.
type Document struct {
	Path     string
	Kind     Kind
	Root     *yaml.Node
	SpecNode *yaml.Node
	Warning  string
}

// Discover yields Documents for every path in explicitFiles or, when none
// are given, for every YAML file under root (default ".tekton"),
// deduplicated by absolute path. A read or parse failure for one file does
// not abort the walk: such files are skipped and each error is passed to
// errFn. The returned error is a *pmterrors.InvalidInput aggregating those
// failures only when every collected file was skipped; otherwise it is nil.
func Discover(root string, explicitFiles []string, errFn func(error)) ([]Document, error) {
	if root == "" {
		root = defaultRoot
	}
	paths, err := collectPaths(root, explicitFiles)
	if err != nil {
		return nil, err
	}

	var docs []Document
	var skipped *multierror.Error
	for _, p := range paths {
		doc, err := parseOne(p)
		if err != nil {
			skipped = multierror.Append(skipped, err)
			if errFn != nil {
				errFn(err)
			}
			continue
		}
		docs = append(docs, doc)
	}
	if skipped != nil && len(docs) == 0 && len(paths) > 0 {
		return docs, &pmterrors.InvalidInput{Msg: skipped.Error()}
	}
	return docs, nil
}

func collectPaths(root string, explicitFiles []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string

	add := func(p string) {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		if !seen[abs] {
			seen[abs] = true
			out = append(out, p)
		}
	}

	if len(explicitFiles) > 0 {
		for _, f := range explicitFiles {
			add(f)
		}
	} else if _, err := os.Stat(root); err == nil {
		matches, err := doublestar.Glob(filepath.Join(root, "**", "*.yaml"))
		if err != nil {
			return nil, err
		}
		ymlMatches, err := doublestar.Glob(filepath.Join(root, "**", "*.yml"))
		if err != nil {
			return nil, err
		}
		matches = append(matches, ymlMatches...)
		sort.Strings(matches)
		for _, m := range matches {
			add(m)
		}
	}
	sort.Strings(out)
	return out, nil
}

func parseOne(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, &pmterrors.PipelineFileUnreadable{Path: path, Err: err}
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var root yaml.Node
	for {
		if err := dec.Decode(&root); err != nil {
			if errors.Is(err, io.EOF) {
				return Document{Path: path, Kind: KindNonPipeline}, nil
			}
			return Document{}, &pmterrors.PipelineFileUnparseable{Path: path, Err: err}
		}
		if !isEmptyDocument(&root) {
			break
		}
	}

	return classify(path, &root), nil
}

func isEmptyDocument(n *yaml.Node) bool {
	if n.Kind != yaml.DocumentNode {
		return false
	}
	return len(n.Content) == 0
}

func classify(path string, root *yaml.Node) Document {
	doc := root
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		doc = doc.Content[0]
	}
	if doc.Kind != yaml.MappingNode {
		return Document{Path: path, Kind: KindNonPipeline, Root: root}
	}

	kind := mapGet(doc, "kind")
	if kind == nil {
		return Document{Path: path, Kind: KindNonPipeline, Root: root}
	}

	switch kind.Value {
	case "Pipeline":
		spec := mapGet(doc, "spec")
		return Document{Path: path, Kind: KindPipeline, Root: root, SpecNode: spec}
	case "PipelineRun":
		spec := mapGet(doc, "spec")
		if spec == nil {
			return Document{Path: path, Kind: KindNonPipeline, Root: root}
		}
		if inline := mapGet(spec, "pipelineSpec"); inline != nil {
			return Document{Path: path, Kind: KindPipelineRunInline, Root: root, SpecNode: inline}
		}
		if mapGet(spec, "pipelineRef") != nil {
			return Document{
				Path:    path,
				Kind:    KindPipelineRunRef,
				Root:    root,
				Warning: "PipelineRun references a pipeline by name; no inline spec to migrate",
			}
		}
		return Document{Path: path, Kind: KindNonPipeline, Root: root}
	default:
		return Document{Path: path, Kind: KindNonPipeline, Root: root}
	}
}

// mapGet returns the value node for key in mapping m, or nil.
func mapGet(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}
