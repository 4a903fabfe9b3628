// Copyright 2021 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"

	"github.com/tkdchen/pipeline-migration-tool/internal/ociclient"
	"github.com/tkdchen/pipeline-migration-tool/internal/pipeline"
	"github.com/tkdchen/pipeline-migration-tool/internal/pmterrors"
	"github.com/tkdchen/pipeline-migration-tool/internal/quay"
	"github.com/tkdchen/pipeline-migration-tool/internal/reqcache"
	"github.com/tkdchen/pipeline-migration-tool/internal/yamlsurgeon"
)

type addTaskCmd struct {
	pipelineTaskName string
	runAfter         stringList
	params           stringList
	skipChecks       bool
	addToFinally     bool
}

func (*addTaskCmd) Name() string     { return "add-task" }
func (*addTaskCmd) Synopsis() string { return "add a task to pipelines using a bundle reference" }
func (*addTaskCmd) Usage() string {
	return `add-task <bundle-ref> [pipeline-file ...] [flags]

Adds a task resolved from a Tekton bundle to the given pipeline files, or to
every pipeline discovered under .tekton/ if none are given. The pipeline
task name is derived from the bundle's repository name unless
--pipeline-task-name is given.
`
}

func (c *addTaskCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.pipelineTaskName, "pipeline-task-name", "", "Alternative pipeline task name")
	f.Var(&c.runAfter, "run-after", "Task this task should run after (repeatable)")
	f.Var(&c.params, "param", "name=value task parameter (repeatable)")
	f.BoolVar(&c.skipChecks, "skip-checks", false, "Add a when-clause that skips this task for fast builds")
	f.BoolVar(&c.addToFinally, "add-to-finally", false, "Add the task to the finally section instead of tasks")
}

func (c *addTaskCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	err := c.run(ctx, f.Args())
	return reportAndExit(c.Name(), err)
}

func (c *addTaskCmd) run(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return usageError{fmt.Errorf("bundle-ref is required")}
	}
	bundleRef := args[0]
	files := args[1:]

	resolved, actualTaskName, err := resolveBundleRef(ctx, bundleRef)
	if err != nil {
		return err
	}

	pipelineTaskName := c.pipelineTaskName
	if pipelineTaskName == "" {
		pipelineTaskName = strings.TrimSuffix(actualTaskName, "-oci-ta")
	}

	cfg := yamlsurgeon.TaskConfig{
		PipelineTaskName: pipelineTaskName,
		ActualTaskName:   actualTaskName,
		BundleRef:        resolved,
		RunAfter:         c.runAfter,
		SkipChecks:       c.skipChecks,
		AddToFinally:     c.addToFinally,
	}
	for _, p := range c.params {
		parts := strings.SplitN(p, "=", 2)
		if len(parts) != 2 {
			return usageError{fmt.Errorf("invalid --param %q, expected name=value", p)}
		}
		cfg.Params = append(cfg.Params, [2]string{parts[0], parts[1]})
	}

	if len(files) == 0 {
		docs, err := pipeline.Discover("", nil, func(err error) { fmt.Fprintln(os.Stderr, "pmt add-task:", err) })
		if err != nil {
			return err
		}
		for _, d := range docs {
			if d.Kind == pipeline.KindPipeline || d.Kind == pipeline.KindPipelineRunInline {
				files = append(files, d.Path)
			}
		}
	}

	for _, f := range files {
		doc, err := yamlsurgeon.Load(f)
		if err != nil {
			return err
		}
		added, err := doc.AddTask(cfg)
		if err != nil {
			return err
		}
		if !added {
			fmt.Printf("task %s already present in %s, skipping\n", pipelineTaskName, f)
			continue
		}
		if err := doc.Save(); err != nil {
			return err
		}
		fmt.Printf("added task %s to %s\n", pipelineTaskName, f)
	}
	return nil
}

// resolveBundleRef validates bundleRef and, for quay.io references missing
// a digest, resolves and appends the active tag's digest, matching the
// original CLI's auto-resolution for the one registry that supports it.
func resolveBundleRef(ctx context.Context, bundleRef string) (resolved, actualTaskName string, err error) {
	repo, tag, digest := splitBundleRef(bundleRef)
	if tag == "" {
		return "", "", &pmterrors.InvalidInput{Msg: fmt.Sprintf("missing tag in %s", bundleRef)}
	}
	actualTaskName = lastPathSegment(repo)

	registry, repository := splitFirstSlash(repo)
	if registry != "quay.io" {
		if digest == "" {
			return "", "", &pmterrors.InvalidInput{Msg: fmt.Sprintf("missing digest in %s: non-quay.io registries require a full reference", bundleRef)}
		}
		return bundleRef, actualTaskName, nil
	}

	client, err := ociclient.New()
	if err != nil {
		return "", "", &pmterrors.Internal{Msg: fmt.Sprintf("initialize registry client: %v", err)}
	}
	lister := quay.New(client, reqcache.New())
	records, err := lister.ListTags(ctx, registry, repository)
	if err != nil {
		return "", "", err
	}
	active, ok := quay.GetActiveTag(records, tag)
	if !ok {
		return "", "", &pmterrors.InvalidInput{Msg: fmt.Sprintf("tag %s does not exist in %s", tag, repo)}
	}
	if digest != "" && digest != active.Digest {
		return "", "", &pmterrors.InvalidInput{Msg: fmt.Sprintf("tag %s points to %s, not %s", tag, active.Digest, digest)}
	}
	return fmt.Sprintf("%s:%s@%s", repo, tag, active.Digest), actualTaskName, nil
}

func splitBundleRef(s string) (repo, tag, digest string) {
	rest := s
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		digest = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.LastIndexByte(rest, ':'); i >= 0 {
		tag = rest[i+1:]
		rest = rest[:i]
	}
	repo = rest
	return
}

func splitFirstSlash(s string) (first, rest string) {
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return "", s
}

func lastPathSegment(s string) string {
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return s[i+1:]
	}
	return s
}
