// Copyright 2021 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/subcommands"
	"gopkg.in/yaml.v3"

	"github.com/tkdchen/pipeline-migration-tool/internal/pipeline"
)

type formatCmd struct{}

func (*formatCmd) Name() string     { return "format" }
func (*formatCmd) Synopsis() string { return "normalize the style of Pipeline and PipelineRun YAML files" }
func (*formatCmd) Usage() string {
	return `format [file-or-dir ...]

Re-serializes every discovered Pipeline and PipelineRun YAML file with a
canonical two-space indent. Directories are searched one level deep; if
neither a file nor a directory is given, the location defaults to
./.tekton/. Unlike modify and add-task, this rewrites the whole document
rather than splicing a single edit in, though comments, key order, and
scalar quoting all survive the re-encode; only indentation and blank-line
placement are normalized.
`
}

func (*formatCmd) SetFlags(*flag.FlagSet) {}

func (c *formatCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	err := c.run(f.Args())
	return reportAndExit(c.Name(), err)
}

func (c *formatCmd) run(args []string) error {
	files, err := resolveFormatTargets(args)
	if err != nil {
		return err
	}
	if len(args) > 0 && len(files) == 0 {
		return nil
	}
	docs, err := pipeline.Discover("", files, func(err error) { fmt.Fprintln(os.Stderr, "pmt format:", err) })
	if err != nil {
		return err
	}
	for _, d := range docs {
		switch d.Kind {
		case pipeline.KindPipeline, pipeline.KindPipelineRunInline:
		default:
			if d.Warning != "" {
				fmt.Fprintf(os.Stderr, "pmt format: skip %s: %s\n", d.Path, d.Warning)
			}
			continue
		}
		if err := formatFile(d.Path, d.Root); err != nil {
			return err
		}
	}
	return nil
}

// resolveFormatTargets expands format's file-or-dir arguments: a bare
// directory contributes its first-level *.yaml files
// (symlinks skipped), a bare file contributes itself, and no arguments at
// all defer to pipeline.Discover's recursive ./.tekton/ walk.
func resolveFormatTargets(args []string) ([]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	var files []string
	for _, arg := range args {
		info, err := os.Lstat(arg)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", arg, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			fmt.Fprintf(os.Stderr, "pmt format: skip symlink %s\n", arg)
			continue
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, fmt.Errorf("read dir %s: %w", arg, err)
		}
		for _, e := range entries {
			if e.Type()&os.ModeSymlink != 0 || e.IsDir() {
				continue
			}
			if filepath.Ext(e.Name()) == ".yaml" {
				files = append(files, filepath.Join(arg, e.Name()))
			}
		}
	}
	return files, nil
}

// formatFile re-encodes root with a canonical two-space indent and rewrites
// path only if that changes the bytes on disk.
func formatFile(path string, root *yaml.Node) error {
	original, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return fmt.Errorf("format %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("format %s: %w", path, err)
	}
	if bytes.Equal(buf.Bytes(), original) {
		return nil
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
