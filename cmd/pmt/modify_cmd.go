// Copyright 2021 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/tkdchen/pipeline-migration-tool/internal/pmterrors"
	"github.com/tkdchen/pipeline-migration-tool/internal/yamlsurgeon"
)

type modifyCmd struct {
	file string
}

func (*modifyCmd) Name() string     { return "modify" }
func (*modifyCmd) Synopsis() string { return "apply a single comment-preserving edit to a pipeline file" }
func (*modifyCmd) Usage() string {
	return `modify -f <pipeline-file> <resource> <op> [args ...]
modify -f <pipeline-file> generic <insert|replace|remove> <yaml-path> [value]

Resources: task <name>. Operations: add-param <key> <value> [--replace],
set-param <key> <value>, remove-param <key>, add-run-after <ref>.
yaml-path is a JSON array of strings and/or integers, e.g. ["spec","tasks",0].
`
}

func (c *modifyCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.file, "f", "", "Pipeline file to edit (required)")
}

func (c *modifyCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	err := c.run(f.Args())
	return reportAndExit(c.Name(), err)
}

func (c *modifyCmd) run(args []string) error {
	if c.file == "" {
		return usageError{fmt.Errorf("-f <pipeline-file> is required")}
	}
	if len(args) < 1 {
		return usageError{fmt.Errorf("a resource or \"generic\" operation is required")}
	}

	doc, err := yamlsurgeon.Load(c.file)
	if err != nil {
		return err
	}

	var mutated bool
	switch args[0] {
	case "generic":
		mutated, err = runGeneric(doc, args[1:])
	case "task":
		mutated, err = runTaskOp(doc, args[1:])
	default:
		return usageError{fmt.Errorf("unknown resource %q", args[0])}
	}
	if err != nil {
		return err
	}
	if !mutated {
		return nil
	}
	return doc.Save()
}

func runTaskOp(doc *yamlsurgeon.Document, args []string) (bool, error) {
	if len(args) < 2 {
		return false, usageError{fmt.Errorf("task requires <name> <op> [args...]")}
	}
	taskName, op, rest := args[0], args[1], args[2:]

	switch op {
	case "add-param":
		if len(rest) < 2 {
			return false, usageError{fmt.Errorf("add-param requires <key> <value>")}
		}
		replace := len(rest) > 2 && rest[2] == "--replace"
		return doc.AddParam(taskName, rest[0], rest[1], replace)
	case "set-param":
		if len(rest) < 2 {
			return false, usageError{fmt.Errorf("set-param requires <key> <value>")}
		}
		return doc.SetParam(taskName, rest[0], rest[1])
	case "remove-param":
		if len(rest) < 1 {
			return false, usageError{fmt.Errorf("remove-param requires <key>")}
		}
		return doc.RemoveParam(taskName, rest[0])
	case "add-run-after":
		if len(rest) < 1 {
			return false, usageError{fmt.Errorf("add-run-after requires <ref>")}
		}
		return doc.AddRunAfter(taskName, rest[0])
	default:
		return false, usageError{fmt.Errorf("unknown task operation %q", op)}
	}
}

func runGeneric(doc *yamlsurgeon.Document, args []string) (bool, error) {
	if len(args) < 2 {
		return false, usageError{fmt.Errorf("generic requires <insert|replace|remove> <yaml-path> [value]")}
	}
	op, pathArg, rest := args[0], args[1], args[2:]
	path, err := parseYAMLPath(pathArg)
	if err != nil {
		return false, &pmterrors.InvalidInput{Msg: err.Error()}
	}

	switch op {
	case "insert":
		if len(rest) < 1 {
			return false, usageError{fmt.Errorf("insert requires a value")}
		}
		return doc.Insert(path, rest[0])
	case "replace":
		if len(rest) < 1 {
			return false, usageError{fmt.Errorf("replace requires a value")}
		}
		return doc.Replace(path, rest[0])
	case "remove":
		return doc.Remove(path)
	default:
		return false, usageError{fmt.Errorf("unknown generic operation %q", op)}
	}
}

// parseYAMLPath decodes a JSON array of strings/integers, e.g.
// `["spec","tasks",0]`, into a yamlsurgeon.Path.
func parseYAMLPath(raw string) (yamlsurgeon.Path, error) {
	var elems []interface{}
	if err := json.Unmarshal([]byte(raw), &elems); err != nil {
		return nil, fmt.Errorf("invalid yaml-path %q: %w", raw, err)
	}
	path := make(yamlsurgeon.Path, 0, len(elems))
	for _, e := range elems {
		switch v := e.(type) {
		case string:
			path = append(path, v)
		case float64:
			path = append(path, int(v))
		default:
			return nil, fmt.Errorf("yaml-path elements must be strings or integers, got %T", e)
		}
	}
	return path, nil
}
