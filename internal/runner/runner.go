// Copyright 2021 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package runner is the migration runner: given a plan of
// (Migration, pipeline file) entries, it writes each migration's script to
// a scoped temp file and executes it, strictly serially, against the
// pipeline file.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/tkdchen/pipeline-migration-tool/internal/bundle"
	"github.com/tkdchen/pipeline-migration-tool/internal/pmterrors"
)

const defaultTimeout = 120 * time.Second

// PlanEntry is one (migration, pipeline file) pair to run in order.
type PlanEntry struct {
	Migration    *bundle.Migration
	PipelineFile string
}

// Result records one executed entry's outcome for the final summary.
type Result struct {
	Entry  PlanEntry
	Stdout string
	Stderr string
}

// Runner executes a plan. RepoRoot is the working directory every script
// is spawned in; Timeout defaults to 120s, overridable via
// PMT_MIGRATION_TIMEOUT_SECONDS.
type Runner struct {
	RepoRoot string
	Timeout  time.Duration
}

// New builds a Runner rooted at repoRoot, reading PMT_MIGRATION_TIMEOUT_SECONDS
// from the environment.
func New(repoRoot string) *Runner {
	timeout := defaultTimeout
	if v := os.Getenv("PMT_MIGRATION_TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}
	return &Runner{RepoRoot: repoRoot, Timeout: timeout}
}

// Run executes plan in order, stopping at the first failure. Prior
// successful edits on disk are left in place: the caller relies on version
// control to revert if needed.
func (r *Runner) Run(ctx context.Context, plan []PlanEntry) ([]Result, error) {
	var results []Result
	for _, entry := range plan {
		res, err := r.runOne(ctx, entry)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Runner) runOne(ctx context.Context, entry PlanEntry) (Result, error) {
	tmp, err := writeScript(entry.Migration.Script, entry.Migration.ScriptName)
	if err != nil {
		return Result{}, &pmterrors.Internal{Msg: fmt.Sprintf("write migration script: %v", err)}
	}
	defer os.Remove(tmp)

	absPipeline, err := filepath.Abs(entry.PipelineFile)
	if err != nil {
		return Result{}, &pmterrors.Internal{Msg: fmt.Sprintf("resolve pipeline file path: %v", err)}
	}

	runCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, tmp, absPipeline)
	// Propagate interruption (parent ctx cancelled by SIGINT, or the
	// per-script deadline) as SIGINT rather than the default SIGKILL, so a
	// well-behaved migration script can flush partial writes.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGINT)
	}
	cmd.WaitDelay = 5 * time.Second
	cmd.Dir = r.RepoRoot
	cmd.Env = append(os.Environ(),
		"PMT_MIGRATION_BUNDLE_REF="+entry.Migration.Bundle.String(),
		"PMT_MIGRATION_VERSION="+entry.Migration.Bundle.Tag,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	res := Result{Entry: entry, Stdout: stdout.String(), Stderr: stderr.String()}

	if runCtx.Err() == context.DeadlineExceeded {
		return res, &pmterrors.MigrationFailed{
			Bundle:       entry.Migration.Bundle.String(),
			PipelineFile: entry.PipelineFile,
			Timeout:      true,
		}
	}
	if runErr != nil {
		return res, &pmterrors.MigrationFailed{
			Bundle:       entry.Migration.Bundle.String(),
			PipelineFile: entry.PipelineFile,
			Err:          runErr,
		}
	}
	return res, nil
}

// writeScript writes script to a process-scoped temp file with execute
// permission and a name that echoes name for traceability in error
// messages and process listings.
func writeScript(script []byte, name string) (string, error) {
	f, err := os.CreateTemp("", "pmt-"+sanitize(name)+"-*")
	if err != nil {
		return "", err
	}
	path := f.Name()
	if _, err := f.Write(script); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	if err := os.Chmod(path, 0o700); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func sanitize(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
