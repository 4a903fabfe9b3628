// Copyright 2021 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package pmterrors defines the error kinds the migration engine raises and
// the exit code each kind maps to at the process boundary.
package pmterrors

import "fmt"

// ExitCoder is implemented by every error kind the core raises so that
// cmd/pmt can translate an error into a process exit code without a type
// switch over concrete types at the call site.
type ExitCoder interface {
	error
	ExitCode() int
}

const (
	ExitInvalidInput  = 1
	ExitRegistry      = 2
	ExitMigrationFail = 3
	ExitInternal      = 4
)

// InvalidInput covers malformed upgrades JSON and unknown CLI combinations.
type InvalidInput struct {
	Msg string
}

func (e *InvalidInput) Error() string { return e.Msg }
func (e *InvalidInput) ExitCode() int { return ExitInvalidInput }

// RegistryUnavailable is raised once C1's retry budget is exhausted.
type RegistryUnavailable struct {
	Ref string
	Err error
}

func (e *RegistryUnavailable) Error() string {
	return fmt.Sprintf("registry unavailable for %s: %v", e.Ref, e.Err)
}
func (e *RegistryUnavailable) ExitCode() int { return ExitRegistry }
func (e *RegistryUnavailable) Unwrap() error { return e.Err }

// MalformedBundle is raised when a bundle's has-migration annotation and its
// referrer set disagree (zero or more than one matching referrer).
type MalformedBundle struct {
	Bundle string
	Count  int
}

func (e *MalformedBundle) Error() string {
	return fmt.Sprintf("bundle %s claims a migration but has %d matching referrers", e.Bundle, e.Count)
}
func (e *MalformedBundle) ExitCode() int { return ExitRegistry }

// UpgradeEndpointNotFound is raised when either the old or the new digest of
// an upgrade is absent from the dependency's tag history.
type UpgradeEndpointNotFound struct {
	DepName string
	Digest  string
	Which   string // "current" or "new"
}

func (e *UpgradeEndpointNotFound) Error() string {
	return fmt.Sprintf("%s digest %s of %s was not found in the tag history", e.Which, e.Digest, e.DepName)
}
func (e *UpgradeEndpointNotFound) ExitCode() int { return ExitRegistry }

// PipelineFileUnreadable/PipelineFileUnparseable surface per-file, they don't
// abort the plan on their own; the orchestrator decides whether the overall
// run still exits 1 (when every file in the plan was skipped).
type PipelineFileUnreadable struct {
	Path string
	Err  error
}

func (e *PipelineFileUnreadable) Error() string {
	return fmt.Sprintf("cannot read pipeline file %s: %v", e.Path, e.Err)
}
func (e *PipelineFileUnreadable) ExitCode() int { return ExitInvalidInput }
func (e *PipelineFileUnreadable) Unwrap() error { return e.Err }

type PipelineFileUnparseable struct {
	Path string
	Err  error
}

func (e *PipelineFileUnparseable) Error() string {
	return fmt.Sprintf("cannot parse pipeline file %s: %v", e.Path, e.Err)
}
func (e *PipelineFileUnparseable) ExitCode() int { return ExitInvalidInput }
func (e *PipelineFileUnparseable) Unwrap() error { return e.Err }

// MigrationFailed is raised when a migration script exits non-zero or times
// out. It aborts the remaining plan.
type MigrationFailed struct {
	Bundle       string
	PipelineFile string
	Timeout      bool
	Err          error
}

func (e *MigrationFailed) Error() string {
	if e.Timeout {
		return fmt.Sprintf("migration %s timed out applying to %s", e.Bundle, e.PipelineFile)
	}
	return fmt.Sprintf("migration %s failed applying to %s: %v", e.Bundle, e.PipelineFile, e.Err)
}
func (e *MigrationFailed) ExitCode() int { return ExitMigrationFail }
func (e *MigrationFailed) Unwrap() error { return e.Err }

// YAMLSurgeryConflict is raised when a semantic precondition is violated,
// e.g. adding a param whose name already exists with a different value.
type YAMLSurgeryConflict struct {
	Msg string
}

func (e *YAMLSurgeryConflict) Error() string { return e.Msg }
func (e *YAMLSurgeryConflict) ExitCode() int { return ExitInvalidInput }

// Internal marks an invariant violation the tool itself would rather crash
// loudly on than try to recover from.
type Internal struct {
	Msg string
}

func (e *Internal) Error() string { return "internal error: " + e.Msg }
func (e *Internal) ExitCode() int { return ExitInternal }

// CodeOf extracts the exit code from err, defaulting to ExitInternal when
// err does not implement ExitCoder (a bug, since every core error kind
// should).
func CodeOf(err error) int {
	if err == nil {
		return 0
	}
	var ec ExitCoder
	if as(err, &ec) {
		return ec.ExitCode()
	}
	return ExitInternal
}

// as is a tiny errors.As wrapper kept local to avoid importing errors here
// twice under different names at call sites.
func as(err error, target *ExitCoder) bool {
	for err != nil {
		if ec, ok := err.(ExitCoder); ok {
			*target = ec
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
