// Copyright 2021 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"errors"
	"testing"

	"github.com/google/subcommands"

	"github.com/tkdchen/pipeline-migration-tool/internal/pmterrors"
)

func TestToExitStatusPrefersExitErrorOverExitCoder(t *testing.T) {
	t.Parallel()
	err := usageError{errors.New("bad flags")}
	if got := toExitStatus(err); got != subcommands.ExitUsageError {
		t.Errorf("toExitStatus(usageError) = %v, want ExitUsageError", got)
	}
}

func TestToExitStatusFallsBackToPmterrorsCodeOf(t *testing.T) {
	t.Parallel()
	err := &pmterrors.RegistryUnavailable{Ref: "quay.io/a/b", Err: errors.New("reset")}
	if got := toExitStatus(err); int(got) != pmterrors.ExitRegistry {
		t.Errorf("toExitStatus(RegistryUnavailable) = %v, want %d", got, pmterrors.ExitRegistry)
	}
}

func TestToExitStatusNilIsSuccess(t *testing.T) {
	t.Parallel()
	if got := toExitStatus(nil); got != subcommands.ExitSuccess {
		t.Errorf("toExitStatus(nil) = %v, want ExitSuccess", got)
	}
}

func TestRegistryConcurrencyDefaultsToEight(t *testing.T) {
	t.Setenv("PMT_REGISTRY_CONCURRENCY", "")
	if got := registryConcurrency(); got != 8 {
		t.Errorf("registryConcurrency() = %d, want 8", got)
	}
}

func TestRegistryConcurrencyHonorsEnvOverride(t *testing.T) {
	t.Setenv("PMT_REGISTRY_CONCURRENCY", "3")
	if got := registryConcurrency(); got != 3 {
		t.Errorf("registryConcurrency() = %d, want 3", got)
	}
}

func TestRegistryConcurrencyIgnoresNonPositiveOverride(t *testing.T) {
	t.Setenv("PMT_REGISTRY_CONCURRENCY", "-1")
	if got := registryConcurrency(); got != 8 {
		t.Errorf("registryConcurrency() = %d, want the default 8 for a non-positive override", got)
	}
}
