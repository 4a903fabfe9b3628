// Copyright 2021 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/google/subcommands"

	"github.com/tkdchen/pipeline-migration-tool/internal/bundle"
	"github.com/tkdchen/pipeline-migration-tool/internal/migration"
	"github.com/tkdchen/pipeline-migration-tool/internal/ociclient"
	"github.com/tkdchen/pipeline-migration-tool/internal/pmterrors"
	"github.com/tkdchen/pipeline-migration-tool/internal/quay"
	"github.com/tkdchen/pipeline-migration-tool/internal/reqcache"
)

// exitError is implemented by errors that carry their own subcommands exit
// status rather than relying on pmterrors.CodeOf's default mapping.
type exitError interface {
	error
	ExitStatus() subcommands.ExitStatus
}

type usageError struct{ error }

func (e usageError) ExitStatus() subcommands.ExitStatus { return subcommands.ExitUsageError }

// toExitStatus maps any error returned by the core packages to a
// subcommands.ExitStatus via pmterrors.CodeOf, which reports ExitInternal
// (4) for anything that doesn't implement ExitCoder.
func toExitStatus(err error) subcommands.ExitStatus {
	if err == nil {
		return subcommands.ExitSuccess
	}
	if ee, ok := err.(exitError); ok {
		return ee.ExitStatus()
	}
	return subcommands.ExitStatus(pmterrors.CodeOf(err))
}

func reportAndExit(cmdName string, err error) subcommands.ExitStatus {
	if err == nil {
		return subcommands.ExitSuccess
	}
	fmt.Fprintf(os.Stderr, "pmt %s: %s\n", cmdName, err)
	return toExitStatus(err)
}

// engine bundles the registry-backed components every sub-command that
// touches the network needs, built once per invocation.
type engine struct {
	client    ociclient.Client
	cache     *reqcache.Cache
	inspector *bundle.Inspector
	tags      *quay.Lister
	resolver  *migration.Resolver
}

func newEngine() (*engine, error) {
	client, err := ociclient.New()
	if err != nil {
		return nil, &pmterrors.Internal{Msg: fmt.Sprintf("initialize registry client: %v", err)}
	}
	cache := reqcache.New()
	inspector := bundle.New(client, cache)
	tags := quay.New(client, cache)
	resolver := migration.New(tags, inspector, registryConcurrency())
	return &engine{client: client, cache: cache, inspector: inspector, tags: tags, resolver: resolver}, nil
}

func registryConcurrency() int64 {
	if v := os.Getenv("PMT_REGISTRY_CONCURRENCY"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return 8
}
