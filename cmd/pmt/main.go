// Copyright 2021 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Command pmt discovers and applies task-bundle migrations to Tekton
// pipeline YAML files, and provides add-task, modify, and format
// sub-commands for direct pipeline edits.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
)

func main() {
	log.SetPrefix("pmt: ")
	log.SetFlags(0)

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&migrateCmd{}, "")
	subcommands.Register(&addTaskCmd{}, "")
	subcommands.Register(&modifyCmd{}, "")
	subcommands.Register(&formatCmd{}, "")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flag.Parse()
	os.Exit(int(subcommands.Execute(ctx)))
}
