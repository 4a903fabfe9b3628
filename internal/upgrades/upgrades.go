// Copyright 2021 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package upgrades parses and validates the Renovate-shaped upgrades JSON
// payload the migrate sub-command accepts. Schema validation beyond the
// hand-rolled required-field checks below is an explicit external
// collaborator; this package only enforces what the migration engine itself
// depends on to be present and well-formed.
package upgrades

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/tkdchen/pipeline-migration-tool/internal/pmterrors"
)

// TaskBundleDepType is the Renovate depTypes marker the tool only considers
// upgrades for.
const TaskBundleDepType = "tekton-bundle"

var digestPattern = regexp.MustCompile(`^sha256:[0-9a-f]+$`)

// Upgrade is one dependency bump record.
type Upgrade struct {
	DepName       string   `json:"depName"`
	CurrentValue  string   `json:"currentValue"`
	CurrentDigest string   `json:"currentDigest"`
	NewValue      string   `json:"newValue"`
	NewDigest     string   `json:"newDigest"`
	PackageFile   string   `json:"packageFile"`
	ParentDir     string   `json:"parentDir"`
	DepTypes      []string `json:"depTypes"`
}

// IsTaskBundle reports whether this upgrade's depTypes includes the
// task-bundle marker.
func (u Upgrade) IsTaskBundle() bool {
	for _, t := range u.DepTypes {
		if t == TaskBundleDepType {
			return true
		}
	}
	return false
}

// DedupeKey identifies an upgrade for deduplication: depName plus both
// digests.
func (u Upgrade) DedupeKey() string {
	return fmt.Sprintf("%s|%s|%s", u.DepName, u.CurrentDigest, u.NewDigest)
}

// Parse decodes and validates the raw upgrades JSON payload. Unknown fields
// are ignored (encoding/json already does this by default); missing
// required fields or malformed digests are reported citing the failing
// element's index.
func Parse(raw []byte) ([]Upgrade, error) {
	var items []Upgrade
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &pmterrors.InvalidInput{Msg: fmt.Sprintf("upgrades payload is not a valid JSON array: %v", err)}
	}
	for i, u := range items {
		if err := validate(u); err != nil {
			return nil, &pmterrors.InvalidInput{Msg: fmt.Sprintf("upgrade[%d]: %v", i, err)}
		}
	}
	return items, nil
}

func validate(u Upgrade) error {
	required := map[string]string{
		"depName":       u.DepName,
		"currentValue":  u.CurrentValue,
		"currentDigest": u.CurrentDigest,
		"newValue":      u.NewValue,
		"newDigest":     u.NewDigest,
		"packageFile":   u.PackageFile,
		"parentDir":     u.ParentDir,
	}
	for field, v := range required {
		if v == "" {
			return fmt.Errorf("missing required field %q", field)
		}
	}
	if u.DepTypes == nil {
		return fmt.Errorf("missing required field %q", "depTypes")
	}
	if !digestPattern.MatchString(u.CurrentDigest) {
		return fmt.Errorf("currentDigest %q is not a valid digest string", u.CurrentDigest)
	}
	if !digestPattern.MatchString(u.NewDigest) {
		return fmt.Errorf("newDigest %q is not a valid digest string", u.NewDigest)
	}
	return nil
}
