// Copyright 2021 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ociclient

import (
	"encoding/json"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

// decodeManifest decodes raw OCI manifest JSON using the upstream
// OCI image-spec types, rather than hand-rolling a partial struct, so the
// shape we depend on (annotations, layer descriptors) always matches the
// spec's wire format.
func decodeManifest(raw []byte) (*Manifest, error) {
	var m ocispec.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "decode manifest")
	}
	layers := make([]Descriptor, 0, len(m.Layers))
	for _, l := range m.Layers {
		layers = append(layers, Descriptor{
			MediaType:    l.MediaType,
			ArtifactType: l.ArtifactType,
			Digest:       string(l.Digest),
			Size:         l.Size,
			Annotations:  l.Annotations,
		})
	}
	return &Manifest{
		MediaType:   m.MediaType,
		Annotations: m.Annotations,
		Layers:      layers,
	}, nil
}
