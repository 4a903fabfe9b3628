// Copyright 2021 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package ociauth resolves registry credentials from the ambient
// container-tools environment: a podman/docker style auth.json named by
// REGISTRY_AUTH_JSON, or the default locations the container tools use when
// that variable is unset.
package ociauth

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	homedir "github.com/mitchellh/go-homedir"
)

const envAuthFile = "REGISTRY_AUTH_JSON"

type authFile struct {
	Auths map[string]authEntry `json:"auths"`
}

type authEntry struct {
	Auth     string `json:"auth"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Keychain implements authn.Keychain by loading credentials from the
// resolved auth.json once and serving them from memory for the rest of the
// process, mirroring the ambient-config behaviour of container tools like
// podman and skopeo.
type Keychain struct {
	entries map[string]authEntry
}

// Load resolves and parses the ambient auth file. A missing file is not an
// error: it just yields an empty (anonymous) keychain.
func Load() (*Keychain, error) {
	path, err := resolvePath()
	if err != nil {
		return &Keychain{entries: map[string]authEntry{}}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Keychain{entries: map[string]authEntry{}}, nil
		}
		return nil, err
	}
	var af authFile
	if err := json.Unmarshal(data, &af); err != nil {
		return nil, err
	}
	return &Keychain{entries: af.Auths}, nil
}

func resolvePath() (string, error) {
	if p := os.Getenv(envAuthFile); p != "" {
		return p, nil
	}
	if rd := os.Getenv("XDG_RUNTIME_DIR"); rd != "" {
		p := filepath.Join(rd, "containers", "auth.json")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	p := filepath.Join(home, ".docker", "config.json")
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}
	return "", os.ErrNotExist
}

// Resolve implements authn.Keychain.
func (k *Keychain) Resolve(target authn.Resource) (authn.Authenticator, error) {
	reg := target.RegistryStr()
	entry, ok := k.entries[reg]
	if !ok {
		return authn.Anonymous, nil
	}
	if entry.Username != "" {
		return &authn.Basic{Username: entry.Username, Password: entry.Password}, nil
	}
	if entry.Auth == "" {
		return authn.Anonymous, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(entry.Auth)
	if err != nil {
		return authn.Anonymous, nil
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return authn.Anonymous, nil
	}
	return &authn.Basic{Username: parts[0], Password: parts[1]}, nil
}
