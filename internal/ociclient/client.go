// Copyright 2021 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package ociclient is the registry client: it fetches manifests,
// referrers, and blobs from an OCI registry, authenticating via the ambient
// container-tools environment and retrying transient failures with capped
// exponential backoff.
package ociclient

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/tkdchen/pipeline-migration-tool/internal/ociauth"
)

// Reference is a fully qualified OCI reference. A Reference used to execute
// a registry operation must carry a non-empty Repository; Tag and/or Digest
// identify the specific artifact.
type Reference struct {
	Repository string
	Tag        string
	Digest     string
}

// String renders the reference the way a human (or a migration script's
// PMT_MIGRATION_BUNDLE_REF) expects to see it.
func (r Reference) String() string {
	s := r.Repository
	if r.Tag != "" {
		s += ":" + r.Tag
	}
	if r.Digest != "" {
		s += "@" + r.Digest
	}
	return s
}

// WithDigest returns a copy of r pinned to digest.
func (r Reference) WithDigest(digest string) Reference {
	r.Digest = digest
	return r
}

// Descriptor is the subset of an OCI content descriptor the core consumes.
type Descriptor struct {
	MediaType    string
	ArtifactType string
	Digest       string
	Size         int64
	Annotations  map[string]string
}

// Manifest is the subset of an OCI manifest the core consumes: only
// annotations and layer descriptors are semantically meaningful here.
type Manifest struct {
	MediaType   string
	Annotations map[string]string
	Layers      []Descriptor
}

// Client is the registry operations the rest of the engine depends on. It
// is defined as an interface (rather than calling go-containerregistry
// directly everywhere) so that C4/C5 can be tested against a fake.
type Client interface {
	GetManifest(ctx context.Context, ref Reference) (*Manifest, error)
	ListReferrers(ctx context.Context, ref Reference, artifactType string) ([]Descriptor, error)
	FetchBlob(ctx context.Context, repository, digest string) ([]byte, error)
	ListTags(ctx context.Context, repository string) ([]string, error)
	ResolveDigest(ctx context.Context, repository, tag string) (string, error)
}

// retryPolicy is a capped exponential backoff: initial 1s, multiplier 2,
// max 30s, 5 attempts.
func retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	return b
}

const maxAttempts = 5

type goClient struct {
	keychain authn.Keychain
}

// New builds a Client backed by go-containerregistry, authenticating
// through the ambient registry-auth file resolved by internal/ociauth.
func New() (Client, error) {
	kc, err := ociauth.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load registry auth")
	}
	return &goClient{keychain: kc}, nil
}

// NewWithKeychain is the same as New but accepts an explicit keychain, for
// callers that need to inject fixed credentials.
func NewWithKeychain(kc authn.Keychain) Client {
	return &goClient{keychain: kc}
}

func (c *goClient) opts() []remote.Option {
	return []remote.Option{remote.WithAuthFromKeychain(c.keychain)}
}

// retry runs op, retrying on transient (5xx/429/connection) registry errors
// with capped exponential backoff, and failing fast on 401/403/404.
func retry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err == nil {
			return v, nil
		}
		if !isRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(retryPolicy()), backoff.WithMaxTries(maxAttempts))
}

func isRetryable(err error) bool {
	var terr *transport.Error
	if errors.As(err, &terr) {
		switch terr.StatusCode {
		case 401, 403, 404:
			return false
		default:
			return terr.StatusCode == 0 || terr.StatusCode >= 500 || terr.StatusCode == 429
		}
	}
	// Non-transport errors (DNS, connection reset, timeouts) are treated as
	// transient, e.g. a DNS failure or a connection reset.
	return true
}

func (c *goClient) GetManifest(ctx context.Context, ref Reference) (*Manifest, error) {
	nref, err := toNameRef(ref)
	if err != nil {
		return nil, err
	}
	desc, err := retry(ctx, func() (*remote.Descriptor, error) {
		return remote.Get(nref, append(c.opts(), remote.WithContext(ctx))...)
	})
	if err != nil {
		return nil, wrapRegistryErr(ref.String(), err)
	}
	return decodeManifest(desc.Manifest)
}

func (c *goClient) ListReferrers(ctx context.Context, ref Reference, artifactType string) ([]Descriptor, error) {
	dref, err := name.NewDigest(fmt.Sprintf("%s@%s", ref.Repository, ref.Digest))
	if err != nil {
		return nil, errors.Wrapf(err, "build digest reference for %s", ref)
	}
	opts := c.opts()
	if artifactType != "" {
		opts = append(opts, remote.WithFilter("artifactType", artifactType))
	}
	idx, err := retry(ctx, func() (*v1.IndexManifest, error) {
		im, err := remote.Referrers(dref, append(opts, remote.WithContext(ctx))...)
		if err != nil {
			return nil, err
		}
		return im.IndexManifest()
	})
	if err != nil {
		return nil, wrapRegistryErr(ref.String(), err)
	}
	out := make([]Descriptor, 0, len(idx.Manifests))
	for _, m := range idx.Manifests {
		out = append(out, Descriptor{
			MediaType:    string(m.MediaType),
			ArtifactType: m.ArtifactType,
			Digest:       m.Digest.String(),
			Size:         m.Size,
			Annotations:  m.Annotations,
		})
	}
	return out, nil
}

func (c *goClient) FetchBlob(ctx context.Context, repository, digest string) ([]byte, error) {
	dref, err := name.NewDigest(fmt.Sprintf("%s@%s", repository, digest))
	if err != nil {
		return nil, errors.Wrapf(err, "build digest reference for %s@%s", repository, digest)
	}
	layer, err := retry(ctx, func() (v1.Layer, error) {
		return remote.Layer(dref, append(c.opts(), remote.WithContext(ctx))...)
	})
	if err != nil {
		return nil, wrapRegistryErr(repository+"@"+digest, err)
	}
	mt, err := layer.MediaType()
	if err != nil {
		return nil, errors.Wrap(err, "read blob media type")
	}
	var rc io.ReadCloser
	if strings.Contains(string(mt), "gzip") {
		rc, err = layer.Compressed()
		if err != nil {
			return nil, errors.Wrap(err, "open compressed blob")
		}
		defer rc.Close()
		gz, err := gzip.NewReader(rc)
		if err != nil {
			return nil, errors.Wrap(err, "ungzip blob")
		}
		defer gz.Close()
		return io.ReadAll(gz)
	}
	rc, err = layer.Uncompressed()
	if err != nil {
		// Some artifact layers are stored without compression framing at
		// all; fall back to the raw compressed stream, which is then just
		// the raw bytes.
		rc, err = layer.Compressed()
		if err != nil {
			return nil, errors.Wrap(err, "open blob")
		}
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (c *goClient) ListTags(ctx context.Context, repository string) ([]string, error) {
	repo, err := name.NewRepository(repository)
	if err != nil {
		return nil, errors.Wrapf(err, "parse repository %s", repository)
	}
	return retry(ctx, func() ([]string, error) {
		return remote.List(repo, append(c.opts(), remote.WithContext(ctx))...)
	})
}

// ResolveDigest returns the digest a tag currently points to, used when the
// caller only has an OCI distribution tag list (no digest per entry), e.g.
// the non-quay.io fallback path in internal/quay.
func (c *goClient) ResolveDigest(ctx context.Context, repository, tag string) (string, error) {
	nref, err := name.NewTag(fmt.Sprintf("%s:%s", repository, tag))
	if err != nil {
		return "", errors.Wrapf(err, "parse tag %s:%s", repository, tag)
	}
	desc, err := retry(ctx, func() (*remote.Descriptor, error) {
		return remote.Get(nref, append(c.opts(), remote.WithContext(ctx))...)
	})
	if err != nil {
		return "", wrapRegistryErr(repository+":"+tag, err)
	}
	return desc.Digest.String(), nil
}

func toNameRef(ref Reference) (name.Reference, error) {
	if ref.Digest != "" {
		return name.NewDigest(fmt.Sprintf("%s@%s", ref.Repository, ref.Digest))
	}
	if ref.Tag != "" {
		return name.NewTag(fmt.Sprintf("%s:%s", ref.Repository, ref.Tag))
	}
	return nil, errors.Errorf("reference %s has neither tag nor digest", ref.Repository)
}

func wrapRegistryErr(ref string, err error) error {
	return errors.Wrapf(err, "registry operation on %s", ref)
}
