// Package ociref parses sandbox image references.
package ociref

import (
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

type Reference struct {
	Original   string
	Repository string
	// Tag is empty for digest-pinned references.
	Tag    string
	Digest string
}

// Pinned reports whether the reference names an immutable digest.
func (r Reference) Pinned() bool {
	return r.Digest != ""
}

func (r Reference) String() string {
	if r.Pinned() {
		return r.Repository + "@" + r.Digest
	}
	return r.Repository + ":" + r.Tag
}

// Parse validates an image reference such as ghcr.io/acme/sandbox:1 or
// ghcr.io/acme/sandbox@sha256:<64-hex>. Bare names resolve against Docker Hub.
func Parse(raw string) (Reference, error) {
	ref := strings.TrimSpace(raw)
	if ref == "" {
		return Reference{}, fmt.Errorf("image reference must not be empty")
	}
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return Reference{}, fmt.Errorf("invalid image reference %q: %w", ref, err)
	}

	out := Reference{Original: ref, Repository: parsed.Context().Name()}
	switch r := parsed.(type) {
	case name.Digest:
		out.Digest = r.DigestStr()
	case name.Tag:
		out.Tag = r.TagStr()
	}
	return out, nil
}

// ParseDigestReference accepts only digest-pinned references.
func ParseDigestReference(raw string) (Reference, error) {
	ref, err := Parse(raw)
	if err != nil {
		return Reference{}, err
	}
	if !ref.Pinned() {
		return Reference{}, fmt.Errorf("reference %q is not digest-pinned (expected repo/image@sha256:<digest>)", ref.Original)
	}
	return ref, nil
}
