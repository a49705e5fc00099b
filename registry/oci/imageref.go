// Package oci parses container image references and derives the code-hash
// identity used to key approved-code registry and attestation lookups.
package oci

import (
	"fmt"
	"strings"

	"github.com/fortline/verifier/trust"
)

// Reference is a parsed container image reference: registry/name[:tag|@digest].
type Reference struct {
	Registry string
	Name     string
	Tag      string
	Digest   string // "sha256:..." when pinned, empty otherwise
}

// String reassembles the reference in canonical form.
func (r Reference) String() string {
	var b strings.Builder
	if r.Registry != "" {
		b.WriteString(r.Registry)
		b.WriteByte('/')
	}
	b.WriteString(r.Name)
	if r.Digest != "" {
		b.WriteByte('@')
		b.WriteString(r.Digest)
	} else if r.Tag != "" {
		b.WriteByte(':')
		b.WriteString(r.Tag)
	}
	return b.String()
}

// Pinned reports whether the reference is pinned to a content digest rather
// than a mutable tag.
func (r Reference) Pinned() bool {
	return r.Digest != ""
}

// Parse splits a Docker/OCI image reference into registry, name, tag, and
// digest components. Untagged references default to tag "latest". The
// split rule is the usual OCI reference grammar: the last colon after the
// last slash is a tag separator, and everything after "@" is a digest.
func Parse(ref string) (Reference, error) {
	if ref == "" {
		return Reference{}, fmt.Errorf("oci: empty image reference")
	}

	var out Reference

	if before, after, ok := strings.Cut(ref, "@"); ok {
		out.Digest = after
		ref = before
	}

	lastSlash := strings.LastIndex(ref, "/")
	colonIdx := strings.LastIndex(ref, ":")

	namePart := ref
	if colonIdx > lastSlash {
		namePart = ref[:colonIdx]
		if out.Digest == "" {
			out.Tag = ref[colonIdx+1:]
		}
	}

	if idx := strings.Index(namePart, "/"); idx >= 0 && looksLikeRegistry(namePart[:idx]) {
		out.Registry = namePart[:idx]
		out.Name = namePart[idx+1:]
	} else {
		out.Name = namePart
	}

	if out.Tag == "" && out.Digest == "" {
		out.Tag = "latest"
	}
	if out.Name == "" {
		return Reference{}, fmt.Errorf("oci: could not parse image name from %q", ref)
	}
	return out, nil
}

// looksLikeRegistry distinguishes "registry.example.com" / "localhost:5000"
// style hosts from a plain first path segment of an image name, using the
// conventional Docker heuristic: a registry host contains a dot or colon,
// or is literally "localhost".
func looksLikeRegistry(s string) bool {
	return s == "localhost" || strings.ContainsAny(s, ".:")
}

// CodeHash derives the registry lookup key for an image: the content digest
// when the reference is pinned, or the code digest of the canonical
// reference string otherwise (dev/unpinned references still get a stable,
// if weaker, identity for registry bookkeeping).
func CodeHash(r Reference) string {
	if r.Digest != "" {
		return r.Digest
	}
	return trust.DigestContent([]byte(r.String())).String()
}
