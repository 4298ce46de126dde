package domain

import (
	"strconv"
	"strings"
)

// ContextStage is the empty stage name used by handles that point into the build context.
const ContextStage = ""

// ArtifactHandle references a file produced by an earlier stage, or a file of the build context.
// The producer owns the file until it is copied; the consumer then owns an independent copy.
type ArtifactHandle struct {
	Stage string
	Path  string
}

// ParseArtifactHandle parses "stage:/path" or a bare context-relative path.
func ParseArtifactHandle(s string) ArtifactHandle {
	stage, p, ok := strings.Cut(s, ":")
	if !ok || stage == "" || strings.Contains(stage, "/") {
		return ArtifactHandle{Stage: ContextStage, Path: s}
	}
	return ArtifactHandle{Stage: stage, Path: p}
}

// FromContext reports whether the handle points into the build context.
func (h ArtifactHandle) FromContext() bool {
	return h.Stage == ContextStage
}

// String renders the handle in its parseable form.
func (h ArtifactHandle) String() string {
	if h.FromContext() {
		return h.Path
	}
	return h.Stage + ":" + h.Path
}

// Port is a declared network port.
type Port struct {
	Number int    `json:"number"`
	Proto  string `json:"proto,omitzero"`
}

// TCP returns a TCP port.
func TCP(n int) Port {
	return Port{Number: n, Proto: "tcp"}
}

// String renders the port as "number/proto".
func (p Port) String() string {
	proto := p.Proto
	if proto == "" {
		proto = "tcp"
	}
	return strconv.Itoa(p.Number) + "/" + proto
}
