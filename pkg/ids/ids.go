// Package ids provides composite identifier helpers shared across the
// orchestrator. A Session is identified by (platformId, threadId) per
// spec.md §3 invariant I1; this package is the single place that
// constructs and parses the composite key so every package agrees on its
// shape.
package ids

import (
	"fmt"
	"strings"
)

// Composite uniquely identifies a session across all connected platforms.
type Composite struct {
	PlatformID string
	ThreadID   string
}

// String renders the composite id as "platformId/threadId".
func (c Composite) String() string {
	return c.PlatformID + "/" + c.ThreadID
}

// New builds a Composite from its parts.
func New(platformID, threadID string) Composite {
	return Composite{PlatformID: platformID, ThreadID: threadID}
}

// Parse parses a "platformId/threadId" string produced by String.
func Parse(s string) (Composite, error) {
	platformID, threadID, ok := strings.Cut(s, "/")
	if !ok {
		return Composite{}, fmt.Errorf("ids: malformed composite id %q", s)
	}
	return Composite{PlatformID: platformID, ThreadID: threadID}, nil
}
