// Package admission decides whether a spawn request may create a session.
package admission

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dull-quay940/mcp-supervisor/internal/catalog"
	apperrors "github.com/dull-quay940/mcp-supervisor/internal/errors"
	"github.com/dull-quay940/mcp-supervisor/internal/policy"
	"github.com/dull-quay940/mcp-supervisor/internal/protocol"
)

// Rejection reasons.
const (
	ReasonAutonomyDisabled = "autonomy disabled"
	ReasonCeilingReached   = "concurrency ceiling reached"
	reasonPathBlocked      = "path blocked: %s"
	reasonPathNotAllowed   = "path not allowed: %s"
)

// Gate applies the policy to spawn requests. It has no side effects.
type Gate struct {
	policy *policy.Store
}

// NewGate creates a gate over the given policy.
func NewGate(store *policy.Store) *Gate {
	return &Gate{policy: store}
}

// Admit returns nil when the request is accepted, or an
// *errors.AdmissionDeniedError carrying the first failed check.
func (g *Gate) Admit(spec catalog.WorkerSpec, params protocol.Params, activeSessions int) error {
	if spec.RequiresAutonomy && !g.policy.AutonomyEnabled() {
		return apperrors.Denied(ReasonAutonomyDisabled)
	}
	if activeSessions >= g.policy.MaxConcurrentSessions() {
		return apperrors.Denied(ReasonCeilingReached)
	}
	for _, p := range PathParams(params) {
		resolved, err := g.policy.Resolve(p.Value)
		if err != nil {
			return apperrors.Denied(reasonPathNotAllowed, p.Value)
		}
		if _, blocked := g.policy.BlockedBy(resolved); blocked {
			return apperrors.Denied(reasonPathBlocked, resolved)
		}
		if !g.policy.Allows(resolved) {
			return apperrors.Denied(reasonPathNotAllowed, resolved)
		}
	}
	return nil
}

// PathParam is one filesystem path found in the request parameters.
type PathParam struct {
	Key   string
	Value string
}

// PathParams extracts path-valued parameters in key order. A string is
// path-valued when its key is "path", "dir" or ends in Path, _path, Dir or
// _dir (plural forms included). Arrays and nested objects are walked; nested
// keys are reported dotted ("opts.inputPath", "jobs[1].outputDir") and every
// string below a path-named object counts. Workers must name path parameters
// this way for admission to see them.
func PathParams(params protocol.Params) []PathParam {
	var out []PathParam
	for _, k := range sortedKeys(params) {
		out = appendPaths(out, k, params[k], IsPathKey(k))
	}
	return out
}

func appendPaths(out []PathParam, key string, v protocol.Value, isPath bool) []PathParam {
	switch v.Kind() {
	case protocol.KindString:
		if isPath {
			s, _ := v.AsString()
			out = append(out, PathParam{Key: key, Value: s})
		}
	case protocol.KindArray:
		for i, item := range v.Items() {
			itemKey := key
			if item.Kind() == protocol.KindObject || item.Kind() == protocol.KindArray {
				itemKey = fmt.Sprintf("%s[%d]", key, i)
			}
			out = appendPaths(out, itemKey, item, isPath)
		}
	case protocol.KindObject:
		fields := v.Fields()
		for _, k := range sortedKeys(fields) {
			out = appendPaths(out, key+"."+k, fields[k], isPath || IsPathKey(k))
		}
	}
	return out
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var pathSuffixes = []string{"Path", "_path", "Dir", "_dir", "Paths", "_paths", "Dirs", "_dirs"}

// IsPathKey reports whether a parameter name denotes a filesystem path.
func IsPathKey(key string) bool {
	switch strings.ToLower(key) {
	case "path", "paths", "dir", "dirs":
		return true
	}
	for _, suffix := range pathSuffixes {
		if strings.HasSuffix(key, suffix) && len(key) > len(suffix) {
			return true
		}
	}
	return false
}
