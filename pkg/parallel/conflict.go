// Package parallel executes batches of tool calls concurrently without
// racing two effects on the same resource and without corrupting trace
// parentage. Conflicting calls are demoted to serial execution; the
// rest fan out over a bounded pool.
package parallel

import (
	"sort"

	"github.com/harun/plinth/pkg/core"
)

// GlobalKey is the claim key that conflicts with every other claim. A
// call whose effects cannot be scoped (arbitrary shell, unknown tool)
// claims it as a write.
const GlobalKey = "*"

// Claim is the resource a call touches and whether it mutates it.
type Claim struct {
	Key   string
	Write bool
}

// ClaimFunc derives the resource claim for one call.
type ClaimFunc func(call core.ToolCall) Claim

// DefaultClaims scopes the built-in workspace tools: reads claim their
// path read-only, writes claim it mutably. Shell commands and unknown
// tools claim the global write key, since their footprint cannot be
// derived from arguments. Keys are literal argument equality;
// overlapping-but-distinct resources (a file and its parent directory,
// symlink aliases) are not modeled.
func DefaultClaims(call core.ToolCall) Claim {
	path, _ := call.Arguments["path"].(string)

	switch call.Name {
	case "read_file":
		if path == "" {
			return Claim{Key: GlobalKey, Write: true}
		}
		return Claim{Key: path, Write: false}
	case "write_file", "edit_file":
		if path == "" {
			return Claim{Key: GlobalKey, Write: true}
		}
		return Claim{Key: path, Write: true}
	default:
		return Claim{Key: GlobalKey, Write: true}
	}
}

// Conflicts reports whether two claims cannot run concurrently: any
// global claim conflicts with everything, and claims on the same key
// conflict unless both are reads.
func Conflicts(a, b Claim) bool {
	if a.Key == GlobalKey || b.Key == GlobalKey {
		return true
	}
	if a.Key != b.Key {
		return false
	}
	return a.Write || b.Write
}

// Plan is the batch schedule: groups of call indices. Calls inside a
// group run serially in input order; groups run concurrently.
type Plan struct {
	Groups       [][]int
	DemotedPairs int
}

// BuildPlan classifies every pair and unions conflicting calls into
// serial groups.
func BuildPlan(calls []core.ToolCall, claimFor ClaimFunc) Plan {
	claims := make([]Claim, len(calls))
	for i, call := range calls {
		claims[i] = claimFor(call)
	}

	parent := make([]int, len(calls))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	demoted := 0
	for i := 0; i < len(calls); i++ {
		for j := i + 1; j < len(calls); j++ {
			if Conflicts(claims[i], claims[j]) {
				demoted++
				union(i, j)
			}
		}
	}

	byRoot := make(map[int][]int)
	for i := range calls {
		root := find(i)
		byRoot[root] = append(byRoot[root], i)
	}

	groups := make([][]int, 0, len(byRoot))
	for _, members := range byRoot {
		sort.Ints(members)
		groups = append(groups, members)
	}
	sort.Slice(groups, func(a, b int) bool { return groups[a][0] < groups[b][0] })

	return Plan{Groups: groups, DemotedPairs: demoted}
}
