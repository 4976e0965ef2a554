// internal/sync/table_order.go
package sync

import (
	"slices"
	"strings"

	"github.com/arwahdevops/bisync/internal/model"
)

// orderTables sorts the tables of schema parents first (Kahn's algorithm).
// Edge U -> V when V has a foreign key to U. Ties are broken by name so the
// order is stable across runs. Self references are ignored.
func orderTables(schema *model.SyncSet) ([]*model.SyncTable, error) {
	key := func(t *model.SyncTable) string { return strings.ToLower(t.FullName()) }

	byKey := make(map[string]*model.SyncTable, len(schema.Tables))
	adj := make(map[string][]string)
	inDegree := make(map[string]int)
	for _, t := range schema.Tables {
		k := key(t)
		byKey[k] = t
		adj[k] = nil
		inDegree[k] = 0
	}

	for _, rel := range schema.Relations {
		parent, child := schema.Lookup(rel.ParentTable), schema.Lookup(rel.ChildTable)
		if parent == nil || child == nil || parent == child {
			continue
		}
		u, v := key(parent), key(child)
		if slices.Contains(adj[u], v) {
			continue
		}
		adj[u] = append(adj[u], v)
		inDegree[v]++
	}

	var queue []string
	for k, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, k)
		}
	}

	ordered := make([]*model.SyncTable, 0, len(schema.Tables))
	for len(queue) > 0 {
		slices.Sort(queue)
		u := queue[0]
		queue = queue[1:]
		ordered = append(ordered, byKey[u])

		dependents := slices.Clone(adj[u])
		slices.Sort(dependents)
		for _, v := range dependents {
			inDegree[v]--
			if inDegree[v] == 0 {
				queue = append(queue, v)
			}
		}
	}

	if len(ordered) != len(schema.Tables) {
		var cycle []string
		for k, deg := range inDegree {
			if deg > 0 {
				cycle = append(cycle, byKey[k].FullName())
			}
		}
		slices.Sort(cycle)
		return nil, &model.SchemaError{
			Reason: model.DependencyCycle,
			Table:  strings.Join(cycle, ", "),
			Detail: "circular foreign key dependency",
		}
	}
	return ordered, nil
}

// reversed returns a copy of tables in reverse order (children first).
func reversed(tables []*model.SyncTable) []*model.SyncTable {
	out := slices.Clone(tables)
	slices.Reverse(out)
	return out
}
