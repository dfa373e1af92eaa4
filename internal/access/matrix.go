package access

import (
	"sort"

	"github.com/samber/lo"
)

// BuildMatrix flattens menu nodes (children included, depth-first in input
// order) into one row per node and action of the fixed action set. A row is
// granted iff a submitted entry for that action is true. Read-only nodes only
// keep their READ row. Nodes repeated in the input are merged into the
// position of their first occurrence.
func BuildMatrix(items []MenuNode, typeID, actorID int64) []Row {
	var rows []Row
	index := make(map[rowKey]int)

	var walk func(nodes []MenuNode)
	walk = func(nodes []MenuNode) {
		for _, n := range nodes {
			granted := make(map[Action]bool, len(n.Roles))
			for _, r := range n.Roles {
				if r.RoleValue {
					granted[r.RoleAction] = true
				}
			}

			for _, a := range Actions {
				if n.IsReadOnly && a != ActionRead {
					continue
				}
				row := Row{
					FormID:     n.FormID,
					TypeID:     typeID,
					RoleAction: a,
					RoleValue:  granted[a],
					CreatedBy:  actorID,
				}
				if i, ok := index[row.key()]; ok {
					rows[i].RoleValue = rows[i].RoleValue || row.RoleValue
					continue
				}
				index[row.key()] = len(rows)
				rows = append(rows, row)
			}

			walk(n.Children)
		}
	}
	walk(items)

	return rows
}

// GrantParentRead makes every parent form readable when any of its children
// carries a granted action, so the child stays reachable in navigation.
func GrantParentRead(rows []Row, forms []Form) []Row {
	byID := lo.KeyBy(forms, func(f Form) int64 { return f.ID })

	out := make([]Row, len(rows))
	copy(out, rows)

	index := make(map[rowKey]int, len(out))
	for i, r := range out {
		index[r.key()] = i
	}

	for _, r := range rows {
		if !r.RoleValue {
			continue
		}
		form, ok := byID[r.FormID]
		if !ok || form.ParentID == nil {
			continue
		}
		parentRead := Row{
			FormID:     *form.ParentID,
			TypeID:     r.TypeID,
			RoleAction: ActionRead,
			RoleValue:  true,
			CreatedBy:  r.CreatedBy,
		}
		if i, ok := index[parentRead.key()]; ok {
			out[i].RoleValue = true
			continue
		}
		index[parentRead.key()] = len(out)
		out = append(out, parentRead)
	}

	return out
}

// ApplyFormFlags overwrites client-supplied structural flags with the stored
// form definitions. Nodes for unknown forms are returned unchanged.
func ApplyFormFlags(items []MenuNode, forms []Form) []MenuNode {
	byID := lo.KeyBy(forms, func(f Form) int64 { return f.ID })

	out := make([]MenuNode, len(items))
	for i, n := range items {
		if f, ok := byID[n.FormID]; ok {
			n.IsReadOnly = f.IsReadOnly
			n.ParentID = f.ParentID
		}
		n.Children = ApplyFormFlags(n.Children, forms)
		out[i] = n
	}
	return out
}

// UnknownForms returns the form ids referenced by rows that are not defined
func UnknownForms(rows []Row, forms []Form) []int64 {
	known := lo.SliceToMap(forms, func(f Form) (int64, struct{}) { return f.ID, struct{}{} })
	unknown := lo.FilterMap(rows, func(r Row, _ int) (int64, bool) {
		_, ok := known[r.FormID]
		return r.FormID, !ok
	})
	return lo.Uniq(unknown)
}

// SeedMatrix grants the given actions on every form. Only the bootstrap path
// uses it.
func SeedMatrix(forms []Form, typeID int64, actions []Action) []Row {
	nodes := make([]MenuNode, 0, len(forms))
	for _, f := range sortedForms(forms) {
		roles := lo.Map(actions, func(a Action, _ int) RoleEntry {
			return RoleEntry{RoleAction: a, RoleValue: true}
		})
		nodes = append(nodes, MenuNode{FormID: f.ID, IsReadOnly: f.IsReadOnly, Roles: roles})
	}
	return BuildMatrix(nodes, typeID, 0)
}

// SupportMatrix renders the default scaffolding for a new type: every form
// with all of its actions off except READ on the dashboard form.
func SupportMatrix(forms []Form, dashboardPath string) []MenuNode {
	var rows []Row
	for _, f := range sortedForms(forms) {
		for _, a := range f.AllowedActions() {
			rows = append(rows, Row{
				FormID:     f.ID,
				RoleAction: a,
				RoleValue:  a == ActionRead && f.Path == dashboardPath,
			})
		}
	}
	return BuildMenuTree(forms, rows)
}

// BuildMenuTree is the inverse of BuildMatrix: it renders stored grants as a
// tree of roots and their children ordered by sort order, then id. Every
// allowed action of a form is listed; actions without a row are false.
func BuildMenuTree(forms []Form, rows []Row) []MenuNode {
	values := make(map[int64]map[Action]bool)
	for _, r := range rows {
		if values[r.FormID] == nil {
			values[r.FormID] = make(map[Action]bool)
		}
		values[r.FormID][r.RoleAction] = values[r.FormID][r.RoleAction] || r.RoleValue
	}

	known := lo.SliceToMap(forms, func(f Form) (int64, struct{}) { return f.ID, struct{}{} })
	children := make(map[int64][]Form)
	var roots []Form
	for _, f := range sortedForms(forms) {
		if f.ParentID != nil {
			if _, ok := known[*f.ParentID]; ok {
				children[*f.ParentID] = append(children[*f.ParentID], f)
				continue
			}
		}
		roots = append(roots, f)
	}

	node := func(f Form) MenuNode {
		roles := make([]RoleEntry, 0, len(Actions))
		for _, a := range f.AllowedActions() {
			roles = append(roles, RoleEntry{RoleAction: a, RoleValue: values[f.ID][a]})
		}
		return MenuNode{
			FormID:     f.ID,
			ParentID:   f.ParentID,
			Label:      f.Label,
			Path:       f.Path,
			SortOrder:  f.SortOrder,
			IsReadOnly: f.IsReadOnly,
			Roles:      roles,
		}
	}

	tree := make([]MenuNode, 0, len(roots))
	for _, root := range roots {
		n := node(root)
		for _, c := range children[root.ID] {
			n.Children = append(n.Children, node(c))
		}
		tree = append(tree, n)
	}
	return tree
}

// MatrixFor returns the per-path permission view of stored grants
func MatrixFor(forms []Form, rows []Row) map[string]Permissions {
	byID := lo.KeyBy(forms, func(f Form) int64 { return f.ID })

	m := make(map[string]Permissions, len(forms))
	for _, f := range forms {
		m[f.Path] = Permissions{}
	}
	for _, r := range rows {
		f, ok := byID[r.FormID]
		if !ok || !r.RoleValue {
			continue
		}
		if f.IsReadOnly && r.RoleAction != ActionRead {
			continue
		}
		p := m[f.Path]
		p.Set(r.RoleAction, true)
		m[f.Path] = p
	}
	return m
}

// Changes lists the grant differences between two matrices of one type
type Changes struct {
	Added   []Row `json:"added,omitempty"`
	Removed []Row `json:"removed,omitempty"`
	Changed []Row `json:"changed,omitempty"`
}

// Empty reports whether there is no difference
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// Diff computes the grant differences from before to after. Changed rows
// carry the new value.
func Diff(before, after []Row) Changes {
	prev := make(map[rowKey]Row, len(before))
	for _, r := range before {
		prev[r.key()] = r
	}
	next := make(map[rowKey]struct{}, len(after))

	var c Changes
	for _, r := range after {
		next[r.key()] = struct{}{}
		old, ok := prev[r.key()]
		switch {
		case !ok:
			c.Added = append(c.Added, r)
		case old.RoleValue != r.RoleValue:
			c.Changed = append(c.Changed, r)
		}
	}
	for _, r := range before {
		if _, ok := next[r.key()]; !ok {
			c.Removed = append(c.Removed, r)
		}
	}
	return c
}

func sortedForms(forms []Form) []Form {
	out := make([]Form, len(forms))
	copy(out, forms)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].ID < out[j].ID
	})
	return out
}
