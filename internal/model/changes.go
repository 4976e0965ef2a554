package model

// TableChangesSelected counts what one side selected for a table in a session.
type TableChangesSelected struct {
	SchemaName string
	TableName  string
	Upserts    int
	Deletes    int
}

func (t TableChangesSelected) TotalChanges() int { return t.Upserts + t.Deletes }

// TableChangesApplied counts one apply pass (upserts or deletes) for a table.
type TableChangesApplied struct {
	SchemaName        string
	TableName         string
	State             RowState
	Applied           int
	Failed            int
	ResolvedConflicts int
}

type DatabaseChangesSelected struct {
	Tables []TableChangesSelected
}

func (d DatabaseChangesSelected) TotalChanges() int {
	n := 0
	for _, t := range d.Tables {
		n += t.TotalChanges()
	}
	return n
}

// Table returns the entry for name, ignoring schema when name has none.
func (d DatabaseChangesSelected) Table(name string) (TableChangesSelected, bool) {
	n := ParseTableName(name)
	for _, t := range d.Tables {
		if t.TableName == n.Name && (n.Schema == "" || n.Schema == t.SchemaName) {
			return t, true
		}
	}
	return TableChangesSelected{}, false
}

type DatabaseChangesApplied struct {
	Tables []TableChangesApplied
}

func (d DatabaseChangesApplied) TotalApplied() int {
	n := 0
	for _, t := range d.Tables {
		n += t.Applied
	}
	return n
}

func (d DatabaseChangesApplied) TotalResolvedConflicts() int {
	n := 0
	for _, t := range d.Tables {
		n += t.ResolvedConflicts
	}
	return n
}

// Table returns the entry for name and state.
func (d DatabaseChangesApplied) Table(name string, state RowState) (TableChangesApplied, bool) {
	n := ParseTableName(name)
	for _, t := range d.Tables {
		if t.TableName == n.Name && t.State == state && (n.Schema == "" || n.Schema == t.SchemaName) {
			return t, true
		}
	}
	return TableChangesApplied{}, false
}
