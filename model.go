package dbconn

// Column describes a single table column.
type Column struct {
	Type     string `json:"type"` // normalized lower-case base type, e.g. "int", "varchar", "point"
	Nullable bool   `json:"nullable"`
}

// TableModel is the metadata of a table as seen by the connection.
type TableModel struct {
	Name       string            `json:"name"`
	Columns    map[string]Column `json:"columns"`
	PrimaryKey []string          `json:"primary_key"` // ordered primary-key columns
}

// Clone returns a deep copy; providers always receive a clone.
func (m *TableModel) Clone() *TableModel {
	if m == nil {
		return nil
	}
	c := &TableModel{
		Name:       m.Name,
		Columns:    make(map[string]Column, len(m.Columns)),
		PrimaryKey: append([]string(nil), m.PrimaryKey...),
	}
	for k, v := range m.Columns {
		c.Columns[k] = v
	}
	return c
}

// SinglePrimaryKey returns the primary-key column for tables with exactly one.
func (m *TableModel) SinglePrimaryKey() (string, bool) {
	if m == nil || len(m.PrimaryKey) != 1 {
		return "", false
	}
	return m.PrimaryKey[0], true
}
