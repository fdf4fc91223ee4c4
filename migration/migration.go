// Package migration defines a single schema migration step applied by the database migrator.
package migration

import "database/sql"

type Migration struct {
	Name string
	Func func(*sql.Tx) error
}

// String is the version recorded in the migrations table once the step is applied.
func (m *Migration) String() string {
	return m.Name
}
