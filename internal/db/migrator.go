package db

import (
	"database/sql"
	"fmt"

	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/migration"
	"go.uber.org/zap"
)

// migrator applies one subsystem's ordered migrations, recording each in its own _migrations_<name> table.
type migrator struct {
	db         *Database
	name       string
	tableName  string
	log        *zap.SugaredLogger
	migrations []*migration.Migration
	lock       bool
}

type appliedMigration struct {
	ID      int    `db:"id"`
	Version string `db:"version"`
}

func newMigrator(c *config.Config, db *Database, name string, migrations []*migration.Migration, lock bool) (*migrator, error) {
	return &migrator{
		db:         db,
		log:        c.Logger("db/" + name),
		name:       name,
		tableName:  fmt.Sprintf("_migrations_%s", name),
		migrations: migrations,
		lock:       lock,
	}, nil
}

// migrate applies every migration not yet recorded. Recorded migrations must be a prefix of the defined list.
func (m *migrator) migrate() error {
	var applied []appliedMigration
	if err := m.run(fmt.Sprintf("prepare %s migrator", m.name), func() error {
		if _, err := m.db.Tx.Exec(fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id INT8 NOT NULL,
				version VARCHAR(255) NOT NULL,
				PRIMARY KEY (id)
			)`, m.tableName)); err != nil {
			return err
		}
		return m.db.Tx.Select(&applied, fmt.Sprintf("SELECT id, version FROM %s ORDER BY id", m.tableName))
	}); err != nil {
		return err
	}

	if len(applied) > len(m.migrations) {
		return fmt.Errorf("migrator: %s has %d applied migrations but only %d are defined", m.name, len(applied), len(m.migrations))
	}
	for i, a := range applied {
		if a.ID != i || a.Version != m.migrations[i].String() {
			return fmt.Errorf("migrator: %s migration %d was applied as %q, defined as %q", m.name, a.ID, a.Version, m.migrations[i])
		}
	}

	for i := len(applied); i < len(m.migrations); i++ {
		if err := m.apply(i, m.migrations[i]); err != nil {
			return fmt.Errorf("migrator: error while running migrations for %s: %w", m.name, err)
		}
	}
	return nil
}

func (m *migrator) apply(id int, mig *migration.Migration) error {
	return m.run(mig.String(), func() error {
		if err := mig.Func(m.db.Tx.Tx); err != nil {
			return fmt.Errorf("error executing migration %q: %w", mig.Name, err)
		}
		if _, err := m.db.Tx.Exec(fmt.Sprintf("INSERT INTO %s (id, version) VALUES (?, ?)", m.tableName), id, mig.String()); err != nil {
			return fmt.Errorf("error updating migration versions: %w", err)
		}
		m.log.Debugf("applied migration %d %q", id, mig.Name)
		return nil
	})
}

func (m *migrator) run(label string, f RunnerFunc) error {
	if m.lock {
		return m.db.Run(label, f)
	}
	return m.db.RunTx(label, &sql.TxOptions{Isolation: sql.LevelDefault, ReadOnly: false}, f)
}
