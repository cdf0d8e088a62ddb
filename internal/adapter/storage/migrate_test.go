package storage

import (
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationDSN_EnablesMultiStatements(t *testing.T) {
	dsn, err := MigrationDSN("shop:secret@tcp(db:3306)/commerce?parseTime=true&loc=UTC")
	require.NoError(t, err)

	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.True(t, cfg.MultiStatements)
	assert.True(t, cfg.ParseTime)
	assert.Equal(t, "shop", cfg.User)
	assert.Equal(t, "secret", cfg.Passwd)
	assert.Equal(t, "db:3306", cfg.Addr)
	assert.Equal(t, "commerce", cfg.DBName)
	assert.Contains(t, dsn, "multiStatements=true")
}

func TestMigrationDSN_Invalid(t *testing.T) {
	_, err := MigrationDSN("not a dsn")
	assert.Error(t, err)

	assert.Error(t, Migrate("not a dsn"))
}

func TestMigrationFiles_Embedded(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, "000001_init_schema.up.sql")
	assert.Contains(t, names, "000001_init_schema.down.sql")
}
