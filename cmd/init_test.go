package cmd

import (
	"bytes"
	"github.com/senseibot/sensei/sensei"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"path/filepath"
	"testing"
)

func TestInitCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	t.Setenv("SENSEI_DATABASE_TYPE", "sqlite")
	t.Setenv("SENSEI_DATABASE", dbPath)
	t.Cleanup(viper.Reset)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"init"})
	t.Cleanup(
		func() {
			rootCmd.SetOut(nil)
			rootCmd.SetArgs(nil)
		},
	)
	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, out.String(), "Term log ready (0 terms issued so far).")
	assert.Contains(t, out.String(), "Initialization complete.")

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			_ = sqlDB.Close()
		},
	)
	assert.True(t, db.Migrator().HasTable(&sensei.TermRecord{}))
	assert.True(
		t,
		db.Migrator().HasIndex(&sensei.TermRecord{}, "idx_used_terms_category_timestamp"),
	)
}
