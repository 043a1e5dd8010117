package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchemaStatements(t *testing.T) {
	schema := `
-- leading comment
CREATE TABLE IF NOT EXISTS a (
    id INTEGER PRIMARY KEY, -- trailing comment
    name TEXT
);
/* block
   comment */
CREATE INDEX IF NOT EXISTS idx_a_name ON a(name);
/* one line block */
CREATE TABLE IF NOT EXISTS b (id INTEGER);
`
	statements := parseSchemaStatements(schema)
	require.Len(t, statements, 3)
	assert.Equal(t, "CREATE TABLE IF NOT EXISTS a ( id INTEGER PRIMARY KEY, name TEXT )", statements[0])
	assert.Equal(t, "CREATE INDEX IF NOT EXISTS idx_a_name ON a(name)", statements[1])
	assert.Equal(t, "CREATE TABLE IF NOT EXISTS b (id INTEGER)", statements[2])
}

func TestParseSchemaStatements_ProjectSchema(t *testing.T) {
	path, err := findUpwards("schema.sql")
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	statements := parseSchemaStatements(string(raw))
	assert.GreaterOrEqual(t, len(statements), 5)
	for _, s := range statements {
		assert.NotContains(t, s, "--")
	}
}

func TestExtractDatabaseName(t *testing.T) {
	assert.Equal(t, "planner", extractDatabaseName("postgres://u:p@localhost:5432/planner?sslmode=disable"))
	assert.Equal(t, "pack_planner", extractDatabaseName("postgres://u:p@localhost:5432"))
	assert.Equal(t, "pack_planner", extractDatabaseName("host=localhost dbname=x"))
}

func TestIsUniqueViolation(t *testing.T) {
	dup := &pq.Error{Code: "23505", Constraint: "session_pack_plans_user_seq_key"}
	wrapped := fmt.Errorf("insert: %w", dup)

	assert.True(t, IsUniqueViolation(wrapped, ""))
	assert.True(t, IsUniqueViolation(wrapped, "session_pack_plans_user_seq_key"))
	assert.False(t, IsUniqueViolation(wrapped, "session_pack_plans_user_session_key"))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "23503"}, ""))
	assert.False(t, IsUniqueViolation(errors.New("23505"), ""))
}

func TestIsAlreadyExistsError(t *testing.T) {
	assert.True(t, isAlreadyExistsError(&pq.Error{Code: "42P07"}))
	assert.True(t, isAlreadyExistsError(&pq.Error{Code: "42710"}))
	assert.False(t, isAlreadyExistsError(&pq.Error{Code: "42601"}))
	assert.True(t, isAlreadyExistsError(errors.New(`relation "a" already exists`)))
}

func TestFindUpwards(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "marker.txt"), []byte("x"), 0o600))

	t.Chdir(nested)

	found, err := findUpwards("marker.txt")
	require.NoError(t, err)
	resolvedRoot, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	resolvedFound, err := filepath.EvalSymlinks(found)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(resolvedRoot, "marker.txt"), resolvedFound)

	_, err = findUpwards("definitely-not-here.txt")
	require.Error(t, err)
}
