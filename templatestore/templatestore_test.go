package templatestore

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *gorm.DB) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{Conn: mockDB})
	gormDB, err := gorm.Open(dialector, &gorm.Config{})
	require.NoError(t, err)

	return mockDB, mock, gormDB
}

func TestGetTemplate_MapsRequiredAndOptionalVariables(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	store := New(gormDB)

	rows := sqlmock.NewRows([]string{
		"id", "name", "category", "content", "system_prompt",
		"user_prompt_structure", "required_variables", "optional_variables",
		"is_active", "version",
	}).AddRow(
		"tpl-1", "Greeting", "chat", "Hello {{name}}!", "",
		"", `["name"]`, `[{"name":"tone","defaultValue":"neutral"}]`,
		true, 3,
	)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "prompt_templates" WHERE id = $1`)).
		WithArgs("tpl-1").
		WillReturnRows(rows)

	tpl, err := store.GetTemplate(context.Background(), "tpl-1")
	require.NoError(t, err)
	require.Equal(t, "Hello {{name}}!", tpl.Content)
	require.True(t, tpl.IsActive)
	require.Equal(t, 3, tpl.Version)
	require.Len(t, tpl.Variables, 2)
	require.Equal(t, "name", tpl.Variables[0].Name)
	require.True(t, tpl.Variables[0].Required)
	require.Equal(t, "tone", tpl.Variables[1].Name)
	require.False(t, tpl.Variables[1].Required)
	require.Equal(t, "neutral", tpl.Variables[1].DefaultValue)
}

func TestGetTemplate_NotFoundReturnsError(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	store := New(gormDB)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "prompt_templates" WHERE id = $1`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetTemplate(context.Background(), "missing")
	require.Error(t, err)
}

func TestGetTemplate_FallsBackToUserPromptStructureWhenContentEmpty(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	store := New(gormDB)

	rows := sqlmock.NewRows([]string{
		"id", "name", "category", "content", "system_prompt",
		"user_prompt_structure", "required_variables", "optional_variables",
		"is_active", "version",
	}).AddRow(
		"tpl-2", "NoContent", "chat", "", "You are a helpful assistant.",
		"Summarize: {{text}}", `["text"]`, `[]`,
		true, 1,
	)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "prompt_templates" WHERE id = $1`)).
		WithArgs("tpl-2").
		WillReturnRows(rows)

	tpl, err := store.GetTemplate(context.Background(), "tpl-2")
	require.NoError(t, err)
	require.Equal(t, "Summarize: {{text}}", tpl.Content)
	require.Equal(t, "You are a helpful assistant.", tpl.SystemPrompt)
}
