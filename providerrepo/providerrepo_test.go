package providerrepo

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

func TestSetPrimaryProvider_IssuesUnsetThenSetInsideOneTransaction(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	repo := New(gormDB)

	rows := sqlmock.NewRows([]string{"id", "provider_id", "type", "is_primary"}).
		AddRow(1, "openai", "llm", false)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "proxy_providers" WHERE "proxy_providers"."id" = $1`)).
		WithArgs(uint(1)).
		WillReturnRows(rows)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "proxy_providers" SET "is_primary"=$1 WHERE type = $2 AND is_primary = $3`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "proxy_providers" SET "is_primary"=$1 WHERE id = $2`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.SetPrimaryProvider(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByID_NotFoundReturnsErrNotFound(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	repo := New(gormDB)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "proxy_providers" WHERE "proxy_providers"."id" = $1 ORDER BY "proxy_providers"."id" LIMIT $2`)).
		WithArgs(uint(99), 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.FindByID(context.Background(), 99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFindActiveProviders_OrdersByPriority(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	repo := New(gormDB)

	rows := sqlmock.NewRows([]string{"id", "provider_id", "type", "priority", "is_active"}).
		AddRow(1, "openai", "llm", 10, true).
		AddRow(2, "anthropic", "llm", 20, true)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "proxy_providers" WHERE is_active = $1 ORDER BY priority ASC`)).
		WithArgs(true).
		WillReturnRows(rows)

	providers, err := repo.FindActiveProviders(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, providers, 2)
	require.Equal(t, "openai", providers[0].ProviderID)
}

func TestBulkSetActive_NoopOnEmptyIDs(t *testing.T) {
	mockDB, _, gormDB := setupTestDB(t)
	defer mockDB.Close()

	repo := New(gormDB)
	err := repo.BulkSetActive(context.Background(), nil, false)
	require.NoError(t, err)
}
