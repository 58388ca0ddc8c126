package filemeta

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dkrasnov/signflow/internal/common"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

func TestStore_Upserts(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	blob := []byte(`{"signature_fields":[{"id":"f1"}]}`)
	mock.ExpectExec(`INSERT INTO file_metadata .* ON CONFLICT \(file_id\)`).
		WithArgs("file-1", "alice", blob).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Store(context.Background(), "alice", "file-1", blob); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGet_ReturnsBlob(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	blob := []byte(`{"signature_fields":[]}`)
	mock.ExpectQuery(`SELECT metadata FROM file_metadata WHERE file_id=\$1`).
		WithArgs("file-1").
		WillReturnRows(sqlmock.NewRows([]string{"metadata"}).AddRow(blob))

	got, err := repo.Get(context.Background(), "file-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != string(blob) {
		t.Fatalf("unexpected blob: %s", got)
	}
}

func TestGet_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT metadata FROM file_metadata WHERE file_id=\$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"metadata"}))

	_, err := repo.Get(context.Background(), "missing")
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
