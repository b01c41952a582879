// Package dbtest は統合テスト用のPostgreSQLコンテナを起動する。
package dbtest

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// AuthSchemaStub はSupabaseのauthスキーマのうち、profilesのDDLが参照する部分だけを再現する。
// auth.uid()はrequest.jwt.claim.subの値を返す。
const AuthSchemaStub = `
CREATE SCHEMA IF NOT EXISTS auth;
CREATE TABLE IF NOT EXISTS auth.users (
  id UUID PRIMARY KEY,
  email TEXT,
  raw_user_meta_data JSONB DEFAULT '{}'
);
CREATE OR REPLACE FUNCTION auth.uid() RETURNS UUID
  LANGUAGE sql STABLE
  AS $$ SELECT nullif(current_setting('request.jwt.claim.sub', true), '')::uuid $$;
`

// StartPostgres はPostgreSQLコンテナを起動し、authスキーマのスタブを作成して接続URLを返す。
// コンテナはテスト終了時に破棄される。
func StartPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	cont, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "hdtn",
				"POSTGRES_PASSWORD": "hdtn",
				"POSTGRES_DB":       "hdtn",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = cont.Terminate(context.Background()) })

	host, err := cont.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get host: %v", err)
	}
	port, err := cont.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("failed to get port: %v", err)
	}

	dbURL := fmt.Sprintf("postgres://hdtn:hdtn@%s:%s/hdtn?sslmode=disable", host, port.Port())

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, AuthSchemaStub); err != nil {
		t.Fatalf("failed to create auth schema stub: %v", err)
	}

	return dbURL
}

// InsertAuthUser はauth.usersに行を追加する。トリガーによりprofilesの行も作成される。
func InsertAuthUser(t *testing.T, db *sql.DB, id, email, fullName string) {
	t.Helper()
	_, err := db.Exec(
		`INSERT INTO auth.users (id, email, raw_user_meta_data) VALUES ($1, $2, jsonb_build_object('full_name', $3::text))`,
		id, email, fullName,
	)
	if err != nil {
		t.Fatalf("failed to insert auth user: %v", err)
	}
}
