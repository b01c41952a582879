// Package database はprofilesテーブルへの直接接続とマイグレーション管理を提供する。
// テーブルはSupabaseのauthスキーマ（auth.users, auth.uid()）を前提とする。
package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// setupMigration はガイド付きセットアップで表示するDDLのファイル名。
const setupMigration = "migrations/000001_create_profiles.up.sql"

// NewMigrator はマイグレーション実行用のmigrateインスタンスを生成する。
// databaseURLはPostgreSQLの接続URLを指定する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

// RunMigrations はすべてのマイグレーションを適用し、適用後のバージョンを返す。
// すでに最新の場合はエラーなしで返る。
func RunMigrations(databaseURL string) (uint, error) {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return 0, err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("failed to read migration version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("migration version %d is dirty", version)
	}
	return version, nil
}

// SetupSQL はprofilesテーブルを作成するDDLを返す。
// 管理者がSQLエディタに貼り付けて実行する用途と、ベストエフォートのRPC実行に使う。
func SetupSQL() string {
	data, err := migrationsFS.ReadFile(setupMigration)
	if err != nil {
		// 埋め込みファイルのため到達しない
		panic(fmt.Sprintf("embedded migration %s is missing: %v", setupMigration, err))
	}
	return string(data)
}
