package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"expense-backend/internal/auth"
	"expense-backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearDBEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DB_DRIVER", "")
	t.Setenv("DB_DSN", "")
	t.Setenv("PBKDF2_ITERATIONS", "1000")
}

func TestRun_Success(t *testing.T) {
	clearDBEnv(t)
	dbPath := filepath.Join(t.TempDir(), "test_success.db")

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	stdin := new(bytes.Buffer)

	args := []string{"-email", "admin@x.com", "-password", "secret", "-db", dbPath}
	err := run(args, stdin, stdout, stderr)
	require.NoError(t, err)
	assert.Contains(t, stdout.String(), "User admin@x.com created successfully with ID 1")

	// The stored hash verifies against the original password
	db, err := storage.NewDB(dbPath)
	require.NoError(t, err)
	defer db.Close()

	user, err := db.FindUserByEmail(context.Background(), "admin@x.com")
	require.NoError(t, err)
	assert.True(t, auth.CheckPassword("secret", user.PasswordHash))
}

func TestRun_DuplicateUser(t *testing.T) {
	clearDBEnv(t)
	dbPath := filepath.Join(t.TempDir(), "test_duplicate.db")
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	stdin := new(bytes.Buffer)

	args := []string{"-email", "dup@x.com", "-password", "secret", "-db", dbPath}

	err := run(args, stdin, stdout, stderr)
	require.NoError(t, err, "first run should succeed")

	stdout.Reset()
	stderr.Reset()
	err = run(args, stdin, stdout, stderr)
	require.Error(t, err, "expected error on duplicate user")
	assert.Contains(t, err.Error(), "already exists")
}

func TestRun_MissingEmailFlag(t *testing.T) {
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	stdin := new(bytes.Buffer)

	args := []string{"-password", "secret"}
	err := run(args, stdin, stdout, stderr)
	require.Error(t, err, "expected error for missing email flag")
	assert.Contains(t, err.Error(), "missing required flags: email")
	assert.Contains(t, stdout.String(), "Usage:")
}

func TestRun_InteractivePassword(t *testing.T) {
	clearDBEnv(t)
	dbPath := filepath.Join(t.TempDir(), "test_interactive.db")
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)

	// Simulate user typing "interactive_secret" followed by newline
	stdin := bytes.NewBufferString("interactive_secret\n")

	args := []string{"-email", "interactive@x.com", "-db", dbPath}
	err := run(args, stdin, stdout, stderr)
	require.NoError(t, err)

	output := stdout.String()
	assert.Contains(t, output, "Password: ")
	assert.Contains(t, output, "User interactive@x.com created successfully")
}

func TestRun_InteractivePassword_Empty(t *testing.T) {
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	stdin := bytes.NewBufferString("\n")

	args := []string{"-email", "empty@x.com"}
	err := run(args, stdin, stdout, stderr)
	require.Error(t, err, "expected error for empty password")
	assert.Contains(t, err.Error(), "password cannot be empty")
}

func TestRun_EnvVarOverride(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test_env.db")
	t.Setenv("DB_DRIVER", "")
	t.Setenv("DB_DSN", dbPath)

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	stdin := new(bytes.Buffer)

	// Do not pass -db flag, let it use env var
	args := []string{"-email", "env@x.com", "-password", "secret"}
	err := run(args, stdin, stdout, stderr)
	require.NoError(t, err)
	assert.FileExists(t, dbPath)
}

func TestRun_UnsupportedDriver(t *testing.T) {
	clearDBEnv(t)
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	stdin := new(bytes.Buffer)

	args := []string{"-email", "x@x.com", "-password", "secret", "-driver", "oracle", "-db", "whatever"}
	err := run(args, stdin, stdout, stderr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open database")
}

func TestRun_InvalidDBPath(t *testing.T) {
	clearDBEnv(t)
	// Use a directory path as DB file path, which should fail
	tmpDir := t.TempDir()

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	stdin := new(bytes.Buffer)

	args := []string{"-email", "fail@x.com", "-password", "secret", "-db", tmpDir}
	err := run(args, stdin, stdout, stderr)
	require.Error(t, err, "expected error for invalid db path")
	assert.Contains(t, err.Error(), "failed to open database")
}

func TestRun_InvalidFlag(t *testing.T) {
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	stdin := new(bytes.Buffer)

	args := []string{"-invalid"}
	err := run(args, stdin, stdout, stderr)
	require.Error(t, err, "expected error for invalid flag")
	assert.Contains(t, err.Error(), "flag provided but not defined")
}

func storedHash(t *testing.T, dbPath, email string) string {
	t.Helper()
	db, err := storage.NewDB(dbPath)
	require.NoError(t, err)
	defer db.Close()

	user, err := db.FindUserByEmail(context.Background(), email)
	require.NoError(t, err)
	return user.PasswordHash
}

func TestRun_IterationsFromEnv(t *testing.T) {
	clearDBEnv(t)
	dbPath := filepath.Join(t.TempDir(), "test_iterations.db")

	args := []string{"-email", "rounds@x.com", "-password", "secret", "-db", dbPath}
	require.NoError(t, run(args, new(bytes.Buffer), new(bytes.Buffer), new(bytes.Buffer)))

	hash := storedHash(t, dbPath, "rounds@x.com")
	assert.True(t, strings.HasPrefix(hash, "pbkdf2:sha1:1000$"), "hash: %s", hash)
	assert.True(t, auth.CheckPassword("secret", hash))
}

func TestRun_IterationsFlagWins(t *testing.T) {
	clearDBEnv(t)
	dbPath := filepath.Join(t.TempDir(), "test_iterations_flag.db")

	args := []string{"-email", "flag@x.com", "-password", "secret", "-db", dbPath, "-iterations", "2000"}
	require.NoError(t, run(args, new(bytes.Buffer), new(bytes.Buffer), new(bytes.Buffer)))

	assert.True(t, strings.HasPrefix(storedHash(t, dbPath, "flag@x.com"), "pbkdf2:sha1:2000$"))
}

func TestRun_InvalidIterations(t *testing.T) {
	clearDBEnv(t)
	dbPath := filepath.Join(t.TempDir(), "test_bad_iterations.db")

	t.Setenv("PBKDF2_ITERATIONS", "many")
	args := []string{"-email", "bad@x.com", "-password", "secret", "-db", dbPath}
	err := run(args, new(bytes.Buffer), new(bytes.Buffer), new(bytes.Buffer))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid PBKDF2_ITERATIONS")

	t.Setenv("PBKDF2_ITERATIONS", "")
	err = run(append(args, "-iterations", "-5"), new(bytes.Buffer), new(bytes.Buffer), new(bytes.Buffer))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "iterations must be positive")
}
