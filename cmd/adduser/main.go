package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"expense-backend/internal/apperrors"
	"expense-backend/internal/auth"
	"expense-backend/internal/storage"

	"golang.org/x/term"
)

const defaultDBPath = "expenses.db"

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("adduser", flag.ContinueOnError)
	fs.SetOutput(stderr)

	email := fs.String("email", "", "Email address of the new user")
	passwordFlag := fs.String("password", "", "Password (optional, will prompt if omitted)")
	driver := fs.String("driver", storage.DriverSQLite, "Database driver: sqlite, mysql or postgres")
	dsn := fs.String("db", defaultDBPath, "Database file path or DSN")
	iterations := fs.Int("iterations", 0, "PBKDF2 rounds (defaults to PBKDF2_ITERATIONS, then 600000)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if strings.TrimSpace(*email) == "" {
		fmt.Fprintln(stdout, "Usage: adduser -email <email> [-password <password>] [-driver <driver>] [-db <dsn>]")
		fs.PrintDefaults()
		return fmt.Errorf("missing required flags: email")
	}
	*email = strings.TrimSpace(*email)

	password := *passwordFlag
	if password == "" {
		fmt.Fprint(stdout, "Password: ")
		var err error
		password, err = readPassword(stdin)
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(stdout) // Print newline after password input
	}

	if strings.TrimSpace(password) == "" {
		return fmt.Errorf("password cannot be empty")
	}

	// Environment overrides apply only when the flags keep their defaults.
	if env := os.Getenv("DB_DRIVER"); env != "" && *driver == storage.DriverSQLite {
		*driver = env
	}
	if env := os.Getenv("DB_DSN"); env != "" && *dsn == defaultDBPath {
		*dsn = env
	}
	rounds, err := hashIterations(*iterations)
	if err != nil {
		return err
	}

	ctx := context.Background()
	db, err := storage.Open(ctx, *driver, *dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	// Check if user already exists
	if _, err := db.FindUserByEmail(ctx, *email); err == nil {
		return fmt.Errorf("user %s already exists", *email)
	} else if !apperrors.Is(err, apperrors.ErrNotFound) {
		return fmt.Errorf("failed to look up user: %w", err)
	}

	hash, err := auth.NewHasher(rounds, auth.DefaultSaltLength).Hash(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := db.InsertUser(ctx, *email, hash)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrConflict) {
			return fmt.Errorf("user %s already exists", *email)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	fmt.Fprintf(stdout, "User %s created successfully with ID %d\n", user.Email, user.ID)
	return nil
}

// hashIterations matches the server's round count so both hash the same way.
func hashIterations(flagValue int) (int, error) {
	if flagValue < 0 {
		return 0, errors.New("iterations must be positive")
	}
	if flagValue > 0 {
		return flagValue, nil
	}
	env := os.Getenv("PBKDF2_ITERATIONS")
	if env == "" {
		return auth.DefaultIterations, nil
	}
	n, err := strconv.Atoi(env)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid PBKDF2_ITERATIONS %q", env)
	}
	return n, nil
}

func readPassword(stdin io.Reader) (string, error) {
	// Check if stdin is a terminal
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		bytePassword, err := term.ReadPassword(int(f.Fd()))
		if err != nil {
			return "", err
		}
		return string(bytePassword), nil
	}

	// Fallback for non-terminal (e.g. tests, pipes)
	scanner := bufio.NewScanner(stdin)
	if scanner.Scan() {
		return scanner.Text(), nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", errors.New("no password provided")
}
