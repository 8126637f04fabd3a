// Package main implements a one-shot seed command that creates a user directly
// in the Taskwire database, plus optionally a first enrolled device. It lives
// inside the server module so it can access internal/* packages.
//
// Usage:
//
//	go run ./cmd/seed \
//	  --email admin@test.com \
//	  --password secret \
//	  --name "Admin User" \
//	  --role admin \
//	  --device "workstation"
//
// Environment variables:
//
//	TASKWIRE_DB_DRIVER   sqlite or postgres (default: sqlite)
//	TASKWIRE_DB_DSN      SQLite file path or Postgres DSN (default: ./taskwire.db)
//	TASKWIRE_SECRET_KEY  Master encryption key — must match the value used by the server
//	TASKWIRE_AGENT_KEYS  Agent key set JSON — required with --device so the printed
//	                     token verifies against the server's keyring
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/taskwire-io/taskwire/internal/auth"
	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/repositories"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ─── Flags ────────────────────────────────────────────────────────────────

	email := flag.String("email", "", "User email (required)")
	password := flag.String("password", "", "Plain-text password (required)")
	name := flag.String("name", "Admin User", "Display name")
	role := flag.String("role", "admin", "Role: admin or user")
	device := flag.String("device", "", "Also enroll a device with this name and print its channel token")
	flag.Parse()

	if *email == "" {
		return fmt.Errorf("--email is required")
	}
	if *password == "" {
		return fmt.Errorf("--password is required")
	}
	if *role != "admin" && *role != "user" {
		return fmt.Errorf("--role must be 'admin' or 'user'")
	}

	// ─── Config ───────────────────────────────────────────────────────────────

	driver := envOrDefault("TASKWIRE_DB_DRIVER", "sqlite")
	dsn := envOrDefault("TASKWIRE_DB_DSN", "./taskwire.db")

	secretKey := os.Getenv("TASKWIRE_SECRET_KEY")
	if secretKey == "" {
		return fmt.Errorf(
			"TASKWIRE_SECRET_KEY is not set\n" +
				"  Set it to the same value used by the server, otherwise the\n" +
				"  encrypted password will be unreadable at login time.",
		)
	}

	// ─── Encryption ───────────────────────────────────────────────────────────

	// InitEncryption must be called before any DB operation so that
	// EncryptedString fields are encoded correctly on write.
	if err := db.InitEncryption([]byte(secretKey)); err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	// ─── Database ─────────────────────────────────────────────────────────────

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   driver,
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// ─── Hash password ────────────────────────────────────────────────────────

	hashed, err := auth.HashPassword(*password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	// ─── Create user ──────────────────────────────────────────────────────────

	userRepo := repositories.NewUserRepository(database)

	user := &db.User{
		Email:       *email,
		DisplayName: *name,
		Password:    db.EncryptedString(hashed),
		Role:        *role,
		IsActive:    true,
	}

	if err := userRepo.Create(context.Background(), user); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return fmt.Errorf("a user with email %q already exists", *email)
		}
		return fmt.Errorf("create user: %w", err)
	}

	fmt.Printf("✓ User created\n")
	fmt.Printf("  ID:    %s\n", user.ID)
	fmt.Printf("  Email: %s\n", user.Email)
	fmt.Printf("  Name:  %s\n", user.DisplayName)
	fmt.Printf("  Role:  %s\n", user.Role)

	if *device == "" {
		return nil
	}

	// ─── Enroll device ────────────────────────────────────────────────────────

	rawKeys := os.Getenv("TASKWIRE_AGENT_KEYS")
	if rawKeys == "" {
		return fmt.Errorf(
			"TASKWIRE_AGENT_KEYS is not set\n" +
				"  --device mints a channel token, which only verifies if it is\n" +
				"  signed with the same key set the server is configured with.",
		)
	}
	keys, err := auth.ParseKeySet(rawKeys)
	if err != nil {
		return fmt.Errorf("parse agent key set: %w", err)
	}

	// Only the key set matters for agent tokens; the access secret is
	// generated and discarded with the process.
	manager, err := auth.NewTokenManagerGenerated(keys, "taskwire")
	if err != nil {
		return fmt.Errorf("create token manager: %w", err)
	}

	agentRepo := repositories.NewAgentRepository(database)

	agent := &db.Agent{
		OwnerID: user.ID,
		Name:    *device,
		Status:  "offline",
	}
	if err := agentRepo.Create(context.Background(), agent); err != nil {
		return fmt.Errorf("create device: %w", err)
	}

	token, _, err := manager.GenerateAgentToken(agent.ID)
	if err != nil {
		return fmt.Errorf("generate channel token: %w", err)
	}

	fmt.Printf("✓ Device enrolled\n")
	fmt.Printf("  ID:    %s\n", agent.ID)
	fmt.Printf("  Name:  %s\n", agent.Name)
	fmt.Printf("  Token: %s\n", token)
	fmt.Printf("  Connect: ws://localhost:8080/ws/agent?token=<token>\n")

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
