package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/clinicus/clinicus-backend/internal/config"
	"github.com/clinicus/clinicus-backend/internal/database"
	"github.com/clinicus/clinicus-backend/internal/logger"
	"github.com/clinicus/clinicus-backend/internal/model"
	"github.com/clinicus/clinicus-backend/internal/repository"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

func main() {
	role := flag.String("role", string(model.RoleFaculty), "account role: student or faculty")
	reset := flag.Bool("reset", false, "replace the password when the email is already registered")
	flag.Parse()

	if !model.Role(*role).Valid() {
		fmt.Printf("Error: unknown role %q\n", *role)
		os.Exit(2)
	}

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	users := repository.NewUserRepository(pool)

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)

	fmt.Printf("=== Create New User (%s) ===\n", *role)

	fmt.Print("Enter Name: ")
	name, _ := reader.ReadString('\n')
	name = strings.TrimSpace(name)
	if name == "" {
		fmt.Println("Error: Name is required")
		return
	}

	fmt.Print("Enter Email: ")
	email, _ := reader.ReadString('\n')
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		fmt.Println("Error: a valid email is required")
		return
	}

	fmt.Print("Enter Password: ")
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		fmt.Println("\nError reading password")
		return
	}
	password := string(bytePassword)
	fmt.Println()
	if len(password) < 6 {
		fmt.Println("Error: Password must be at least 6 characters")
		return
	}

	// ─── Logic ─────────────────────────────────────────────────────────
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), cfg.BcryptCost)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to hash password")
	}

	user := &model.User{
		Email:        email,
		Name:         name,
		Role:         model.Role(*role),
		PasswordHash: string(hashedPassword),
	}

	if err := users.Create(ctx, user); err != nil {
		if !errors.Is(err, repository.ErrDuplicateEmail) {
			log.Fatal().Err(err).Msg("Failed to create user")
		}
		if !*reset {
			fmt.Printf("Error: %s is already registered (use -reset to replace the password)\n", email)
			return
		}
		existing, err := users.GetByEmail(ctx, email)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load existing user")
		}
		if err := users.UpdatePassword(ctx, existing.ID, user.PasswordHash); err != nil {
			log.Fatal().Err(err).Msg("Failed to update password")
		}
		fmt.Printf("\nSuccess! Password of '%s' (%s) replaced\n", existing.Name, existing.Email)
		return
	}

	fmt.Printf("\nSuccess! %s '%s' (%s) created with ID: %d\n", user.Role, user.Name, user.Email, user.ID)
}
