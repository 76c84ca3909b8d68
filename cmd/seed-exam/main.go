package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/clinicus/clinicus-backend/internal/config"
	"github.com/clinicus/clinicus-backend/internal/database"
	"github.com/clinicus/clinicus-backend/internal/exam"
	"github.com/clinicus/clinicus-backend/internal/logger"
	"github.com/clinicus/clinicus-backend/internal/model"
	"github.com/clinicus/clinicus-backend/internal/repository"
	"github.com/clinicus/clinicus-backend/internal/service"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	file := flag.String("file", "", "exam YAML file; the built-in case is used when empty")
	students := flag.Int("students", 0, "number of demo student accounts to create")
	password := flag.String("password", "clinicus123", "password for the demo students")
	list := flag.Bool("list", false, "print the tests already seeded and exit")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	test := exam.FallbackTest(cfg.TestID)
	if *file != "" {
		raw, err := os.ReadFile(*file)
		if err != nil {
			log.Fatal().Err(err).Str("file", *file).Msg("Failed to read exam file")
		}
		if test, err = exam.LoadTest(raw, cfg.TestID); err != nil {
			log.Fatal().Err(err).Str("file", *file).Msg("Invalid exam file")
		}
	}

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	testRepo := repository.NewTestRepository(pool)
	questionRepo := repository.NewQuestionRepository(pool)
	userRepo := repository.NewUserRepository(pool)

	if *list {
		tests, err := testRepo.List(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to list tests")
		}
		for _, t := range tests {
			fmt.Printf("%d\t%s\n", t.ID, t.Name)
		}
		return
	}

	fmt.Printf("=== Seeding test %d: %s ===\n", test.ID, test.Name)

	if err := testRepo.Upsert(ctx, test); err != nil {
		log.Fatal().Err(err).Msg("Failed to upsert test")
	}

	questions := 0
	for _, chunk := range test.CaseInfo {
		for i := range chunk.Questions {
			if err := questionRepo.Upsert(ctx, &chunk.Questions[i]); err != nil {
				log.Fatal().Err(err).Int("question_id", chunk.Questions[i].ID).Msg("Failed to upsert question")
			}
			questions++
		}
	}
	fmt.Printf("Upserted %d pages and %d questions\n", len(test.CaseInfo), questions)

	// Cached pages of the previous content would outlive the upsert.
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, page cache not invalidated")
	} else {
		defer rdb.Close()
		pages := service.NewPageService(testRepo, questionRepo, rdb, cfg.PageCacheTTL, log)
		if err := pages.Invalidate(ctx, test.ID, len(test.CaseInfo)); err != nil {
			log.Warn().Err(err).Msg("Failed to invalidate page cache")
		}
	}

	if *students <= 0 {
		fmt.Println("\nSeed completed!")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(*password), cfg.BcryptCost)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to hash password")
	}

	created := 0
	for i := 0; i < *students; i++ {
		u := &model.User{
			Email:        fmt.Sprintf("student%d@clinicus.local", i+1),
			Name:         fmt.Sprintf("Student %d", i+1),
			Role:         model.RoleStudent,
			PasswordHash: string(hash),
		}
		if err := userRepo.Create(ctx, u); err != nil {
			if errors.Is(err, repository.ErrDuplicateEmail) {
				continue
			}
			fmt.Printf("Error creating %s: %v\n", u.Email, err)
			continue
		}
		created++
		if created%10 == 0 {
			fmt.Printf("Created %d students...\n", created)
		}
	}

	total, err := userRepo.CountByRole(ctx, model.RoleStudent)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to count students")
	}
	fmt.Printf("\nSeed completed! Added %d/%d students (%d registered).\n", created, *students, total)
}
