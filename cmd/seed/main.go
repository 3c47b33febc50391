package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/AfshinJalili/artvault/libs/auth"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	artistID = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	adminID  = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

func main() {
	env := getEnv("ARTVAULT_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: ARTVAULT_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	db := getEnv("POSTGRES_DB", "artvault")
	user := getEnv("POSTGRES_USER", "artvault")
	password := getEnv("POSTGRES_PASSWORD", "artvault")
	sslmode := getEnv("POSTGRES_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, db, sslmode)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fmt.Println("Seeding database...")

	if err := seedAccounts(ctx, pool); err != nil {
		log.Fatalf("seed accounts: %v", err)
	}
	fmt.Println("✓ Accounts seeded")

	if os.Getenv("SEED_TESTDATA") == "1" {
		if err := seedTestData(ctx, pool); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Flagged test accounts seeded")
	}

	fmt.Println("\n=== Seed Complete ===")

	secret := os.Getenv("ARTVAULT_JWT_SECRET")
	if env == "dev" && secret != "" {
		now := time.Now()
		artistToken, err := auth.SignJWT(artistID.String(), []string{"artist"}, []byte(secret), 24*time.Hour, now)
		if err != nil {
			log.Fatalf("sign artist token: %v", err)
		}
		adminToken, err := auth.SignJWT(adminID.String(), []string{"artist", getEnv("ABUSE_ADMIN_ROLE", "admin")}, []byte(secret), 24*time.Hour, now)
		if err != nil {
			log.Fatalf("sign admin token: %v", err)
		}
		fmt.Println("\nTokens (DEV ONLY, 24h):")
		fmt.Printf("  artist: %s\n", artistToken)
		fmt.Printf("  admin:  %s\n", adminToken)
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func upsertAccount(ctx context.Context, pool *pgxpool.Pool, id uuid.UUID, name, status string, now time.Time) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO accounts (id, display_name, status, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    status = EXCLUDED.status,
		    updated_at = EXCLUDED.updated_at
	`, id, name, status, now)
	return err
}

func seedAccounts(ctx context.Context, pool *pgxpool.Pool) error {
	now := time.Now()
	if err := upsertAccount(ctx, pool, artistID, "Demo Artist", "active", now); err != nil {
		return fmt.Errorf("artist: %w", err)
	}
	if err := upsertAccount(ctx, pool, adminID, "Gallery Admin", "active", now); err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	return nil
}
