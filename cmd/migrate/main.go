package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/marketplace/chat-backend/internal/config"
	"github.com/marketplace/chat-backend/internal/database"
	"github.com/sirupsen/logrus"

	_ "github.com/lib/pq" // PostgreSQL driver
)

func main() {
	var action = flag.String("action", "up", "Migration action: up, down, version, status, goto, force")
	var version = flag.Int("version", 0, "Target version for goto/force")
	flag.Parse()

	_ = godotenv.Load()

	if err := config.LoadConfig(); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := config.GetAppConfig()

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	manager, err := database.NewMigrationManager(db, cfg.Database.MigrationsPath, logger)
	if err != nil {
		log.Fatalf("Failed to create migration manager: %v", err)
	}
	defer manager.Close()

	switch *action {
	case "up":
		if err := manager.Up(); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}

	case "down":
		if err := manager.Down(); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}

	case "version", "status":
		current, dirty, err := manager.Version()
		if err != nil {
			log.Fatalf("Failed to get version: %v", err)
		}
		fmt.Printf("Current version: %d", current)
		if dirty {
			fmt.Printf(" (dirty - manual intervention required)")
		}
		fmt.Println()

		if *action == "status" && !dirty {
			pending, err := manager.Pending()
			if err != nil {
				log.Fatalf("Failed to check pending migrations: %v", err)
			}
			if pending {
				fmt.Println("Status: Pending migrations available")
			} else {
				fmt.Println("Status: All migrations applied")
			}
		}

	case "goto":
		if *version <= 0 {
			log.Fatal("Version must be specified for goto action")
		}
		if err := manager.Goto(uint(*version)); err != nil {
			log.Fatalf("Migration to version %d failed: %v", *version, err)
		}

	case "force":
		if *version <= 0 {
			log.Fatal("Version must be specified for force action")
		}
		if err := manager.ForceVersion(uint(*version)); err != nil {
			log.Fatalf("Force version failed: %v", err)
		}

	default:
		fmt.Printf("Unknown action: %s\n", *action)
		fmt.Println("Available actions: up, down, version, status, goto, force")
		os.Exit(1)
	}
}
