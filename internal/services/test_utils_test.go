//go:build integration

package services

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"packplanner/internal/config"
	"packplanner/internal/database"
	"packplanner/internal/models"
	"packplanner/internal/observability"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

// SharedTestDBSetup provides a clean database for each integration test
func SharedTestDBSetup(t *testing.T) *sql.DB {
	observabilityLogger := observability.NewLogger(&config.OpenTelemetryConfig{EnableLogging: false})
	dbManager := database.NewManager(observabilityLogger)

	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Fatal("TEST_DATABASE_URL environment variable must be set for integration tests")
	}

	db, err := dbManager.InitDB(context.Background(), databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	CleanupTestDatabase(db, t)
	return db
}

// cleanupDatabase truncates every planner table and resets the question ids
func cleanupDatabase(db *sql.DB, logger *observability.Logger) {
	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		if logger != nil {
			logger.Error(ctx, "Failed to begin cleanup transaction", err, nil)
		}
		return
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	cleanupQueries := []string{
		"TRUNCATE TABLE session_summaries CASCADE",
		"TRUNCATE TABLE concept_alias_maps CASCADE",
		"TRUNCATE TABLE session_pack_plans CASCADE",
		"TRUNCATE TABLE attempt_events CASCADE",
		"TRUNCATE TABLE questions RESTART IDENTITY CASCADE",
	}
	for _, query := range cleanupQueries {
		if _, execErr := tx.ExecContext(ctx, query); execErr != nil && logger != nil {
			logger.Warn(ctx, "Could not execute cleanup query", map[string]interface{}{
				"query": query,
			})
		}
	}

	err = tx.Commit()
	if err != nil && logger != nil {
		logger.Error(ctx, "Failed to commit cleanup transaction", err, nil)
	}
}

// CleanupTestDatabase cleans up the database for integration tests
func CleanupTestDatabase(db *sql.DB, t *testing.T) {
	cleanupDatabase(db, nil)
}

// insertQuestions writes questions and returns them with their assigned ids
func insertQuestions(t *testing.T, db *sql.DB, questions []models.Question) []models.Question {
	t.Helper()
	out := make([]models.Question, 0, len(questions))
	for _, q := range questions {
		err := db.QueryRow(`
			INSERT INTO questions (stem, options, answer, difficulty_band, subcategory, type_of_question,
				core_concepts, pyq_frequency_score, is_active)
			VALUES ($1, '["a","b","c","d"]'::jsonb, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
			q.Stem, q.Answer, string(q.DifficultyBand), q.Subcategory, q.TypeOfQuestion,
			pq.Array(q.CoreConcepts), q.PYQFrequencyScore, q.IsActive,
		).Scan(&q.ID)
		require.NoError(t, err)
		out = append(out, q)
	}
	return out
}

// seedStandardCatalog inserts n questions per band with two PYQ >= 1.5 items per band
func seedStandardCatalog(t *testing.T, db *sql.DB, n int) []models.Question {
	t.Helper()
	var all []models.Question
	for _, band := range models.Bands {
		all = append(all, generateQuestions(catalogSpec{
			band:  band,
			n:     n,
			pyqAt: map[int]float64{0: 1.8, 1: 1.6, 2: 1.2},
		})...)
	}
	return insertQuestions(t, db, all)
}
