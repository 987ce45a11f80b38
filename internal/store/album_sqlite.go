package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/virasat-app/virasat/internal/models"
)

var _ AlbumRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) GetAlbum(id string) (*models.Album, error) {
	row := s.db.QueryRow(
		`SELECT id, title, description, price_paise, cover_url, active, created_at, updated_at
		 FROM albums WHERE id = ?`, id,
	)
	album, err := scanAlbum(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrAlbumNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetAlbum failed", "error", err, "albumID", id)
		return nil, fmt.Errorf("failed to get album: %w", err)
	}
	questions, err := s.loadAlbumQuestions(id)
	if err != nil {
		return nil, err
	}
	album.Questions = questions
	return &album, nil
}

func (s *SQLiteStore) ListAlbums() ([]models.Album, error) {
	rows, err := s.db.Query(
		`SELECT id, title, description, price_paise, cover_url, active, created_at, updated_at
		 FROM albums ORDER BY created_at ASC`,
	)
	if err != nil {
		slog.Error("SQLiteStore ListAlbums query failed", "error", err)
		return nil, fmt.Errorf("failed to query albums: %w", err)
	}
	defer rows.Close()

	var albums []models.Album
	for rows.Next() {
		a, err := scanAlbum(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan album row: %w", err)
		}
		albums = append(albums, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate album rows: %w", err)
	}
	for i := range albums {
		questions, err := s.loadAlbumQuestions(albums[i].ID)
		if err != nil {
			return nil, err
		}
		albums[i].Questions = questions
	}
	return albums, nil
}

// UpsertAlbum replaces the album row and its full question list in one
// transaction so readers never observe a partially updated question set.
func (s *SQLiteStore) UpsertAlbum(a *models.Album) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin album upsert: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	_, err = tx.Exec(
		`INSERT INTO albums (id, title, description, price_paise, cover_url, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   title = excluded.title, description = excluded.description,
		   price_paise = excluded.price_paise, cover_url = excluded.cover_url,
		   active = excluded.active, updated_at = excluded.updated_at`,
		a.ID, a.Title, nilIfEmpty(a.Description), a.PricePaise, nilIfEmpty(a.CoverURL),
		a.Active, a.CreatedAt, now,
	)
	if err != nil {
		slog.Error("SQLiteStore UpsertAlbum failed", "error", err, "albumID", a.ID)
		return fmt.Errorf("failed to upsert album: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM album_questions WHERE album_id = ?`, a.ID); err != nil {
		return fmt.Errorf("failed to clear album questions: %w", err)
	}
	for _, q := range a.Questions {
		_, err := tx.Exec(
			`INSERT INTO album_questions (album_id, position, text_en, text_hn) VALUES (?, ?, ?, ?)`,
			a.ID, q.Position, q.TextEN, nilIfEmpty(q.TextHN),
		)
		if err != nil {
			return fmt.Errorf("failed to insert album question %d: %w", q.Position, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit album upsert: %w", err)
	}
	slog.Debug("SQLiteStore UpsertAlbum succeeded", "albumID", a.ID, "questions", len(a.Questions))
	return nil
}

func (s *SQLiteStore) loadAlbumQuestions(albumID string) ([]models.AlbumQuestion, error) {
	rows, err := s.db.Query(
		`SELECT position, text_en, text_hn FROM album_questions
		 WHERE album_id = ? ORDER BY position ASC`, albumID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query album questions: %w", err)
	}
	defer rows.Close()

	var questions []models.AlbumQuestion
	for rows.Next() {
		var q models.AlbumQuestion
		var textHN sql.NullString
		if err := rows.Scan(&q.Position, &q.TextEN, &textHN); err != nil {
			return nil, fmt.Errorf("failed to scan album question row: %w", err)
		}
		q.TextHN = textHN.String
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate album question rows: %w", err)
	}
	return questions, nil
}
