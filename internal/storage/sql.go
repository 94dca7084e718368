package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xaenox/nostrchan/internal/models"
	"go.uber.org/zap"
)

const personaColumns = `id, status, prompt, pubkey, secretkey, content, created_at, updated_at`

// sqlStorage holds the dialect-neutral persona queries. Queries are written
// with '?' placeholders and rewritten by rebind for the target driver.
type sqlStorage struct {
	db     *sql.DB
	rebind func(string) string
	now    func() time.Time
	logger *zap.Logger
}

func (s *sqlStorage) InsertIfAbsent(ctx context.Context, persona *models.Persona) (bool, error) {
	created := false
	err := WithTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		var id int64
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT id FROM personas WHERE pubkey = ?`), persona.PubKey).Scan(&id)
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("error looking up persona: %w", err)
		}

		now := s.now().Unix()
		_, err = tx.ExecContext(ctx,
			s.rebind(`INSERT INTO personas (status, prompt, pubkey, secretkey, content, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			int(persona.Status), persona.Prompt, persona.PubKey, persona.SecretKey, persona.Content, now, now,
		)
		if err != nil {
			return fmt.Errorf("error inserting persona: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to insert persona",
			zap.Error(err),
			zap.String("pubkey", persona.PubKey))
		return false, err
	}
	return created, nil
}

func (s *sqlStorage) SelectEnabled(ctx context.Context) ([]*models.Persona, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+personaColumns+` FROM personas WHERE status = ? ORDER BY id`),
		int(models.StatusEnabled))
	if err != nil {
		return nil, fmt.Errorf("error querying personas: %w", err)
	}
	defer rows.Close()

	var personas []*models.Persona
	for rows.Next() {
		persona, err := scanPersona(rows)
		if err != nil {
			return nil, err
		}
		personas = append(personas, persona)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating personas: %w", err)
	}
	return personas, nil
}

func (s *sqlStorage) GetPersona(ctx context.Context, pubkey string) (*models.Persona, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+personaColumns+` FROM personas WHERE pubkey = ?`), pubkey)
	persona, err := scanPersona(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return persona, err
}

func (s *sqlStorage) SetStatus(ctx context.Context, pubkey string, status models.PersonaStatus) error {
	return s.update(ctx, `UPDATE personas SET status = ?, updated_at = ? WHERE pubkey = ?`,
		int(status), s.now().Unix(), pubkey)
}

func (s *sqlStorage) UpdateContent(ctx context.Context, pubkey string, content string) error {
	return s.update(ctx, `UPDATE personas SET content = ?, updated_at = ? WHERE pubkey = ?`,
		content, s.now().Unix(), pubkey)
}

func (s *sqlStorage) update(ctx context.Context, query string, args ...any) error {
	err := WithTx(ctx, s.db, func(ctx context.Context, tx DBTX) error {
		result, err := tx.ExecContext(ctx, s.rebind(query), args...)
		if err != nil {
			return fmt.Errorf("error updating persona: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("error getting rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Error("Failed to update persona", zap.Error(err))
	}
	return err
}

func (s *sqlStorage) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPersona(row scanner) (*models.Persona, error) {
	var (
		persona          models.Persona
		status           int
		created, updated int64
	)
	err := row.Scan(
		&persona.ID,
		&status,
		&persona.Prompt,
		&persona.PubKey,
		&persona.SecretKey,
		&persona.Content,
		&created,
		&updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("error scanning persona: %w", err)
	}
	persona.Status = models.PersonaStatus(status)
	persona.CreatedAt = time.Unix(created, 0)
	persona.UpdatedAt = time.Unix(updated, 0)
	return &persona, nil
}

// dollarPlaceholders rewrites '?' placeholders into PostgreSQL's $n form.
func dollarPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func questionPlaceholders(query string) string {
	return query
}
