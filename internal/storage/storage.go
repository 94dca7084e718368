package storage

import (
	"context"
	"errors"

	"github.com/xaenox/nostrchan/internal/models"
)

var ErrNotFound = errors.New("persona not found")

// Storage persists personas. Implementations must keep pubkeys unique and
// never hard-delete rows.
type Storage interface {
	// InsertIfAbsent stores the persona unless its pubkey already exists.
	// It reports whether a new row was created.
	InsertIfAbsent(ctx context.Context, persona *models.Persona) (bool, error)
	SelectEnabled(ctx context.Context) ([]*models.Persona, error)
	GetPersona(ctx context.Context, pubkey string) (*models.Persona, error)
	SetStatus(ctx context.Context, pubkey string, status models.PersonaStatus) error
	UpdateContent(ctx context.Context, pubkey string, content string) error
	Close() error
}
