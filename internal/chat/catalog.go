package chat

import (
	"context"
	"fmt"

	"github.com/matheus3301/dealroom/internal/conversation"
)

// Subject is a listing as the catalog knows it.
type Subject struct {
	ID         string
	OwnerID    string
	Title      string
	PriceCents int64
}

// Catalog resolves listings. Lookup returns ErrNotFound for unknown subjects.
type Catalog interface {
	Lookup(ctx context.Context, subjectID string) (Subject, error)
}

// StaticCatalog is a fixed directory, usually loaded from the server config.
type StaticCatalog map[string]Subject

// NewStaticCatalog indexes subjects by id.
func NewStaticCatalog(subjects []Subject) StaticCatalog {
	c := make(StaticCatalog, len(subjects))
	for _, s := range subjects {
		c[s.ID] = s
	}
	return c
}

func (c StaticCatalog) Lookup(_ context.Context, subjectID string) (Subject, error) {
	s, ok := c[subjectID]
	if !ok {
		return Subject{}, fmt.Errorf("%w: subject %s", conversation.ErrNotFound, subjectID)
	}
	return s, nil
}
