// Package attachment stores item photos as {item, photo} documents in the
// namespace's files database, the photo base64-encoded.
package attachment

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/roach88/dehc/internal/docstore"
	"github.com/roach88/dehc/internal/document"
)

// Photo document fields.
const (
	FieldItem  = "item"
	FieldPhoto = "photo"
)

// Photo is one stored photo in its encoded form.
type Photo struct {
	Item    string
	Encoded string
}

// Store reads and writes photos.
type Store struct {
	store  *docstore.Store
	db     string
	logger *slog.Logger
}

// New creates a photo store over filesDB.
func New(store *docstore.Store, filesDB string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{store: store, db: filesDB, logger: logger}
}

// Save stores image as the photo of item, replacing any earlier one.
func (s *Store) Save(ctx context.Context, item string, image []byte) error {
	return s.SaveEncoded(ctx, item, base64.StdEncoding.EncodeToString(image))
}

// SaveEncoded stores an already base64-encoded photo.
func (s *Store) SaveEncoded(ctx context.Context, item, encoded string) error {
	if item == "" {
		return fmt.Errorf("save photo: item is required")
	}
	if _, err := base64.StdEncoding.DecodeString(encoded); err != nil {
		return fmt.Errorf("save photo of %s: invalid base64: %w", item, err)
	}

	existing, err := s.find(ctx, item)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		_, _, err := s.store.Create(ctx, s.db, document.Doc{FieldItem: item, FieldPhoto: encoded}, "")
		if err != nil {
			return fmt.Errorf("save photo of %s: %w", item, err)
		}
		return nil
	}

	doc := existing[0]
	doc[FieldPhoto] = encoded
	if _, err := s.store.Edit(ctx, s.db, doc, "", false); err != nil {
		return fmt.Errorf("save photo of %s: %w", item, err)
	}
	for _, extra := range existing[1:] {
		s.logger.Warn("removing extra photo document", "item", item, "doc", extra.ID())
		if _, err := s.store.Delete(ctx, s.db, extra.ID(), extra.Rev(), true); err != nil {
			return fmt.Errorf("save photo of %s: %w", item, err)
		}
	}
	return nil
}

// Load returns the photo bytes of item. ok is false when the item has no
// photo; that is not an error.
func (s *Store) Load(ctx context.Context, item string) (image []byte, ok bool, err error) {
	encoded, ok, err := s.LoadEncoded(ctx, item)
	if err != nil || !ok {
		return nil, ok, err
	}
	image, err = base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, fmt.Errorf("load photo of %s: %w", item, err)
	}
	return image, true, nil
}

// LoadEncoded returns the base64 photo of item. ok is false when the item
// has no photo.
func (s *Store) LoadEncoded(ctx context.Context, item string) (string, bool, error) {
	docs, err := s.find(ctx, item)
	if err != nil {
		return "", false, err
	}
	for _, d := range docs {
		if encoded := d.Str(FieldPhoto); encoded != "" {
			return encoded, true, nil
		}
	}
	return "", false, nil
}

// Delete removes the photo of item. A missing photo is not an error.
func (s *Store) Delete(ctx context.Context, item string) error {
	docs, err := s.find(ctx, item)
	if err != nil {
		return err
	}
	for _, d := range docs {
		if _, err := s.store.Delete(ctx, s.db, d.ID(), d.Rev(), true); err != nil {
			return fmt.Errorf("delete photo of %s: %w", item, err)
		}
	}
	return nil
}

// All returns every stored photo ordered by document id.
func (s *Store) All(ctx context.Context) ([]Photo, error) {
	docs, err := s.store.All(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("photos: %w", err)
	}
	out := make([]Photo, 0, len(docs))
	for _, d := range docs {
		if d.Str(FieldPhoto) == "" {
			continue
		}
		out = append(out, Photo{Item: d.Str(FieldItem), Encoded: d.Str(FieldPhoto)})
	}
	return out, nil
}

func (s *Store) find(ctx context.Context, item string) ([]document.Doc, error) {
	docs, err := s.store.Query(ctx, s.db, docstore.Eq{Field: FieldItem, Value: item})
	if err != nil {
		return nil, fmt.Errorf("photo of %s: %w", item, err)
	}
	return docs, nil
}
