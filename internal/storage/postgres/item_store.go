package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/items-api/internal/items"
)

const (
	listItemsSQL  = `SELECT id, name FROM items ORDER BY id`
	insertItemSQL = `INSERT INTO items (name) VALUES ($1) RETURNING id`
)

// ItemStore implements items.Store on top of a Gateway. Every call holds a
// session for exactly one statement plus its commit.
type ItemStore struct {
	gw *Gateway
}

// NewItemStore binds the store to gw.
func NewItemStore(gw *Gateway) *ItemStore {
	return &ItemStore{gw: gw}
}

// List returns every item ordered by id ascending.
func (s *ItemStore) List(ctx context.Context) ([]items.Item, error) {
	out := []items.Item{}
	err := s.gw.WithSession(ctx, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, listItemsSQL)
		if err != nil {
			return fmt.Errorf("%w: list items: %w", items.ErrStoreUnavailable, err)
		}
		defer rows.Close()
		for rows.Next() {
			var it items.Item
			if err := rows.Scan(&it.ID, &it.Name); err != nil {
				return fmt.Errorf("%w: scan item: %w", items.ErrStoreUnavailable, err)
			}
			out = append(out, it)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("%w: iterate items: %w", items.ErrStoreUnavailable, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Insert adds one row and returns it with the id the store assigned.
func (s *ItemStore) Insert(ctx context.Context, name string) (items.Item, error) {
	item := items.Item{Name: name}
	err := s.gw.WithSession(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, insertItemSQL, name).Scan(&item.ID); err != nil {
			return fmt.Errorf("%w: insert item: %w", items.ErrStoreUnavailable, err)
		}
		return nil
	})
	if err != nil {
		return items.Item{}, err
	}
	return item, nil
}
