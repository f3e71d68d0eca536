package items

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of the Store interface for testing.
type MockStore struct {
	mock.Mock
}

// List is the mock implementation of the List method.
func (m *MockStore) List(ctx context.Context) ([]Item, error) {
	args := m.Called(ctx)
	list, _ := args.Get(0).([]Item)
	return list, args.Error(1) //nolint:wrapcheck
}

// Insert is the mock implementation of the Insert method.
func (m *MockStore) Insert(ctx context.Context, name string) (Item, error) {
	args := m.Called(ctx, name)
	item, _ := args.Get(0).(Item)
	return item, args.Error(1) //nolint:wrapcheck
}
