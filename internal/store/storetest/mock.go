// Package storetest provides test doubles for the store package.
package storetest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/raaihank/phi-sentinel/internal/store"
)

// MockStore is a testify mock implementing store.DataStore.
// Schema, when set, qualifies the names returned by TableName.
type MockStore struct {
	mock.Mock
	Schema string
}

var _ store.DataStore = (*MockStore)(nil)

func (m *MockStore) Connect(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockStore) Disconnect() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockStore) GetTables(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if tables := args.Get(0); tables != nil {
		return tables.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) GetColumns(ctx context.Context, table string) ([]store.Column, error) {
	args := m.Called(ctx, table)
	if columns := args.Get(0); columns != nil {
		return columns.([]store.Column), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) GetPrimaryKeys(ctx context.Context, table string) ([]string, error) {
	args := m.Called(ctx, table)
	if keys := args.Get(0); keys != nil {
		return keys.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

// ExecuteQuery records the query text; bind arguments are not matched.
func (m *MockStore) ExecuteQuery(ctx context.Context, query string, params ...any) (*store.Table, error) {
	args := m.Called(ctx, query)
	if table := args.Get(0); table != nil {
		return table.(*store.Table), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) TableName(table string) string {
	return store.QualifiedName(m.Schema, table)
}

// Rows builds a store.Table for expectations
func Rows(columns []string, rows ...[]any) *store.Table {
	return &store.Table{Columns: columns, Rows: rows}
}
