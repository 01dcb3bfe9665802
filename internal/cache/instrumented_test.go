package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// mockStore is a mock implementation of Store for testing.
type mockStore[T any] struct {
	getValue T
	getFound bool
	err      error
	calls    map[string]int
}

func newMockStore[T any](value T, found bool, err error) *mockStore[T] {
	return &mockStore[T]{getValue: value, getFound: found, err: err, calls: map[string]int{}}
}

func (m *mockStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	m.calls["get"]++
	return m.getValue, m.getFound, m.err
}

func (m *mockStore[T]) Set(ctx context.Context, key string, value T) error {
	m.calls["set"]++
	return m.err
}

func (m *mockStore[T]) Invalidate(ctx context.Context, key string) error {
	m.calls["invalidate"]++
	return m.err
}

func (m *mockStore[T]) Close() error {
	m.calls["close"]++
	return m.err
}

func TestInstrumented_Get(t *testing.T) {
	storeErr := errors.New("store unavailable")

	tests := []struct {
		name      string
		value     string
		found     bool
		err       error
		wantValue string
	}{
		{name: "hit", value: `{"id":"7"}`, found: true, wantValue: `{"id":"7"}`},
		{name: "miss"},
		{name: "error", err: storeErr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockStore(tt.value, tt.found, tt.err)
			instrumented := NewInstrumented[string](mock, "memory")

			value, found, err := instrumented.Get(context.Background(), "sig-1")

			assert.Equal(t, tt.err, err)
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.wantValue, value)
			assert.Equal(t, 1, mock.calls["get"])
		})
	}
}

func TestInstrumented_Delegates(t *testing.T) {
	storeErr := errors.New("store unavailable")

	operations := map[string]func(i *Instrumented[string]) error{
		"set": func(i *Instrumented[string]) error {
			return i.Set(context.Background(), "sig-1", "payload")
		},
		"invalidate": func(i *Instrumented[string]) error {
			return i.Invalidate(context.Background(), "sig-1")
		},
		"close": func(i *Instrumented[string]) error {
			return i.Close()
		},
	}

	for name, op := range operations {
		t.Run(name, func(t *testing.T) {
			ok := newMockStore("", false, nil)
			assert.NoError(t, op(NewInstrumented[string](ok, "memory")))
			assert.Equal(t, 1, ok.calls[name])

			failing := newMockStore("", false, storeErr)
			assert.ErrorIs(t, op(NewInstrumented[string](failing, "memory")), storeErr)
			assert.Equal(t, 1, failing.calls[name])
		})
	}
}

func TestInstrumented_CacheType(t *testing.T) {
	instrumented := NewInstrumented[string](newMockStore("", false, nil), "memory")

	assert.Equal(t, "memory", instrumented.cacheType)
}
