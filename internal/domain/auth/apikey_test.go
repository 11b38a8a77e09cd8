package auth

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRepository struct {
	keys  map[string]*APIKeyInfo
	err   error
	calls int
}

func (m *mockRepository) FindByHash(_ context.Context, hash string) (*APIKeyInfo, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	info, ok := m.keys[hash]
	if !ok {
		return nil, errors.New("api key not found")
	}
	return info, nil
}

func TestHashKey(t *testing.T) {
	pepper := []byte("pepper")

	a := HashKey("secret", pepper)
	assert.Len(t, a, 64)
	assert.Equal(t, a, HashKey("secret", pepper))
	assert.NotEqual(t, a, HashKey("secret", []byte("other")))
	assert.NotEqual(t, a, HashKey("Secret", pepper))
}

func TestAuthenticator(t *testing.T) {
	pepper := []byte("pepper")
	valid := &APIKeyInfo{ID: "k1", KeyHash: HashKey("good", pepper), Name: "booking"}

	tests := []struct {
		name    string
		repo    *mockRepository
		key     string
		want    *APIKeyInfo
		lookups int
	}{
		{
			name:    "known key",
			repo:    &mockRepository{keys: map[string]*APIKeyInfo{valid.KeyHash: valid}},
			key:     "good",
			want:    valid,
			lookups: 1,
		},
		{
			name:    "unknown key",
			repo:    &mockRepository{keys: map[string]*APIKeyInfo{valid.KeyHash: valid}},
			key:     "bad",
			lookups: 1,
		},
		{
			name:    "empty key skips lookup",
			repo:    &mockRepository{},
			key:     "",
			lookups: 0,
		},
		{
			name:    "repository failure",
			repo:    &mockRepository{err: errors.New("connection refused")},
			key:     "good",
			lookups: 1,
		},
		{
			name: "row with a different hash",
			repo: &mockRepository{keys: map[string]*APIKeyInfo{
				valid.KeyHash: {ID: "k2", KeyHash: HashKey("other", pepper)},
			}},
			key:     "good",
			lookups: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAuthenticator(tt.repo, pepper)

			got, err := a.Authenticate(context.Background(), tt.key)
			assert.Equal(t, tt.lookups, tt.repo.calls)
			if tt.want == nil {
				require.ErrorIs(t, err, ErrUnauthorized)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
