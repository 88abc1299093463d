package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/bogpay-gateway/internal/model"
	"github.com/mmeshcher/bogpay-gateway/internal/repository"
)

type stubStore struct {
	byID     map[int64]*model.Order
	byRemote map[string]*model.Order
	err      error
}

func (s *stubStore) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	if s.err != nil {
		return nil, s.err
	}
	o, ok := s.byID[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return o, nil
}

func (s *stubStore) FindOrderByRemoteID(ctx context.Context, remoteOrderID string) (*model.Order, error) {
	if s.err != nil {
		return nil, s.err
	}
	o, ok := s.byRemote[remoteOrderID]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return o, nil
}

func newStore() *stubStore {
	bound := &model.Order{ID: 42, RemoteOrderID: "X1"}
	unbound := &model.Order{ID: 43}
	return &stubStore{
		byID:     map[int64]*model.Order{42: bound, 43: unbound},
		byRemote: map[string]*model.Order{"X1": bound},
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		external string
		remote   string
		wantID   int64
		wantErr  error
	}{
		{name: "direct with matching remote id", external: "42", remote: "X1", wantID: 42},
		{name: "direct without remote id", external: "42", wantID: 42},
		{name: "lookup by remote id", remote: "X1", wantID: 42},
		{name: "direct mismatch", external: "42", remote: "OTHER", wantErr: ErrOrderMismatch},
		{name: "stored remote id empty", external: "43", remote: "X1", wantErr: ErrOrderMismatch},
		{name: "direct unknown", external: "99", remote: "X1", wantErr: ErrOrderNotFound},
		{name: "non-numeric external id", external: "abc", remote: "X1", wantErr: ErrOrderNotFound},
		{name: "unknown remote id", remote: "NOPE", wantErr: ErrOrderNotFound},
		{name: "nothing to resolve by", wantErr: ErrOrderNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(newStore())

			order, err := r.Resolve(context.Background(), tt.external, tt.remote)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, order)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantID, order.ID)
		})
	}
}

func TestResolve_StoreError(t *testing.T) {
	storeErr := errors.New("connection refused")
	r := New(&stubStore{err: storeErr})

	_, err := r.Resolve(context.Background(), "42", "X1")
	assert.ErrorIs(t, err, storeErr)
	assert.NotErrorIs(t, err, ErrOrderNotFound)

	_, err = r.Resolve(context.Background(), "", "X1")
	assert.ErrorIs(t, err, storeErr)
}
