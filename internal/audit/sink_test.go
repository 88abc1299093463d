package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mmeshcher/bogpay-gateway/internal/model"
)

type stubRepo struct {
	entries []model.AuditEntry
	err     error
}

func (r *stubRepo) InsertAuditEntry(ctx context.Context, entry model.AuditEntry) error {
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, entry)
	return nil
}

func (r *stubRepo) ListAuditEntries(ctx context.Context, orderID int64) ([]model.AuditEntry, error) {
	if r.err != nil {
		return nil, r.err
	}
	var res []model.AuditEntry
	for _, e := range r.entries {
		if e.OrderID == orderID {
			res = append(res, e)
		}
	}
	return res, nil
}

func TestSink_AppendAndList(t *testing.T) {
	repo := &stubRepo{}
	s := NewSink(repo, nil)
	ctx := context.Background()

	s.Append(ctx, model.AuditEntry{OrderID: 1, Status: "completed"})
	s.Append(ctx, model.AuditEntry{OrderID: 2, Status: "rejected"})

	entries, err := s.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "completed", entries[0].Status)
}

func TestSink_AppendSwallowsErrors(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	s := NewSink(&stubRepo{err: errors.New("disk full")}, zap.New(core))

	assert.NotPanics(t, func() {
		s.Append(context.Background(), model.AuditEntry{OrderID: 7, RemoteOrderID: "X1"})
	})

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "audit entry not persisted", entry.Message)
	assert.Equal(t, int64(7), entry.ContextMap()["order_id"])
}

func TestSink_ListError(t *testing.T) {
	s := NewSink(&stubRepo{err: errors.New("timeout")}, nil)

	_, err := s.List(context.Background(), 1)
	assert.Error(t, err)
}
