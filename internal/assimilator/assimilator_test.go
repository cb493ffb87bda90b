package assimilator

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/ChuLiYu/gridwork/internal/store"
	"github.com/ChuLiYu/gridwork/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	seen []*types.Result
	err  error
}

func (r *recorder) Assimilate(_ context.Context, _ types.Workunit, canonical *types.Result) error {
	r.seen = append(r.seen, canonical)
	return r.err
}

func seed(t *testing.T, st *store.MemoryStore, mask int, withCanonical bool) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := st.InsertWorkunit(ctx, types.Workunit{Name: "wu", AssimilateState: types.PhaseReady, ErrorMask: mask, TransitionTime: types.Never})
	require.NoError(t, err)
	if withCanonical {
		rid, err := st.InsertResult(ctx, types.Result{WorkunitID: id, ServerState: types.ServerStateOver, Outcome: types.OutcomeSuccess, OutputHash: "h"})
		require.NoError(t, err)
		require.NoError(t, st.UpdateWorkunit(ctx, id, store.Fields{store.ColCanonicalResultID: rid}))
	}
	return id
}

func TestPassMarksDone(t *testing.T) {
	st := store.NewMemoryStore()
	ok := seed(t, st, 0, true)
	failed := seed(t, st, types.ErrorTooManyErrorResults, false)

	rec := &recorder{}
	a := New(st, rec, Config{}, nil)
	a.now = func() time.Time { return time.Unix(50, 0) }

	rep, err := a.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Assimilated)
	require.Len(t, rec.seen, 2)
	require.NotNil(t, rec.seen[0])
	assert.Equal(t, "h", rec.seen[0].OutputHash)
	assert.Nil(t, rec.seen[1])

	for _, id := range []int64{ok, failed} {
		wu, err := st.GetWorkunit(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, types.PhaseDone, wu.AssimilateState)
		assert.Equal(t, int64(50), wu.TransitionTime)
	}
}

func TestHandlerErrorKeepsReady(t *testing.T) {
	st := store.NewMemoryStore()
	id := seed(t, st, 0, true)

	a := New(st, &recorder{err: errors.New("archive offline")}, Config{}, nil)
	rep, err := a.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)

	wu, err := st.GetWorkunit(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseReady, wu.AssimilateState)
}

func TestMissingCanonicalIsAbandoned(t *testing.T) {
	st := store.NewMemoryStore()
	id := seed(t, st, 0, false)
	require.NoError(t, st.UpdateWorkunit(context.Background(), id, store.Fields{store.ColCanonicalResultID: int64(404)}))

	rec := &recorder{}
	rep, err := New(st, rec, Config{}, nil).Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Empty(t, rec.seen)
}

func TestNewHandler(t *testing.T) {
	var buf bytes.Buffer
	h, err := NewHandler("log", slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, err)
	require.NoError(t, h.Assimilate(context.Background(), types.Workunit{ID: 3, Name: "wu3"}, &types.Result{ID: 9}))
	assert.Contains(t, buf.String(), "workunit done")
	assert.Contains(t, buf.String(), "result_id=9")

	_, err = NewHandler("noop", nil)
	require.NoError(t, err)
	_, err = NewHandler("archive", nil)
	assert.ErrorIs(t, err, ErrUnknownHandler)
}
