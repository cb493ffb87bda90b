package dispatch

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/gridwork/internal/cache"
	"github.com/ChuLiYu/gridwork/internal/hr"
	"github.com/ChuLiYu/gridwork/internal/server"
	"github.com/ChuLiYu/gridwork/internal/store"
	"github.com/ChuLiYu/gridwork/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

type env struct {
	store  *store.MemoryStore
	cache  *cache.SharedCache
	feeder *cache.Feeder
	app    types.App
}

func newEnv(t *testing.T, app types.App, jobs int) *env {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	if app.Name == "" {
		app.Name = "app"
	}
	id, err := st.InsertApp(ctx, app)
	require.NoError(t, err)
	app.ID = id
	for i := 0; i < jobs; i++ {
		wu, err := st.InsertWorkunit(ctx, types.Workunit{AppID: id, Name: "wu", DelayBound: 600, TransitionTime: types.Never})
		require.NoError(t, err)
		_, err = st.InsertResult(ctx, types.Result{WorkunitID: wu, AppID: id, ServerState: types.ServerStateUnsent})
		require.NoError(t, err)
	}

	c := cache.NewSharedCache(4, nil, time.Minute)
	f := cache.NewFeeder(c, st, nil, cache.FeederConfig{}, nil)
	require.NoError(t, f.Init(ctx))
	return &env{store: st, cache: c, feeder: f, app: app}
}

func TestDispatchMarksResultInProgress(t *testing.T) {
	e := newEnv(t, types.App{}, 2)
	ctx := context.Background()
	_, err := e.feeder.Scan(ctx)
	require.NoError(t, err)

	d := NewDispatcher(e.cache, e.store, []types.App{e.app}, nil)
	d.now = func() time.Time { return time.Unix(5000, 0) }
	assert.True(t, strings.HasPrefix(d.Owner(), "dispatch-"))
	assert.Len(t, d.Owner(), len("dispatch-")+8)

	r, err := d.Dispatch(ctx, types.Host{ID: 42}, 9)
	require.NoError(t, err)
	assert.Equal(t, types.ServerStateInProgress, r.ServerState)

	stored, err := e.store.GetResult(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ServerStateInProgress, stored.ServerState)
	assert.Equal(t, int64(42), stored.HostID)
	assert.Equal(t, int64(9), stored.AppVersionID)
	assert.Equal(t, int64(5000), stored.SentTime)
	assert.Equal(t, int64(5600), stored.ReportDeadline)

	wu, err := e.store.GetWorkunit(ctx, stored.WorkunitID)
	require.NoError(t, err)
	assert.Equal(t, int64(5600), wu.TransitionTime)

	_, present, reserved := e.cache.Counts()
	assert.Equal(t, 1, present)
	assert.Zero(t, reserved)
}

func TestDispatchDropsStaleSlot(t *testing.T) {
	e := newEnv(t, types.App{}, 1)
	ctx := context.Background()
	_, err := e.feeder.Scan(ctx)
	require.NoError(t, err)

	slots, _ := e.cache.Snapshot(ctx)
	require.NoError(t, e.store.UpdateResult(ctx, slots[0].ResultID, store.Fields{store.ColServerState: types.ServerStateOver}))

	d := NewDispatcher(e.cache, e.store, []types.App{e.app}, nil)
	_, err = d.Dispatch(ctx, types.Host{ID: 1}, 1)
	assert.ErrorIs(t, err, ErrNoWork)

	empty, _, _ := e.cache.Counts()
	assert.Equal(t, 4, empty, "stale slot released as consumed")
}

func TestDispatchCommitsHRClass(t *testing.T) {
	e := newEnv(t, types.App{HRType: hr.TypeOS}, 1)
	ctx := context.Background()
	e.feeder.Allocator().SetRAC(hr.TypeOS, 2, 1)
	require.NoError(t, e.feeder.Reread(ctx))
	_, err := e.feeder.Scan(ctx)
	require.NoError(t, err)

	d := NewDispatcher(e.cache, e.store, []types.App{e.app}, nil)
	linux := types.Host{ID: 7, OSName: "Linux"}
	r, err := d.Dispatch(ctx, linux, 1)
	require.NoError(t, err)

	wu, err := e.store.GetWorkunit(ctx, r.WorkunitID)
	require.NoError(t, err)
	assert.Equal(t, hr.Classify(hr.TypeOS, linux), wu.HRClass)
}

func TestReportWakesWorkunit(t *testing.T) {
	e := newEnv(t, types.App{}, 1)
	ctx := context.Background()
	_, err := e.feeder.Scan(ctx)
	require.NoError(t, err)

	d := NewDispatcher(e.cache, e.store, []types.App{e.app}, nil)
	d.now = func() time.Time { return time.Unix(100, 0) }
	r, err := d.Dispatch(ctx, types.Host{ID: 1}, 1)
	require.NoError(t, err)

	d.now = func() time.Time { return time.Unix(200, 0) }
	require.NoError(t, d.Report(ctx, ResultReport{
		ResultID:      r.ID,
		Outcome:       types.OutcomeSuccess,
		ClaimedCredit: 12.5,
		ElapsedTime:   30,
		OutputHash:    "abc",
	}))

	got, err := e.store.GetResult(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ServerStateOver, got.ServerState)
	assert.Equal(t, types.OutcomeSuccess, got.Outcome)
	assert.Equal(t, int64(200), got.ReceivedTime)
	assert.Equal(t, 12.5, got.ClaimedCredit)
	assert.Equal(t, "abc", got.OutputHash)

	wu, err := e.store.GetWorkunit(ctx, r.WorkunitID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), wu.TransitionTime)

	assert.ErrorIs(t, d.Report(ctx, ResultReport{ResultID: r.ID}), ErrNotInProgress)
}

func TestRemoteSlotsOverGRPC(t *testing.T) {
	e := newEnv(t, types.App{}, 3)
	ctx := context.Background()
	_, err := e.feeder.Scan(ctx)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	srvCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- server.NewSlotServer(e.cache, nil).Serve(srvCtx, lis) }()
	defer func() {
		cancel()
		<-done
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	remote := NewRemoteSlots(conn)
	d := NewDispatcher(remote, e.store, []types.App{e.app}, nil)

	for i := 0; i < 3; i++ {
		_, err := d.Dispatch(ctx, types.Host{ID: 1}, 1)
		require.NoError(t, err)
	}
	_, err = d.Dispatch(ctx, types.Host{ID: 1}, 1)
	assert.ErrorIs(t, err, ErrNoWork)

	require.NoError(t, remote.Heartbeat(ctx, d.Owner()))
	slots, err := remote.Snapshot(ctx)
	require.NoError(t, err)
	for _, s := range slots {
		assert.Equal(t, types.SlotEmpty, s.State)
	}
}
