package store

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/ChuLiYu/gridwork/pkg/types"
)

// MemoryStore is an in-process Store used by tests and the demo.
// Rows are stored by value; every read returns a copy.
type MemoryStore struct {
	mu          sync.RWMutex
	workunits   map[int64]*types.Workunit
	results     map[int64]*types.Result
	hosts       map[int64]*types.Host
	apps        map[int64]*types.App
	hav         map[[2]int64]*types.HostAppVersion
	nextID      int64
	unavailable bool
	updates     int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workunits: make(map[int64]*types.Workunit),
		results:   make(map[int64]*types.Result),
		hosts:     make(map[int64]*types.Host),
		apps:      make(map[int64]*types.App),
		hav:       make(map[[2]int64]*types.HostAppVersion),
	}
}

// SetUnavailable makes every enumeration fail with ErrUnavailable.
func (m *MemoryStore) SetUnavailable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = v
}

// UpdateCount returns the number of row updates applied so far.
func (m *MemoryStore) UpdateCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updates
}

func (m *MemoryStore) checkAvailable() error {
	if m.unavailable {
		return fmt.Errorf("%w: memory store marked unavailable", ErrUnavailable)
	}
	return nil
}

func (m *MemoryStore) EnumerateUnsent(ctx context.Context, q UnsentQuery) ([]Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkAvailable(); err != nil {
		return nil, err
	}

	var rs []*types.Result
	for _, r := range m.results {
		if r.ServerState != types.ServerStateUnsent {
			continue
		}
		if q.AppID != 0 && r.AppID != q.AppID {
			continue
		}
		if !q.Shard.Match(r.ID) {
			continue
		}
		rs = append(rs, r)
	}
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Priority != rs[j].Priority {
			return rs[i].Priority > rs[j].Priority
		}
		if rs[i].RandomOrder != rs[j].RandomOrder {
			return rs[i].RandomOrder < rs[j].RandomOrder
		}
		return rs[i].ID < rs[j].ID
	})

	out := make([]Candidate, 0, len(rs))
	for _, r := range rs {
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
		wu, ok := m.workunits[r.WorkunitID]
		if !ok {
			continue
		}
		out = append(out, Candidate{Result: *r, Workunit: *wu})
	}
	return out, nil
}

func (m *MemoryStore) EnumerateTransitions(ctx context.Context, q TransitionQuery) ([]types.Workunit, error) {
	out, err := m.enumerateWorkunits(q.Shard, q.Limit, func(wu *types.Workunit) bool {
		return wu.TransitionTime <= q.Now
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TransitionTime < out[j].TransitionTime })
	return out, nil
}

func (m *MemoryStore) EnumerateNeedValidate(ctx context.Context, q WorkunitQuery) ([]types.Workunit, error) {
	return m.enumerateWorkunits(q.Shard, q.Limit, func(wu *types.Workunit) bool {
		return wu.NeedValidate && (q.AppID == 0 || wu.AppID == q.AppID)
	})
}

func (m *MemoryStore) EnumerateAssimilate(ctx context.Context, q WorkunitQuery) ([]types.Workunit, error) {
	return m.enumerateWorkunits(q.Shard, q.Limit, func(wu *types.Workunit) bool {
		return wu.AssimilateState == types.PhaseReady && (q.AppID == 0 || wu.AppID == q.AppID)
	})
}

func (m *MemoryStore) enumerateWorkunits(shard Shard, limit int, match func(*types.Workunit) bool) ([]types.Workunit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkAvailable(); err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(m.workunits))
	for id, wu := range m.workunits {
		if shard.Match(id) && match(wu) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]types.Workunit, 0, len(ids))
	for _, id := range ids {
		out = append(out, *m.workunits[id])
	}
	return out, nil
}

func (m *MemoryStore) GetWorkunit(ctx context.Context, id int64) (*types.Workunit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wu, ok := m.workunits[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *wu
	return &cp, nil
}

func (m *MemoryStore) GetResult(ctx context.Context, id int64) (*types.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ResultsForWorkunit(ctx context.Context, wuID int64) ([]types.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkAvailable(); err != nil {
		return nil, err
	}
	var out []types.Result
	for _, r := range m.results {
		if r.WorkunitID == wuID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetHost(ctx context.Context, id int64) (*types.Host, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hosts[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *h
	return &cp, nil
}

func (m *MemoryStore) ListHosts(ctx context.Context) ([]types.Host, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkAvailable(); err != nil {
		return nil, err
	}
	out := make([]types.Host, 0, len(m.hosts))
	for _, h := range m.hosts {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListApps(ctx context.Context) ([]types.App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkAvailable(); err != nil {
		return nil, err
	}
	out := make([]types.App, 0, len(m.apps))
	for _, a := range m.apps {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetHostAppVersion(ctx context.Context, hostID, appVersionID int64) (*types.HostAppVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hav[[2]int64{hostID, appVersionID}]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *h
	return &cp, nil
}

func (m *MemoryStore) InsertWorkunit(ctx context.Context, wu types.Workunit) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wu.ID = m.allocID(wu.ID)
	m.workunits[wu.ID] = &wu
	return wu.ID, nil
}

func (m *MemoryStore) InsertResult(ctx context.Context, r types.Result) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workunits[r.WorkunitID]; !ok {
		return 0, fmt.Errorf("insert result for workunit %d: %w", r.WorkunitID, ErrRecordNotFound)
	}
	r.ID = m.allocID(r.ID)
	m.results[r.ID] = &r
	return r.ID, nil
}

func (m *MemoryStore) InsertHost(ctx context.Context, h types.Host) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h.ID = m.allocID(h.ID)
	m.hosts[h.ID] = &h
	return h.ID, nil
}

func (m *MemoryStore) InsertApp(ctx context.Context, a types.App) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.allocID(a.ID)
	m.apps[a.ID] = &a
	return a.ID, nil
}

// allocID keeps ids unique across tables, which makes test fixtures easy to read.
func (m *MemoryStore) allocID(requested int64) int64 {
	if requested > m.nextID {
		m.nextID = requested
		return requested
	}
	m.nextID++
	return m.nextID
}

func (m *MemoryStore) UpdateWorkunit(ctx context.Context, id int64, fields Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wu, ok := m.workunits[id]
	if !ok {
		return ErrRecordNotFound
	}
	next := *wu
	for col, v := range fields {
		if err := setWorkunitField(&next, col, v); err != nil {
			return fmt.Errorf("update workunit %d: %w", id, err)
		}
	}
	*wu = next
	m.updates++
	return nil
}

func (m *MemoryStore) UpdateResult(ctx context.Context, id int64, fields Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[id]
	if !ok {
		return ErrRecordNotFound
	}
	next := *r
	for col, v := range fields {
		if err := setResultField(&next, col, v); err != nil {
			return fmt.Errorf("update result %d: %w", id, err)
		}
	}
	*r = next
	m.updates++
	return nil
}

func (m *MemoryStore) UpsertHostAppVersion(ctx context.Context, hav types.HostAppVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hav[[2]int64{hav.HostID, hav.AppVersionID}] = &hav
	m.updates++
	return nil
}

// InTx runs fn and, if it fails, puts every row back the way it was. Writes
// made by other goroutines while fn runs are rolled back with it.
func (m *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	saved := m.save()
	if err := fn(ctx); err != nil {
		m.restore(saved)
		return err
	}
	return nil
}

type memorySnapshot struct {
	workunits map[int64]types.Workunit
	results   map[int64]types.Result
	hosts     map[int64]types.Host
	apps      map[int64]types.App
	hav       map[[2]int64]types.HostAppVersion
	nextID    int64
	updates   int
}

func (m *MemoryStore) save() memorySnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memorySnapshot{
		workunits: copyRows(m.workunits),
		results:   copyRows(m.results),
		hosts:     copyRows(m.hosts),
		apps:      copyRows(m.apps),
		hav:       copyRows(m.hav),
		nextID:    m.nextID,
		updates:   m.updates,
	}
}

func (m *MemoryStore) restore(s memorySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workunits = pointRows(s.workunits)
	m.results = pointRows(s.results)
	m.hosts = pointRows(s.hosts)
	m.apps = pointRows(s.apps)
	m.hav = pointRows(s.hav)
	m.nextID = s.nextID
	m.updates = s.updates
}

func copyRows[K comparable, V any](rows map[K]*V) map[K]V {
	out := make(map[K]V, len(rows))
	for k, v := range rows {
		out[k] = *v
	}
	return out
}

func pointRows[K comparable, V any](rows map[K]V) map[K]*V {
	out := make(map[K]*V, len(rows))
	for k, v := range rows {
		out[k] = &v
	}
	return out
}

func (m *MemoryStore) Close() error { return nil }

func setWorkunitField(wu *types.Workunit, col string, v any) error {
	switch col {
	case ColHRClass:
		return setInt(&wu.HRClass, v)
	case ColTargetNResults:
		return setInt(&wu.TargetNResults, v)
	case ColErrorMask:
		return setInt(&wu.ErrorMask, v)
	case ColNeedValidate:
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("%s: want bool, got %T", col, v)
		}
		wu.NeedValidate = b
		return nil
	case ColAssimilateState:
		return setPhase(&wu.AssimilateState, v)
	case ColFileDeleteState:
		return setPhase(&wu.FileDeleteState, v)
	case ColTransitionTime:
		return setInt64(&wu.TransitionTime, v)
	case ColCanonicalResultID:
		return setInt64(&wu.CanonicalResultID, v)
	case ColCanonicalCredit:
		return setFloat(&wu.CanonicalCredit, v)
	default:
		return fmt.Errorf("%w %q", ErrUnknownColumn, col)
	}
}

func setResultField(r *types.Result, col string, v any) error {
	switch col {
	case ColServerState:
		n, err := toInt64(v)
		r.ServerState = types.ServerState(n)
		return err
	case ColOutcome:
		n, err := toInt64(v)
		r.Outcome = types.Outcome(n)
		return err
	case ColValidateState:
		n, err := toInt64(v)
		r.ValidateState = types.ValidateState(n)
		return err
	case ColHostID:
		return setInt64(&r.HostID, v)
	case ColAppVersionID:
		return setInt64(&r.AppVersionID, v)
	case ColSentTime:
		return setInt64(&r.SentTime, v)
	case ColReportDeadline:
		return setInt64(&r.ReportDeadline, v)
	case ColReceivedTime:
		return setInt64(&r.ReceivedTime, v)
	case ColClaimedCredit:
		return setFloat(&r.ClaimedCredit, v)
	case ColGrantedCredit:
		return setFloat(&r.GrantedCredit, v)
	case ColElapsedTime:
		return setFloat(&r.ElapsedTime, v)
	case ColOutputHash:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%s: want string, got %T", col, v)
		}
		r.OutputHash = s
		return nil
	case ColFileDeleteState:
		return setPhase(&r.FileDeleteState, v)
	default:
		return fmt.Errorf("%w %q", ErrUnknownColumn, col)
	}
}

func toInt64(v any) (int64, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), nil
	default:
		return 0, fmt.Errorf("want integer, got %T", v)
	}
}

func setInt(dst *int, v any) error {
	n, err := toInt64(v)
	if err != nil {
		return err
	}
	*dst = int(n)
	return nil
}

func setInt64(dst *int64, v any) error {
	n, err := toInt64(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setPhase(dst *types.PhaseState, v any) error {
	n, err := toInt64(v)
	if err != nil {
		return err
	}
	*dst = types.PhaseState(n)
	return nil
}

func setFloat(dst *float64, v any) error {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		*dst = rv.Float()
		return nil
	default:
		n, err := toInt64(v)
		if err != nil {
			return fmt.Errorf("want number, got %T", v)
		}
		*dst = float64(n)
		return nil
	}
}
