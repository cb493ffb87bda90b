// Package store is the persistent store seen by the gridwork daemons: a typed
// enumerate/update/insert/lookup service over workunits, results, hosts and apps.
//
// Each daemon owns a disjoint subset of columns and writes only those through
// UpdateWorkunit/UpdateResult, so no row locking is done at this layer.
package store

import (
	"context"
	"errors"

	"github.com/ChuLiYu/gridwork/pkg/types"
)

var (
	// ErrRecordNotFound is returned by lookups and updates of a missing row.
	ErrRecordNotFound = errors.New("record not found")
	// ErrUnavailable wraps failures that mean the store cannot be reached.
	// Daemons treat it as fatal.
	ErrUnavailable = errors.New("store unavailable")
	// ErrUnknownColumn is returned when Fields names a column the store does not know.
	ErrUnknownColumn = errors.New("unknown column")
)

// Workunit columns.
const (
	ColHRClass           = "hr_class"
	ColTargetNResults    = "target_nresults"
	ColErrorMask         = "error_mask"
	ColNeedValidate      = "need_validate"
	ColAssimilateState   = "assimilate_state"
	ColTransitionTime    = "transition_time"
	ColCanonicalResultID = "canonical_result_id"
	ColCanonicalCredit   = "canonical_credit"
)

// Result columns.
const (
	ColServerState    = "server_state"
	ColOutcome        = "outcome"
	ColValidateState  = "validate_state"
	ColHostID         = "host_id"
	ColAppVersionID   = "app_version_id"
	ColSentTime       = "sent_time"
	ColReportDeadline = "report_deadline"
	ColReceivedTime   = "received_time"
	ColClaimedCredit  = "claimed_credit"
	ColGrantedCredit  = "granted_credit"
	ColElapsedTime    = "elapsed_time"
	ColOutputHash     = "output_hash"
)

// ColFileDeleteState exists on both workunits and results.
const ColFileDeleteState = "file_delete_state"

// Fields is a column to value map for partial updates.
type Fields map[string]any

// Shard selects rows with id % N == I. The zero value selects every row.
type Shard struct {
	N int
	I int
}

// Match reports whether id belongs to the shard.
func (s Shard) Match(id int64) bool {
	if s.N <= 1 {
		return true
	}
	return id%int64(s.N) == int64(s.I)
}

// Candidate is an unsent result paired with its workunit.
type Candidate struct {
	Result   types.Result
	Workunit types.Workunit
}

// UnsentQuery selects dispatchable results. AppID 0 means all apps.
type UnsentQuery struct {
	AppID int64
	Shard Shard
	Limit int
}

// TransitionQuery selects workunits whose transition time has elapsed.
type TransitionQuery struct {
	Now   int64
	Shard Shard
	Limit int
}

// WorkunitQuery selects workunits by app and shard.
type WorkunitQuery struct {
	AppID int64
	Shard Shard
	Limit int
}

// Store is the persistent store interface.
type Store interface {
	EnumerateUnsent(ctx context.Context, q UnsentQuery) ([]Candidate, error)
	EnumerateTransitions(ctx context.Context, q TransitionQuery) ([]types.Workunit, error)
	EnumerateNeedValidate(ctx context.Context, q WorkunitQuery) ([]types.Workunit, error)
	EnumerateAssimilate(ctx context.Context, q WorkunitQuery) ([]types.Workunit, error)

	GetWorkunit(ctx context.Context, id int64) (*types.Workunit, error)
	GetResult(ctx context.Context, id int64) (*types.Result, error)
	ResultsForWorkunit(ctx context.Context, wuID int64) ([]types.Result, error)
	GetHost(ctx context.Context, id int64) (*types.Host, error)
	ListHosts(ctx context.Context) ([]types.Host, error)
	ListApps(ctx context.Context) ([]types.App, error)
	GetHostAppVersion(ctx context.Context, hostID, appVersionID int64) (*types.HostAppVersion, error)

	InsertWorkunit(ctx context.Context, wu types.Workunit) (int64, error)
	InsertResult(ctx context.Context, r types.Result) (int64, error)
	InsertHost(ctx context.Context, h types.Host) (int64, error)
	InsertApp(ctx context.Context, a types.App) (int64, error)
	UpdateWorkunit(ctx context.Context, id int64, fields Fields) error
	UpdateResult(ctx context.Context, id int64, fields Fields) error
	UpsertHostAppVersion(ctx context.Context, hav types.HostAppVersion) error

	// InTx runs fn so that all writes made through ctx commit or fail together.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	Close() error
}
