// Package types defines the core domain model shared by the gridwork daemons.
package types

import (
	"fmt"
	"math"
)

// Never is the transition time of a workunit that needs no further examination.
const Never int64 = math.MaxInt64

// ServerState is the server-side lifecycle state of a result.
type ServerState int

const (
	ServerStateUnsent     ServerState = 2 // created, waiting in the cache or the store
	ServerStateInProgress ServerState = 4 // sent to a host, waiting for a report
	ServerStateOver       ServerState = 5 // terminal, see Outcome
)

func (s ServerState) String() string {
	switch s {
	case ServerStateUnsent:
		return "unsent"
	case ServerStateInProgress:
		return "in_progress"
	case ServerStateOver:
		return "over"
	default:
		return fmt.Sprintf("server_state(%d)", int(s))
	}
}

// Outcome records how an OVER result ended.
type Outcome int

const (
	OutcomeInit Outcome = iota
	OutcomeSuccess
	OutcomeClientError
	OutcomeNoReply
	OutcomeCouldntSend
	OutcomeDidntNeed
	OutcomeValidateError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInit:
		return "init"
	case OutcomeSuccess:
		return "success"
	case OutcomeClientError:
		return "client_error"
	case OutcomeNoReply:
		return "no_reply"
	case OutcomeCouldntSend:
		return "couldnt_send"
	case OutcomeDidntNeed:
		return "didnt_need"
	case OutcomeValidateError:
		return "validate_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ValidateState is the validator's verdict on a result.
type ValidateState int

const (
	ValidateInit ValidateState = iota
	ValidateValid
	ValidateInvalid
	ValidateInconclusive
	ValidateNoCheck
)

func (v ValidateState) String() string {
	switch v {
	case ValidateInit:
		return "init"
	case ValidateValid:
		return "valid"
	case ValidateInvalid:
		return "invalid"
	case ValidateInconclusive:
		return "inconclusive"
	case ValidateNoCheck:
		return "no_check"
	default:
		return fmt.Sprintf("validate_state(%d)", int(v))
	}
}

// PhaseState is used for both assimilation and file deletion progress.
type PhaseState int

const (
	PhaseInit PhaseState = iota
	PhaseReady
	PhaseDone
)

func (p PhaseState) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseReady:
		return "ready"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Workunit error mask bits. The mask only ever grows.
const (
	ErrorCouldntSend           = 1 << 0
	ErrorTooManyErrorResults   = 1 << 1
	ErrorTooManySuccessResults = 1 << 2
	ErrorTooManyTotalResults   = 1 << 3
	ErrorCancelled             = 1 << 4
	ErrorNoCanonicalResult     = 1 << 5
)

// Workunit is the server-side unit of work. Each workunit has one or more results.
type Workunit struct {
	ID                int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	AppID             int64      `json:"app_id" gorm:"index"`
	Name              string     `json:"name"`
	MinQuorum         int        `json:"min_quorum"`
	TargetNResults    int        `json:"target_nresults" gorm:"column:target_nresults"`
	MaxErrorResults   int        `json:"max_error_results"`
	MaxTotalResults   int        `json:"max_total_results"`
	MaxSuccessResults int        `json:"max_success_results"`
	CanonicalResultID int64      `json:"canonical_result_id"`
	CanonicalCredit   float64    `json:"canonical_credit"`
	ErrorMask         int        `json:"error_mask"`
	AssimilateState   PhaseState `json:"assimilate_state" gorm:"index"`
	FileDeleteState   PhaseState `json:"file_delete_state"`
	NeedValidate      bool       `json:"need_validate" gorm:"index"`
	TransitionTime    int64      `json:"transition_time" gorm:"index"`
	HRClass           int        `json:"hr_class" gorm:"column:hr_class"`
	Priority          int        `json:"priority"`
	DelayBound        int64      `json:"delay_bound"`  // seconds a host gets to report
	RscFpopsEst       float64    `json:"rsc_fpops_est"` // estimated job cost
	CreateTime        int64      `json:"create_time"`
}

// HasCanonical reports whether a canonical result has been chosen.
func (w *Workunit) HasCanonical() bool {
	return w.CanonicalResultID != 0
}

// Result is a single instance of a workunit sent (or to be sent) to one host.
type Result struct {
	ID              int64         `json:"id" gorm:"primaryKey;autoIncrement"`
	WorkunitID      int64         `json:"workunit_id" gorm:"index"`
	AppID           int64         `json:"app_id" gorm:"index"`
	Name            string        `json:"name"`
	HostID          int64         `json:"host_id"`
	AppVersionID    int64         `json:"app_version_id"`
	ServerState     ServerState   `json:"server_state" gorm:"index"`
	Outcome         Outcome       `json:"outcome"`
	ValidateState   ValidateState `json:"validate_state"`
	ReportDeadline  int64         `json:"report_deadline"`
	SentTime        int64         `json:"sent_time"`
	ReceivedTime    int64         `json:"received_time"`
	ClaimedCredit   float64       `json:"claimed_credit"`
	GrantedCredit   float64       `json:"granted_credit"`
	ElapsedTime     float64       `json:"elapsed_time"`
	OutputHash      string        `json:"output_hash"`
	FileDeleteState PhaseState    `json:"file_delete_state"`
	Priority        int           `json:"priority"`
	RandomOrder     int64         `json:"random_order"`
}

// IsSuccess reports whether the result came back successfully.
func (r *Result) IsSuccess() bool {
	return r.ServerState == ServerStateOver && r.Outcome == OutcomeSuccess
}

// Host is a remote computer contributing to the project.
type Host struct {
	ID           int64   `json:"id" gorm:"primaryKey;autoIncrement"`
	OSName       string  `json:"os_name"`
	PVendor      string  `json:"p_vendor"`
	ExpAvgCredit float64 `json:"expavg_credit" gorm:"column:expavg_credit"` // RAC
}

// App is a project application. Weight drives per-app slot interleaving.
type App struct {
	ID       int64   `json:"id" gorm:"primaryKey;autoIncrement"`
	Name     string  `json:"name" gorm:"uniqueIndex"`
	Weight   float64 `json:"weight"`
	HRType   int     `json:"hr_type" gorm:"column:hr_type"` // 0 = no homogeneous redundancy
	Disabled bool    `json:"disabled"`
}

// HostAppVersion tracks per (host, app version) reliability.
type HostAppVersion struct {
	HostID           int64   `json:"host_id" gorm:"primaryKey;autoIncrement:false"`
	AppVersionID     int64   `json:"app_version_id" gorm:"primaryKey;autoIncrement:false"`
	ConsecutiveValid int     `json:"consecutive_valid"`
	MaxJobsPerDay    int     `json:"max_jobs_per_day"`
	ETCount          int64   `json:"et_count" gorm:"column:et_count"`
	ETAvg            float64 `json:"et_avg" gorm:"column:et_avg"`
	ETVar            float64 `json:"et_var" gorm:"column:et_var"`
}

// UpdateET folds one elapsed-time observation into the running accumulator.
func (h *HostAppVersion) UpdateET(x float64) {
	h.ETCount++
	delta := x - h.ETAvg
	h.ETAvg += delta / float64(h.ETCount)
	h.ETVar += delta * (x - h.ETAvg)
}
