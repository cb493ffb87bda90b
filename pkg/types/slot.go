package types

import "fmt"

// SlotState is the occupancy state of one cache slot.
type SlotState int

const (
	SlotEmpty    SlotState = iota // free, the feeder may fill it
	SlotPresent                   // holds a dispatchable job
	SlotReserved                  // claimed by a dispatcher, see JobSlot.OwnerID
)

func (s SlotState) String() string {
	switch s {
	case SlotEmpty:
		return "empty"
	case SlotPresent:
		return "present"
	case SlotReserved:
		return "reserved"
	default:
		return fmt.Sprintf("slot_state(%d)", int(s))
	}
}

// WorkunitSnapshot is the subset of a workunit copied into a slot at fill time.
type WorkunitSnapshot struct {
	ID             int64       `json:"id"`
	AppID          int64       `json:"app_id"`
	HRClass        int         `json:"hr_class"`
	Priority       int         `json:"priority"`
	ReportDeadline int64       `json:"report_deadline"` // delay bound in seconds
	ServerState    ServerState `json:"server_state"`
	RscFpopsEst    float64     `json:"rsc_fpops_est"`
}

// JobSlot is one entry of the shared work cache.
type JobSlot struct {
	Index           int              `json:"index"`
	State           SlotState        `json:"state"`
	OwnerID         string           `json:"owner_id,omitempty"`
	ReservedAt      int64            `json:"reserved_at,omitempty"`
	ResultID        int64            `json:"result_id"`
	AppIndex        int              `json:"app_index"`
	Workunit        WorkunitSnapshot `json:"workunit"`
	InfeasibleCount int              `json:"infeasible_count"`
	NeedReliable    bool             `json:"need_reliable"`
	TimeAdded       int64            `json:"time_added"`
	CostZScore      float64          `json:"cost_zscore"`
}

// Live reports whether the slot holds a job (present or reserved).
func (s *JobSlot) Live() bool {
	return s.State != SlotEmpty
}

// Clear returns the slot to EMPTY, keeping its index.
func (s *JobSlot) Clear() {
	*s = JobSlot{Index: s.Index, AppIndex: s.AppIndex}
}
