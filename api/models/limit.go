package models

// OrgLimit is the effective concurrency limit for one org. IsCustom is false
// when the value is the process-wide default rather than a stored override.
type OrgLimit struct {
	Org      string `json:"org"`
	Limit    uint64 `json:"limit"`
	IsCustom bool   `json:"is_custom"`
}

// OrgStatus is the operator view of one org's capacity.
type OrgStatus struct {
	Org       string `json:"org"`
	Running   uint64 `json:"running"`
	Pending   uint64 `json:"pending"`
	Limit     uint64 `json:"limit"`
	IsCustom  bool   `json:"is_custom"`
	Available uint64 `json:"available"`
}

// GlobalStatus is the operator view of the whole pool.
type GlobalStatus struct {
	TotalRunning uint64      `json:"total_running"`
	TotalPending uint64      `json:"total_pending"`
	MaxTotal     uint64      `json:"max_total"`
	Orgs         []OrgStatus `json:"orgs,omitempty"`
}

// Admission is the outcome of a ledger admission attempt. Denial is a normal
// scheduling outcome, not an error; the reason matters because a global-cap
// denial short-circuits the rest of the tick.
type Admission int

const (
	Admitted Admission = iota
	DeniedOrgCap
	DeniedGlobalCap
)

func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case DeniedOrgCap:
		return "denied_org_cap"
	case DeniedGlobalCap:
		return "denied_global_cap"
	}
	return "unknown"
}
