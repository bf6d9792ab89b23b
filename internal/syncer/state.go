package syncer

import (
	"fmt"
	"strings"
)

type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeFull, "full-refresh", "refresh":
		return ModeFull, nil
	case ModeIncremental, "incr":
		return ModeIncremental, nil
	}
	return "", fmt.Errorf("unknown sync mode %q (want full|incremental)", s)
}

// DrainPolicy decides when grouped orders may be committed while the source
// is still being read.
type DrainPolicy string

const (
	// DrainOnExhaustion commits only after the whole source was read, so an
	// order whose records span pages is always complete.
	DrainOnExhaustion DrainPolicy = "exhaustion"
	// DrainContiguous commits full batches of orders not seen on the latest
	// page. Correct when each order's records are stored next to each other.
	DrainContiguous DrainPolicy = "contiguous"
	// DrainEager commits the first batch-size orders as soon as they exist.
	// Records arriving later for a committed order are skipped as late.
	DrainEager DrainPolicy = "eager"
)

func ParseDrainPolicy(s string) (DrainPolicy, error) {
	switch p := DrainPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case DrainOnExhaustion, DrainContiguous, DrainEager:
		return p, nil
	case "":
		return DrainOnExhaustion, nil
	}
	return "", fmt.Errorf("unknown drain policy %q (want exhaustion|contiguous|eager)", s)
}

type State int32

const (
	Idle State = iota
	Clearing
	Streaming
	Draining
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Clearing:
		return "Clearing"
	case Streaming:
		return "Streaming"
	case Draining:
		return "Draining"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Failure reasons reported in report.Summary.Reason.
const (
	ReasonCancelled         = "cancelled"
	ReasonSourceUnavailable = "source unavailable"
	ReasonStoreUnavailable  = "store unavailable"
	ReasonAlreadyRunning    = "already running"
	ReasonError             = "error"
)
