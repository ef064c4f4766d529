// Package jobmodel holds the value types describing an inference job as it
// moves through the mesh: JobInfo (immutable request identity) and
// SubtaskInfo (one hop of its assigned path).
package jobmodel

import (
	"fmt"
)

// JobInfo is immutable for the lifetime of a job: it identifies the
// originating request, not any particular hop of its path.
type JobInfo struct {
	JobName             string
	JobType             string
	InputBytes          float64
	SourceIP            string
	TerminalDestination string
	StartTime           int64 // nanoseconds; also the uniqueness key
}

// JobID derives the job's identity string: name joined with its start time.
func (j JobInfo) JobID() string {
	return fmt.Sprintf("%s_%d", j.JobName, j.StartTime)
}

func (j JobInfo) String() string { return j.JobID() }
