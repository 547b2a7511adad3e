package monitor

import "daqmon/jobqueue"

// Priority re-exports jobqueue.Priority so monitor code reads naturally
// without an extra import alias at every call site.
type Priority = jobqueue.Priority

const (
	PriorityMerge         = jobqueue.PriorityMerge
	PrioritySnapshot      = jobqueue.PrioritySnapshot
	PriorityEventBuilding = jobqueue.PriorityEventBuilding
	PriorityConversion    = jobqueue.PriorityConversion
	PriorityIdle          = jobqueue.PriorityIdle
)
