package core

// AcquiredJobs is the transient result of one acquisition round: an ordered
// list of job-id groups. Exclusive jobs of one process instance share a
// group and are handed to a single execution slot; non-exclusive jobs form
// singleton groups and may run in parallel. It is never persisted.
type AcquiredJobs struct {
	groups [][]string
	ids    map[string]struct{}
}

func NewAcquiredJobs() *AcquiredJobs {
	return &AcquiredJobs{
		ids: map[string]struct{}{},
	}
}

// AddGroup appends a group of job ids to be executed sequentially on one
// slot. Ids already contained in an earlier group are skipped.
func (a *AcquiredJobs) AddGroup(jobIDs ...string) {
	group := make([]string, 0, len(jobIDs))
	for _, id := range jobIDs {
		if _, ok := a.ids[id]; ok {
			continue
		}

		a.ids[id] = struct{}{}
		group = append(group, id)
	}

	if len(group) > 0 {
		a.groups = append(a.groups, group)
	}
}

// Groups returns the acquired job-id groups in acquisition order.
func (a *AcquiredJobs) Groups() [][]string {
	return a.groups
}

// Contains reports whether the given job id was acquired in this round.
func (a *AcquiredJobs) Contains(jobID string) bool {
	_, ok := a.ids[jobID]
	return ok
}

// Size returns the total number of acquired jobs across all groups.
func (a *AcquiredJobs) Size() int {
	return len(a.ids)
}
