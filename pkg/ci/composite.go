package ci

// CompositeStatus is the aggregate status of a set of builds.
// Ignored is set when every non-skipped build in the set is an allowed failure.
type CompositeStatus struct {
	Name    Status `json:"name"`
	Ignored bool   `json:"is_ignored"`
}

// Composite aggregates the statuses of builds the way a stage or a set of needs is summarized.
// An empty set counts as success.
func Composite(builds []*Build) CompositeStatus {
	if len(builds) == 0 {
		return CompositeStatus{Name: StatusSuccess}
	}

	present := make(map[Status]bool)
	ignored := false
	for _, b := range builds {
		if b.Ignored() || b.nonBlockingManual() {
			ignored = true
			continue
		}
		present[b.Status] = true
	}

	onlyOf := func(allowed ...Status) bool {
		for s := range present {
			found := false
			for _, a := range allowed {
				if s == a {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	}
	anyOf := func(wanted ...Status) bool {
		for _, w := range wanted {
			if present[w] {
				return true
			}
		}
		return false
	}

	switch {
	case onlyOf(StatusSkipped):
		return CompositeStatus{Name: StatusSkipped, Ignored: ignored}
	case onlyOf(StatusSuccess, StatusSkipped):
		return CompositeStatus{Name: StatusSuccess}
	case onlyOf(StatusCreated):
		return CompositeStatus{Name: StatusCreated}
	case onlyOf(StatusCanceled, StatusSuccess, StatusSkipped):
		return CompositeStatus{Name: StatusCanceled}
	case onlyOf(StatusPending, StatusCreated, StatusSkipped):
		return CompositeStatus{Name: StatusPending}
	case anyOf(StatusRunning, StatusPending):
		return CompositeStatus{Name: StatusRunning}
	case anyOf(StatusManual):
		return CompositeStatus{Name: StatusManual}
	case anyOf(StatusScheduled):
		return CompositeStatus{Name: StatusScheduled}
	case anyOf(StatusCreated):
		return CompositeStatus{Name: StatusRunning}
	default:
		return CompositeStatus{Name: StatusFailed}
	}
}

// AllCompleted reports whether every build has reached a completed status. A manual
// build that is allowed to fail does not hold back its dependents and counts as done.
func AllCompleted(builds []*Build) bool {
	for _, b := range builds {
		if b.nonBlockingManual() {
			continue
		}
		if !b.Status.IsCompleted() {
			return false
		}
	}
	return true
}

func (b *Build) nonBlockingManual() bool {
	return b.Status == StatusManual && b.AllowFailure
}
