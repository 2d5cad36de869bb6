package ci

import (
	"strconv"
	"strings"
)

// BuildMatcher groups builds sharing the same runner-eligibility constraints.
type BuildMatcher struct {
	BuildIDs  []int64
	ProjectID int64
	Protected bool
	Tags      []string
}

// RunnerMatcher summarizes the capabilities of one or more runners.
type RunnerMatcher struct {
	RunnerIDs  []int64
	RunnerType RunnerType
	Protected  bool
	Tags       []string
}

// InstanceType reports whether the matcher describes instance-wide runners.
func (m RunnerMatcher) InstanceType() bool {
	return m.RunnerType == RunnerInstance
}

// Matches reports whether runners described by m could run the builds of bm.
// Protected builds need a protected runner; every build tag must be carried by the runner.
func (m RunnerMatcher) Matches(bm BuildMatcher) bool {
	if bm.Protected && !m.Protected {
		return false
	}
	return tagsSubset(bm.Tags, m.Tags)
}

// CanPick reports whether the runner may claim the build.
func (r *Runner) CanPick(b *Build) bool {
	if !r.AssignableTo(b.ProjectID) {
		return false
	}
	return r.Matcher().Matches(b.Matcher())
}

// Matcher returns the single-runner matcher for r.
func (r *Runner) Matcher() RunnerMatcher {
	return RunnerMatcher{
		RunnerIDs:  []int64{r.ID},
		RunnerType: r.RunnerType,
		Protected:  r.Protected,
		Tags:       normalizeTags(r.Tags),
	}
}

// Matcher returns the single-build matcher for b.
func (b *Build) Matcher() BuildMatcher {
	return BuildMatcher{
		BuildIDs:  []int64{b.ID},
		ProjectID: b.ProjectID,
		Protected: b.Protected,
		Tags:      normalizeTags(b.Tags),
	}
}

// BuildMatchersFor groups builds by (protected, tag set, project) in first-seen order.
func BuildMatchersFor(builds []*Build) []BuildMatcher {
	index := make(map[string]int)
	var out []BuildMatcher
	for _, b := range builds {
		tags := normalizeTags(b.Tags)
		key := groupKey(b.ProjectID, strconv.FormatBool(b.Protected), tags)
		if i, ok := index[key]; ok {
			out[i].BuildIDs = append(out[i].BuildIDs, b.ID)
			continue
		}
		index[key] = len(out)
		out = append(out, BuildMatcher{
			BuildIDs:  []int64{b.ID},
			ProjectID: b.ProjectID,
			Protected: b.Protected,
			Tags:      tags,
		})
	}
	return out
}

// RunnerMatchersFor groups runners by (type, protected, tag set) in first-seen order.
func RunnerMatchersFor(runners []*Runner) []RunnerMatcher {
	index := make(map[string]int)
	var out []RunnerMatcher
	for _, r := range runners {
		tags := normalizeTags(r.Tags)
		key := groupKey(0, string(r.RunnerType)+"/"+strconv.FormatBool(r.Protected), tags)
		if i, ok := index[key]; ok {
			out[i].RunnerIDs = append(out[i].RunnerIDs, r.ID)
			continue
		}
		index[key] = len(out)
		out = append(out, RunnerMatcher{
			RunnerIDs:  []int64{r.ID},
			RunnerType: r.RunnerType,
			Protected:  r.Protected,
			Tags:       tags,
		})
	}
	return out
}

func tagsSubset(want, have []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

func groupKey(project int64, prefix string, tags []string) string {
	return prefix + "|" + strings.Join(tags, ",") + "|" + strconv.FormatInt(project, 10)
}
