package ci

import (
	"math/rand"
	"testing"
)

var tagPool = []string{"docker", "linux", "windows", "gpu", "arm64", "macos"}

func randomTags(rng *rand.Rand) []string {
	var tags []string
	for _, tag := range tagPool {
		if rng.Intn(3) == 0 {
			tags = append(tags, tag)
		}
	}
	return tags
}

func naiveMatches(runnerTags []string, runnerProtected bool, buildTags []string, buildProtected bool) bool {
	if buildProtected && !runnerProtected {
		return false
	}
	for _, want := range buildTags {
		found := false
		for _, have := range runnerTags {
			if want == have {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func TestMatchesAgreesWithReference(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 5000; i++ {
		runner := &Runner{ID: 1, RunnerType: RunnerInstance, Tags: randomTags(rng), Protected: rng.Intn(2) == 0}
		build := &Build{ID: 2, ProjectID: 7, Tags: randomTags(rng), Protected: rng.Intn(2) == 0}

		got := runner.Matcher().Matches(build.Matcher())
		want := naiveMatches(runner.Tags, runner.Protected, build.Tags, build.Protected)
		if got != want {
			t.Fatalf("iteration %d: runner %v/%v build %v/%v: got %v want %v",
				i, runner.Tags, runner.Protected, build.Tags, build.Protected, got, want)
		}
	}
}

func TestProtectionOrdering(t *testing.T) {
	protectedRunner := RunnerMatcher{Protected: true}
	openRunner := RunnerMatcher{Protected: false}

	if !protectedRunner.Matches(BuildMatcher{Protected: false}) {
		t.Fatalf("protected runner should accept unprotected builds")
	}
	if openRunner.Matches(BuildMatcher{Protected: true}) {
		t.Fatalf("unprotected runner must not accept protected builds")
	}
}

func TestBuildMatchersForGroupsByConstraints(t *testing.T) {
	builds := []*Build{
		{ID: 1, ProjectID: 1, Tags: []string{"docker", "linux"}},
		{ID: 2, ProjectID: 1, Tags: []string{"linux", "docker"}},
		{ID: 3, ProjectID: 1, Tags: []string{"docker", "linux"}, Protected: true},
		{ID: 4, ProjectID: 1, Tags: []string{"windows"}},
		{ID: 5, ProjectID: 1, Tags: []string{"docker", "docker", "linux"}},
	}

	matchers := BuildMatchersFor(builds)
	if len(matchers) != 3 {
		t.Fatalf("expected 3 matchers, got %d: %+v", len(matchers), matchers)
	}
	if got := matchers[0].BuildIDs; len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 5 {
		t.Fatalf("unexpected first group: %v", got)
	}
	if !matchers[1].Protected || matchers[1].BuildIDs[0] != 3 {
		t.Fatalf("unexpected protected group: %+v", matchers[1])
	}
}

func TestRunnerMatchersForPartitionsByType(t *testing.T) {
	runners := []*Runner{
		{ID: 1, RunnerType: RunnerInstance, Tags: []string{"docker"}},
		{ID: 2, RunnerType: RunnerInstance, Tags: []string{"docker"}},
		{ID: 3, RunnerType: RunnerProject, Tags: []string{"docker"}},
	}
	matchers := RunnerMatchersFor(runners)
	if len(matchers) != 2 {
		t.Fatalf("expected 2 matchers, got %d", len(matchers))
	}
	if !matchers[0].InstanceType() || len(matchers[0].RunnerIDs) != 2 {
		t.Fatalf("unexpected instance matcher: %+v", matchers[0])
	}
	if matchers[1].InstanceType() {
		t.Fatalf("project runner reported as instance type")
	}
}

func TestCanPickChecksAssignment(t *testing.T) {
	build := &Build{ID: 1, ProjectID: 10, Tags: []string{"docker"}}
	scoped := &Runner{ID: 1, RunnerType: RunnerProject, ProjectIDs: []int64{11}, Tags: []string{"docker"}}
	if scoped.CanPick(build) {
		t.Fatalf("runner not assigned to project must not pick build")
	}
	scoped.ProjectIDs = append(scoped.ProjectIDs, 10)
	if !scoped.CanPick(build) {
		t.Fatalf("assigned runner should pick build")
	}
}
