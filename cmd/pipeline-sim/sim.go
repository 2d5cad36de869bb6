package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/vyvo/ci/backend/pkg/ci"
	"github.com/vyvo/ci/backend/pkg/config"
	"github.com/vyvo/ci/backend/pkg/engine"
	"github.com/vyvo/ci/backend/pkg/pipelinedef"
)

// fleet is the runner file format.
type fleet struct {
	Runners []fleetRunner `yaml:"runners"`
}

type fleetRunner struct {
	Description string        `yaml:"description"`
	RunnerType  ci.RunnerType `yaml:"runner_type"`
	Tags        []string      `yaml:"tags"`
	Protected   bool          `yaml:"protected"`
	ProjectIDs  []int64       `yaml:"project_ids"`
	Paused      bool          `yaml:"paused"`
}

func parseFleet(data []byte) ([]*ci.Runner, error) {
	var f fleet
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "decode runner fleet")
	}
	out := make([]*ci.Runner, 0, len(f.Runners))
	for i, r := range f.Runners {
		if r.RunnerType == "" {
			r.RunnerType = ci.RunnerInstance
		}
		if r.RunnerType != ci.RunnerInstance && len(r.ProjectIDs) == 0 {
			return nil, errors.Newf("runner %d: project_ids are required for %s", i, r.RunnerType)
		}
		out = append(out, &ci.Runner{
			Description: r.Description,
			RunnerType:  r.RunnerType,
			Tags:        r.Tags,
			Protected:   r.Protected,
			ProjectIDs:  r.ProjectIDs,
			Active:      !r.Paused,
		})
	}
	return out, nil
}

type simOptions struct {
	projectID int64
	ref       string
	protected bool
	// execute lets runners claim and succeed builds until nothing is left to pick.
	execute  bool
	features config.Features
}

type simulation struct {
	engine   *engine.Engine
	runners  []*ci.Runner
	pipeline *ci.Pipeline
	claims   map[int64]string
}

func simulate(ctx context.Context, definition, runnerFile []byte, opts simOptions) (*simulation, error) {
	def, err := pipelinedef.Parse(definition)
	if err != nil {
		return nil, err
	}
	fleet, err := parseFleet(runnerFile)
	if err != nil {
		return nil, err
	}

	e := engine.New(engine.Deps{Features: opts.features})
	sim := &simulation{engine: e, claims: make(map[int64]string)}
	for _, r := range fleet {
		created, err := e.Repo.CreateRunner(ctx, r)
		if err != nil {
			return nil, err
		}
		sim.runners = append(sim.runners, created)
	}

	sim.pipeline, err = e.SubmitPipeline(ctx, &ci.Pipeline{
		ProjectID: opts.projectID,
		Ref:       opts.ref,
		Protected: opts.protected,
	}, def)
	if err != nil {
		return nil, err
	}
	if opts.execute {
		if err := sim.execute(ctx); err != nil {
			return nil, err
		}
	}
	return sim, nil
}

// execute polls with every active runner and succeeds what it claims until a full
// round claims nothing.
func (s *simulation) execute(ctx context.Context) error {
	for {
		claimed := false
		for _, r := range s.runners {
			if !r.Active {
				continue
			}
			res, err := s.engine.Requests.Request(ctx, r, "")
			if err != nil {
				return err
			}
			if res.Build == nil {
				continue
			}
			claimed = true
			s.claims[res.Build.ID] = runnerLabel(r)
			if _, _, err := s.engine.Lifecycle.Fire(ctx, res.Build.ID, ci.EventSucceed); err != nil {
				return err
			}
		}
		if !claimed {
			break
		}
	}
	p, err := s.engine.Repo.GetPipeline(ctx, s.pipeline.ID)
	if err != nil {
		return err
	}
	s.pipeline = p
	return nil
}

func runnerLabel(r *ci.Runner) string {
	if r.Description != "" {
		return r.Description
	}
	return fmt.Sprintf("runner-%d", r.ID)
}

func (s *simulation) print(ctx context.Context, w io.Writer) error {
	builds, err := s.engine.Repo.ListPipelineBuilds(ctx, s.pipeline.ID)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "STAGE\tJOB\tSTATUS\tREASON\tRUNNER\n")
	for _, b := range builds {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", b.Stage, b.Name, b.Status, b.FailureReason, s.claims[b.ID])
	}
	fmt.Fprintf(tw, "\npipeline %d\t%s\n", s.pipeline.ID, s.pipeline.Status)
	return tw.Flush()
}
