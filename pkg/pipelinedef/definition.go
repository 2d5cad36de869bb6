// Package pipelinedef reads YAML pipeline definitions and turns them into builds.
package pipelinedef

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/vyvo/ci/backend/pkg/ci"
)

// DefaultStages apply when a definition declares none.
var DefaultStages = []string{"build", "test", "deploy"}

const defaultStage = "test"

// ErrInvalidDefinition wraps every validation failure.
var ErrInvalidDefinition = errors.New("invalid pipeline definition")

// Definition is a parsed pipeline file.
type Definition struct {
	Stages []string `yaml:"stages"`
	Jobs   Jobs     `yaml:"jobs"`
}

// Job is one entry under jobs.
type Job struct {
	Name         string        `yaml:"-"`
	Stage        string        `yaml:"stage"`
	When         ci.When       `yaml:"when"`
	Tags         []string      `yaml:"tags"`
	Needs        []string      `yaml:"needs"`
	AllowFailure bool          `yaml:"allow_failure"`
	StartIn      time.Duration `yaml:"-"`
	Protected    bool          `yaml:"protected"`
}

// Jobs keeps jobs in declaration order.
type Jobs []Job

func (j *Jobs) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return errors.Newf("jobs: expected a mapping, got line %d", node.Line)
	}
	out := make(Jobs, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var raw struct {
			Job     `yaml:",inline"`
			StartIn string `yaml:"start_in"`
		}
		if err := node.Content[i+1].Decode(&raw); err != nil {
			return errors.Wrapf(err, "job %q", node.Content[i].Value)
		}
		job := raw.Job
		job.Name = node.Content[i].Value
		if raw.StartIn != "" {
			d, err := time.ParseDuration(raw.StartIn)
			if err != nil {
				return errors.Wrapf(err, "job %q: start_in", job.Name)
			}
			job.StartIn = d
		}
		out = append(out, job)
	}
	*j = out
	return nil
}

// Parse decodes and validates a pipeline definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, errors.Wrap(err, "decode pipeline definition")
	}
	if len(def.Stages) == 0 {
		def.Stages = append([]string(nil), DefaultStages...)
	}
	for i := range def.Jobs {
		if def.Jobs[i].Stage == "" {
			def.Jobs[i].Stage = defaultStage
		}
		if def.Jobs[i].When == "" {
			def.Jobs[i].When = ci.WhenOnSuccess
		}
	}
	if err := def.validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *Definition) stageIndex() map[string]int {
	idx := make(map[string]int, len(d.Stages))
	for i, s := range d.Stages {
		idx[s] = i
	}
	return idx
}

func (d *Definition) validate() error {
	var problems []string
	stages := d.stageIndex()
	if len(stages) != len(d.Stages) {
		problems = append(problems, "stages must be unique")
	}
	if len(d.Jobs) == 0 {
		problems = append(problems, "no jobs defined")
	}

	jobStage := make(map[string]int, len(d.Jobs))
	for _, job := range d.Jobs {
		if _, dup := jobStage[job.Name]; dup {
			problems = append(problems, fmt.Sprintf("job %q defined twice", job.Name))
		}
		stage, ok := stages[job.Stage]
		if !ok {
			problems = append(problems, fmt.Sprintf("job %q: unknown stage %q", job.Name, job.Stage))
		}
		jobStage[job.Name] = stage
	}

	for _, job := range d.Jobs {
		if !job.When.Valid() {
			problems = append(problems, fmt.Sprintf("job %q: unknown when %q", job.Name, job.When))
		}
		if job.When == ci.WhenDelayed && job.StartIn <= 0 {
			problems = append(problems, fmt.Sprintf("job %q: delayed jobs require start_in", job.Name))
		}
		for _, need := range job.Needs {
			stage, ok := jobStage[need]
			switch {
			case !ok:
				problems = append(problems, fmt.Sprintf("job %q: needs unknown job %q", job.Name, need))
			case need == job.Name:
				problems = append(problems, fmt.Sprintf("job %q: needs itself", job.Name))
			case stage > jobStage[job.Name]:
				problems = append(problems, fmt.Sprintf("job %q: needs %q from a later stage", job.Name, need))
			}
		}
	}
	if len(problems) > 0 {
		return errors.Wrap(ErrInvalidDefinition, strings.Join(problems, "; "))
	}
	return nil
}

// Build creates the unsaved builds of pipeline p. Jobs with needs use dag scheduling.
func Build(def *Definition, p *ci.Pipeline, now time.Time) ([]*ci.Build, error) {
	stages := def.stageIndex()
	out := make([]*ci.Build, 0, len(def.Jobs))
	for _, job := range def.Jobs {
		b := &ci.Build{
			PipelineID:   p.ID,
			ProjectID:    p.ProjectID,
			Name:         job.Name,
			Stage:        job.Stage,
			StageIdx:     stages[job.Stage],
			Status:       ci.StatusCreated,
			When:         job.When,
			Tags:         append([]string(nil), job.Tags...),
			Needs:        append([]string(nil), job.Needs...),
			AllowFailure: job.AllowFailure,
			Protected:    p.Protected || job.Protected,
		}
		scheduling := ci.SchedulingStage
		if len(job.Needs) > 0 {
			scheduling = ci.SchedulingDAG
		}
		if err := b.SetSchedulingType(scheduling); err != nil {
			return nil, errors.Wrapf(err, "job %q", job.Name)
		}
		if job.When == ci.WhenDelayed {
			at := now.Add(job.StartIn)
			b.ScheduledAt = &at
		}
		out = append(out, b)
	}
	return out, nil
}
