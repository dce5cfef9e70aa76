// Package plan holds the hierarchical model of what an agent intends to do and
// its completion state: a TaskPlan owns Tasks, each Task owns an append-only
// list of PlanRevisions, and the active revision's PlanItems drive execution.
package plan

import (
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
)

type PlanItem struct {
	Index      int      `json:"index" msgpack:"index"`
	Plan       string   `json:"plan" msgpack:"plan"`
	Completed  bool     `json:"completed" msgpack:"completed"`
	Summary    string   `json:"summary,omitempty" msgpack:"summary,omitempty"`
	FeatureIDs []string `json:"feature_ids,omitempty" msgpack:"feature_ids,omitempty"`
}

type PlanRevision struct {
	RevisionIndex int        `json:"revision_index" msgpack:"revision_index"`
	Plans         []PlanItem `json:"plans" msgpack:"plans"`
	CreatedAt     time.Time  `json:"created_at" msgpack:"created_at"`
	CreatedBy     string     `json:"created_by" msgpack:"created_by"`
}

type Task struct {
	ID                  string         `json:"id" msgpack:"id"`
	TaskIndex           int            `json:"task_index" msgpack:"task_index"`
	Request             string         `json:"request" msgpack:"request"`
	Title               string         `json:"title" msgpack:"title"`
	CreatedAt           time.Time      `json:"created_at" msgpack:"created_at"`
	Completed           bool           `json:"completed" msgpack:"completed"`
	FeatureIDs          []string       `json:"feature_ids,omitempty" msgpack:"feature_ids,omitempty"`
	PlanRevisions       []PlanRevision `json:"plan_revisions" msgpack:"plan_revisions"`
	ActiveRevisionIndex int            `json:"active_revision_index" msgpack:"active_revision_index"`
}

type TaskPlan struct {
	ActiveTaskIndex int    `json:"active_task_index" msgpack:"active_task_index"`
	Tasks           []Task `json:"tasks" msgpack:"tasks"`
}

// New creates a TaskPlan with a single task seeded from the request and one
// revision containing the given items.
func New(request, title, createdBy string, items []PlanItem) TaskPlan {
	now := time.Now().UTC()
	task := Task{
		ID:        ulid.Make().String(),
		TaskIndex: 0,
		Request:   request,
		Title:     title,
		CreatedAt: now,
		PlanRevisions: []PlanRevision{{
			RevisionIndex: 0,
			Plans:         normalizeItems(items),
			CreatedAt:     now,
			CreatedBy:     createdBy,
		}},
		ActiveRevisionIndex: 0,
	}
	return TaskPlan{ActiveTaskIndex: 0, Tasks: []Task{task}}
}

func normalizeItems(items []PlanItem) []PlanItem {
	out := append([]PlanItem{}, items...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Validate checks the structural invariants: the active task index addresses an
// existing task, each task's active revision exists, and item indices are
// unique within each revision.
func (p TaskPlan) Validate() error {
	if len(p.Tasks) == 0 {
		return fmt.Errorf("task plan has no tasks")
	}
	if p.ActiveTaskIndex < 0 || p.ActiveTaskIndex >= len(p.Tasks) {
		return fmt.Errorf("active task index %d out of range (tasks=%d)", p.ActiveTaskIndex, len(p.Tasks))
	}
	for _, t := range p.Tasks {
		if len(t.PlanRevisions) == 0 {
			return fmt.Errorf("task %s has no plan revisions", t.ID)
		}
		if t.ActiveRevisionIndex < 0 || t.ActiveRevisionIndex >= len(t.PlanRevisions) {
			return fmt.Errorf("task %s active revision index %d out of range (revisions=%d)",
				t.ID, t.ActiveRevisionIndex, len(t.PlanRevisions))
		}
		for _, rev := range t.PlanRevisions {
			seen := map[int]bool{}
			for _, it := range rev.Plans {
				if seen[it.Index] {
					return fmt.Errorf("task %s revision %d has duplicate item index %d", t.ID, rev.RevisionIndex, it.Index)
				}
				seen[it.Index] = true
			}
		}
	}
	return nil
}

// ActiveTask returns the active task. Callers must have validated the plan;
// an out-of-range index returns an error because it indicates a state bug.
func (p TaskPlan) ActiveTask() (Task, error) {
	if p.ActiveTaskIndex < 0 || p.ActiveTaskIndex >= len(p.Tasks) {
		return Task{}, fmt.Errorf("active task index %d out of range (tasks=%d)", p.ActiveTaskIndex, len(p.Tasks))
	}
	return p.Tasks[p.ActiveTaskIndex], nil
}

// ActivePlanItems returns the items of the active task's active revision,
// sorted by index.
func (p TaskPlan) ActivePlanItems() ([]PlanItem, error) {
	task, err := p.ActiveTask()
	if err != nil {
		return nil, err
	}
	if task.ActiveRevisionIndex < 0 || task.ActiveRevisionIndex >= len(task.PlanRevisions) {
		return nil, fmt.Errorf("task %s active revision index %d out of range (revisions=%d)",
			task.ID, task.ActiveRevisionIndex, len(task.PlanRevisions))
	}
	return normalizeItems(task.PlanRevisions[task.ActiveRevisionIndex].Plans), nil
}

// CurrentItem returns the lowest-index incomplete item of the active revision,
// or nil if every item is complete.
func (p TaskPlan) CurrentItem() (*PlanItem, error) {
	items, err := p.ActivePlanItems()
	if err != nil {
		return nil, err
	}
	for i := range items {
		if !items[i].Completed {
			it := items[i]
			return &it, nil
		}
	}
	return nil, nil
}

// AllCompleted reports whether every item in the active revision is complete.
func (p TaskPlan) AllCompleted() (bool, error) {
	items, err := p.ActivePlanItems()
	if err != nil {
		return false, err
	}
	for _, it := range items {
		if !it.Completed {
			return false, nil
		}
	}
	return true, nil
}

// Mutations are whole-replacement updates: each returns a new TaskPlan so the
// workflow's update-merge model stays simple and audit-friendly. Prior
// revisions are retained, never deleted.

// AppendRevision adds a revision to the active task and makes it active.
func (p TaskPlan) AppendRevision(items []PlanItem, createdBy string) (TaskPlan, error) {
	task, err := p.ActiveTask()
	if err != nil {
		return TaskPlan{}, err
	}
	next := p.clone()
	rev := PlanRevision{
		RevisionIndex: len(task.PlanRevisions),
		Plans:         normalizeItems(items),
		CreatedAt:     time.Now().UTC(),
		CreatedBy:     createdBy,
	}
	t := &next.Tasks[next.ActiveTaskIndex]
	t.PlanRevisions = append(t.PlanRevisions, rev)
	t.ActiveRevisionIndex = len(t.PlanRevisions) - 1
	return next, nil
}

// MarkItemCompleted marks the item with the given index complete and attaches a
// summary of what was done.
func (p TaskPlan) MarkItemCompleted(index int, summary string) (TaskPlan, error) {
	task, err := p.ActiveTask()
	if err != nil {
		return TaskPlan{}, err
	}
	next := p.clone()
	t := &next.Tasks[next.ActiveTaskIndex]
	rev := &t.PlanRevisions[task.ActiveRevisionIndex]
	for i := range rev.Plans {
		if rev.Plans[i].Index == index {
			rev.Plans[i].Completed = true
			rev.Plans[i].Summary = summary
			return next, nil
		}
	}
	return TaskPlan{}, fmt.Errorf("plan item %d not found in active revision", index)
}

// MarkTaskCompleted marks the active task complete.
func (p TaskPlan) MarkTaskCompleted() (TaskPlan, error) {
	if _, err := p.ActiveTask(); err != nil {
		return TaskPlan{}, err
	}
	next := p.clone()
	next.Tasks[next.ActiveTaskIndex].Completed = true
	return next, nil
}

func (p TaskPlan) clone() TaskPlan {
	out := TaskPlan{ActiveTaskIndex: p.ActiveTaskIndex, Tasks: make([]Task, len(p.Tasks))}
	for i, t := range p.Tasks {
		ct := t
		ct.FeatureIDs = append([]string{}, t.FeatureIDs...)
		ct.PlanRevisions = make([]PlanRevision, len(t.PlanRevisions))
		for j, r := range t.PlanRevisions {
			cr := r
			cr.Plans = append([]PlanItem{}, r.Plans...)
			ct.PlanRevisions[j] = cr
		}
		out.Tasks[i] = ct
	}
	return out
}
