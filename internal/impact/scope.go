package impact

import (
	"context"
	"sort"
	"time"

	apperrors "execution-insight/backend/internal/errors"
	"execution-insight/backend/pkg/models"
)

const defaultHorizonDays = 30

// checkScope normalizes the scope and rejects it when it exceeds the hard
// limits. It runs before any thread is read.
func (a *Analyzer) checkScope(trigger models.ChangeTrigger, scope models.Scope) (models.Scope, error) {
	if err := trigger.Validate(); err != nil {
		return scope, apperrors.Validation("%v", err)
	}
	if scope.HorizonDays < 0 || scope.Depth < 0 {
		return scope, apperrors.Validation("horizon_days and depth must not be negative")
	}
	if scope.HorizonDays > a.opts.MaxHorizonDays {
		return scope, apperrors.Wrapf(apperrors.ErrScopeTooLarge,
			"horizon of %d days exceeds the maximum of %d", scope.HorizonDays, a.opts.MaxHorizonDays)
	}
	if scope.Depth > a.opts.MaxDepth {
		return scope, apperrors.Wrapf(apperrors.ErrScopeTooLarge,
			"dependency depth %d exceeds the maximum of %d", scope.Depth, a.opts.MaxDepth)
	}
	if scope.HorizonDays == 0 {
		scope.HorizonDays = min(defaultHorizonDays, a.opts.MaxHorizonDays)
	}

	switch scope.Kind {
	case "":
		if trigger.Kind == models.TriggerTaskType {
			scope.Kind = models.ScopeGlobal
		} else {
			scope.Kind = models.ScopeProcessDefinition
		}
	case models.ScopeProcessDefinition, models.ScopeGlobal:
	case models.ScopeDomain:
		if scope.Domain == "" {
			return scope, apperrors.Validation("domain scope requires a domain")
		}
	default:
		return scope, apperrors.Validation("unknown scope kind %q", scope.Kind)
	}
	if scope.Kind == models.ScopeProcessDefinition && len(scope.ProcessDefinitionIDs) == 0 &&
		trigger.Kind == models.TriggerTaskType {
		return scope, apperrors.Validation("process_definition scope requires process_definition_ids for a task_type trigger")
	}
	return scope, nil
}

// origin is what the change touches, resolved from the trigger.
type origin struct {
	threadID   string
	definition string
	domain     string
	taskTypes  map[models.TaskType]struct{}
}

func (a *Analyzer) resolveOrigin(ctx context.Context, trigger models.ChangeTrigger) (origin, error) {
	o := origin{taskTypes: make(map[models.TaskType]struct{})}
	switch trigger.Kind {
	case models.TriggerThread:
		th, err := a.threads.GetThread(ctx, trigger.ThreadID)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrNotFound) {
				return o, err
			}
			return o, apperrors.Dependency("thread_store", err)
		}
		o.threadID = th.ID
		o.definition = th.ProcessDefinitionID
		o.domain = th.Domain
		o.taskTypes = th.TaskTypes()
	case models.TriggerTaskType:
		o.taskTypes[trigger.TaskType] = struct{}{}
	case models.TriggerProcessDefinition:
		o.definition = trigger.ProcessDefinitionID
	}
	return o, nil
}

// candidates lists the threads inside the scope's horizon, filtered by
// domain and, when requested, by status. More than MaxCandidates is an error.
func (a *Analyzer) candidates(ctx context.Context, scope models.Scope) ([]*models.Thread, error) {
	filter := models.ThreadFilter{
		StartedAfter: a.clock.Now().Add(-time.Duration(scope.HorizonDays) * 24 * time.Hour),
		Limit:        a.opts.MaxCandidates + 1,
	}
	if scope.Kind == models.ScopeDomain {
		filter.Domain = scope.Domain
	}
	if !scope.IncludeActive {
		filter.Statuses = []models.Status{models.StatusCompleted, models.StatusFailed, models.StatusTerminated}
	}
	threads, err := a.threads.ListThreads(ctx, filter)
	if err != nil {
		return nil, apperrors.Dependency("thread_store", err)
	}
	if len(threads) > a.opts.MaxCandidates {
		return nil, apperrors.Wrapf(apperrors.ErrScopeTooLarge,
			"more than %d candidate threads in scope", a.opts.MaxCandidates)
	}
	return threads, nil
}

// graph maps a process definition to the definitions it calls.
type graph map[string]map[string]struct{}

func (g graph) add(caller, callee string) {
	if caller == "" || callee == "" || caller == callee {
		return
	}
	if g[caller] == nil {
		g[caller] = make(map[string]struct{})
	}
	g[caller][callee] = struct{}{}
}

// buildGraph merges configured dependencies with call-activity edges observed
// in the candidate threads.
func (a *Analyzer) buildGraph(ctx context.Context, threads []*models.Thread) (graph, error) {
	g := make(graph)
	for caller, callees := range a.opts.Dependencies {
		for _, callee := range callees {
			g.add(caller, callee)
		}
	}
	for _, th := range threads {
		if _, ok := th.TaskTypes()[models.TaskTypeCallActivity]; !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tasks, err := a.threads.ListTasks(ctx, th.ID)
		if err != nil {
			return nil, apperrors.Dependency("thread_store", err)
		}
		for _, t := range tasks {
			if t.Type == models.TaskTypeCallActivity {
				g.add(th.ProcessDefinitionID, t.CalledProcess)
			}
		}
	}
	return g, nil
}

// distances walks caller edges backwards from the seeds: a change to a
// definition reaches every definition that calls it. The result holds each
// reachable definition with its hop count, up to depth.
func (g graph) distances(seeds []string, depth int) map[string]int {
	callers := make(map[string][]string)
	for caller, callees := range g {
		for callee := range callees {
			callers[callee] = append(callers[callee], caller)
		}
	}
	for _, c := range callers {
		sort.Strings(c)
	}

	dist := make(map[string]int)
	queue := make([]string, 0, len(seeds))
	for _, s := range seeds {
		if s == "" {
			continue
		}
		if _, seen := dist[s]; !seen {
			dist[s] = 0
			queue = append(queue, s)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if dist[cur] >= depth {
			continue
		}
		for _, next := range callers[cur] {
			if _, seen := dist[next]; seen {
				continue
			}
			dist[next] = dist[cur] + 1
			queue = append(queue, next)
		}
	}
	return dist
}
