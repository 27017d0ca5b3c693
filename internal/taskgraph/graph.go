// Package taskgraph runs a set of functions with explicit ordering edges.
//
// Tasks are added in an order that is already topological: a task may only
// depend on tasks added before it. Run schedules every task whose
// dependencies have finished onto an Executor and waits for all of them.
package taskgraph

import (
	"context"
	"fmt"
)

// Token identifies a task within its Graph.
type Token int

// Executor runs functions asynchronously. Go reports false when it cannot
// accept work, in which case Run executes the task itself.
type Executor interface {
	Go(fn func()) bool
}

// Func is the body of a task.
type Func func(ctx context.Context) error

type task struct {
	name       string
	fn         Func
	deps       []Token
	dependents []Token
}

// Graph is an arena of tasks. The zero value is ready to use.
type Graph struct {
	tasks []task
}

// Add appends a task that runs after every task in deps.
func (g *Graph) Add(name string, fn Func, deps ...Token) Token {
	id := Token(len(g.tasks))
	for _, d := range deps {
		if d < 0 || d >= id {
			panic(fmt.Sprintf("taskgraph: task %q depends on unknown token %d", name, d))
		}
		g.tasks[d].dependents = append(g.tasks[d].dependents, id)
	}
	g.tasks = append(g.tasks, task{name: name, fn: fn, deps: deps})
	return id
}

// Len returns the number of tasks.
func (g *Graph) Len() int { return len(g.tasks) }

// Name returns the name of task t.
func (g *Graph) Name(t Token) string { return g.tasks[t].name }

// Reset removes every task.
func (g *Graph) Reset() { g.tasks = g.tasks[:0] }

type result struct {
	id  Token
	err error
}

// Run executes the graph. A nil executor runs tasks sequentially in the
// order they were added. After the first failure, tasks that have not yet
// started are skipped; the first error is returned.
func (g *Graph) Run(ctx context.Context, ex Executor) error {
	if ex == nil {
		for _, t := range g.tasks {
			if err := t.fn(ctx); err != nil {
				return fmt.Errorf("%s: %w", t.name, err)
			}
		}
		return nil
	}

	n := len(g.tasks)
	if n == 0 {
		return nil
	}
	waiting := make([]int, n)
	for i, t := range g.tasks {
		waiting[i] = len(t.deps)
	}

	// Workers only report completion; scheduling stays on this goroutine so
	// a full executor queue cannot block a worker.
	done := make(chan result, n)
	var firstErr error
	start := func(id Token) {
		t := &g.tasks[id]
		if firstErr != nil {
			done <- result{id: id}
			return
		}
		run := func() { done <- result{id: id, err: t.fn(ctx)} }
		if !ex.Go(run) {
			run()
		}
	}

	for i := range n {
		if waiting[i] == 0 {
			start(Token(i))
		}
	}
	for range n {
		r := <-done
		if r.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", g.tasks[r.id].name, r.err)
		}
		for _, d := range g.tasks[r.id].dependents {
			waiting[d]--
			if waiting[d] == 0 {
				start(d)
			}
		}
	}
	return firstErr
}
