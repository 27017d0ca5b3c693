package taskgraph

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gogpu/cmdgraph/internal/parallel"
)

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) task(name string) Func {
	return func(context.Context) error {
		r.mu.Lock()
		r.order = append(r.order, name)
		r.mu.Unlock()
		return nil
	}
}

func (r *recorder) index(name string) int { return slices.Index(r.order, name) }

func TestRunRespectsDependencies(t *testing.T) {
	pool := parallel.NewPool(4)
	defer pool.Close()

	for _, ex := range []struct {
		name string
		ex   Executor
	}{{"sequential", nil}, {"pool", pool}} {
		t.Run(ex.name, func(t *testing.T) {
			var r recorder
			var g Graph
			// Per list: local in parallel, global chained, submit chained.
			var prevGlobal, prevSubmit Token = -1, -1
			for i := range 8 {
				local := g.Add(name("local", i), r.task(name("local", i)))
				deps := []Token{local}
				if prevGlobal >= 0 {
					deps = append(deps, prevGlobal)
				}
				global := g.Add(name("global", i), r.task(name("global", i)), deps...)
				compile := g.Add(name("compile", i), r.task(name("compile", i)), global)
				deps = []Token{compile}
				if prevSubmit >= 0 {
					deps = append(deps, prevSubmit)
				}
				prevSubmit = g.Add(name("submit", i), r.task(name("submit", i)), deps...)
				prevGlobal = global
			}
			if err := g.Run(context.Background(), ex.ex); err != nil {
				t.Fatalf("Run() = %v", err)
			}
			if len(r.order) != g.Len() {
				t.Fatalf("ran %d tasks, want %d", len(r.order), g.Len())
			}
			for i := range 8 {
				before := []struct{ a, b string }{
					{name("local", i), name("global", i)},
					{name("global", i), name("compile", i)},
					{name("compile", i), name("submit", i)},
				}
				if i > 0 {
					before = append(before,
						struct{ a, b string }{name("global", i-1), name("global", i)},
						struct{ a, b string }{name("submit", i-1), name("submit", i)})
				}
				for _, p := range before {
					if r.index(p.a) > r.index(p.b) {
						t.Errorf("%s ran after %s", p.a, p.b)
					}
				}
			}
		})
	}
}

func name(stage string, i int) string { return stage + string(rune('0'+i)) }

func TestRunStopsAfterError(t *testing.T) {
	pool := parallel.NewPool(2)
	defer pool.Close()

	boom := errors.New("boom")
	var g Graph
	var ran atomic.Int32
	a := g.Add("a", func(context.Context) error { return boom })
	g.Add("b", func(context.Context) error { ran.Add(1); return nil }, a)

	err := g.Run(context.Background(), pool)
	if !errors.Is(err, boom) {
		t.Errorf("Run() = %v, want %v", err, boom)
	}
	if ran.Load() != 0 {
		t.Error("dependent of a failed task ran")
	}
}

func TestAddPanicsOnForwardDependency(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	var g Graph
	g.Add("a", func(context.Context) error { return nil }, 3)
}

func TestRunEmpty(t *testing.T) {
	var g Graph
	pool := parallel.NewPool(1)
	defer pool.Close()
	if err := g.Run(context.Background(), pool); err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
}
