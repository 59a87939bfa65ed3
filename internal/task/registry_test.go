// ABOUTME: Tests for task registry construction, name resolution and typed definitions.
package task_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/Ansteorra/KMP-sub014/internal/task"
)

type ExampleTask struct{}

func (ExampleTask) Run(context.Context, map[string]any, int64) error { return nil }

type SendTask struct{}

func (*SendTask) Run(context.Context, map[string]any, int64) error { return nil }
func (*SendTask) Timeout() time.Duration                           { return 30 * time.Second }
func (*SendTask) MaxRetries() int                                  { return 5 }

type reportTask struct{}

func (reportTask) Run(context.Context, map[string]any, int64) error { return nil }
func (reportTask) TaskName() string                                 { return "NightlyReport" }

var defaults = task.Defaults{Timeout: time.Minute, MaxRetries: 2}

func mustRegistry(t *testing.T, modules ...task.Module) *task.Registry {
	t.Helper()
	r, err := task.NewRegistry(defaults, modules...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

// ── Construction ──────────────────────────────────────────────────────────────

func TestNewRegistry_PrefixesPluginModules(t *testing.T) {
	t.Parallel()
	r := mustRegistry(t,
		task.Module{Tasks: []task.Task{reportTask{}}},
		task.Module{Name: "Queue", Tasks: []task.Task{ExampleTask{}}},
		task.Module{Name: "Email", Tasks: []task.Task{&SendTask{}}},
	)

	want := []string{"Email.Send", "NightlyReport", "Queue.Example"}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
}

func TestNewRegistry_EmptyModules(t *testing.T) {
	t.Parallel()
	r := mustRegistry(t, task.Module{Name: "Empty"}, task.Module{})
	if n := len(r.All()); n != 0 {
		t.Fatalf("All() has %d entries, want 0", n)
	}
}

func TestNewRegistry_SameShortNameInTwoModules(t *testing.T) {
	t.Parallel()
	r := mustRegistry(t,
		task.Module{Name: "Queue", Tasks: []task.Task{ExampleTask{}}},
		task.Module{Name: "Billing", Tasks: []task.Task{ExampleTask{}}},
	)

	all := r.All()
	if _, ok := all["Queue.Example"]; !ok {
		t.Error("Queue.Example missing")
	}
	if _, ok := all["Billing.Example"]; !ok {
		t.Error("Billing.Example missing")
	}
	if _, err := r.Resolve("Example"); !errors.Is(err, task.ErrUnknownTask) {
		t.Errorf("Resolve(ambiguous short name) err = %v, want ErrUnknownTask", err)
	}
}

func TestNewRegistry_DuplicateWithinModule(t *testing.T) {
	t.Parallel()
	_, err := task.NewRegistry(defaults,
		task.Module{Name: "Queue", Tasks: []task.Task{ExampleTask{}, ExampleTask{}}},
	)
	if !errors.Is(err, task.ErrDuplicateTask) {
		t.Fatalf("err = %v, want ErrDuplicateTask", err)
	}
}

func TestNewRegistry_NilTask(t *testing.T) {
	t.Parallel()
	if _, err := task.NewRegistry(defaults, task.Module{Name: "Queue", Tasks: []task.Task{nil}}); err == nil {
		t.Fatal("expected error for nil task")
	}
}

// ── Resolution ────────────────────────────────────────────────────────────────

func TestResolve(t *testing.T) {
	t.Parallel()
	r := mustRegistry(t,
		task.Module{Tasks: []task.Task{reportTask{}}},
		task.Module{Name: "Email", Tasks: []task.Task{&SendTask{}}},
	)
	typeRef := reflect.TypeOf(SendTask{}).PkgPath() + ".SendTask"

	tests := []struct {
		name       string
		identifier string
		want       string
	}{
		{"canonical", "Email.Send", "Email.Send"},
		{"type reference", typeRef, "Email.Send"},
		{"short name", "Send", "Email.Send"},
		{"self reported", "NightlyReport", "NightlyReport"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.Resolve(tc.identifier)
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tc.identifier, err)
			}
			if got != tc.want {
				t.Errorf("Resolve(%q) = %q, want %q", tc.identifier, got, tc.want)
			}
		})
	}
}

func TestResolve_Unknown(t *testing.T) {
	t.Parallel()
	r := mustRegistry(t, task.Module{Name: "Queue", Tasks: []task.Task{ExampleTask{}}})
	if _, err := r.Resolve("Queue.Nope"); !errors.Is(err, task.ErrUnknownTask) {
		t.Fatalf("err = %v, want ErrUnknownTask", err)
	}
	if _, err := r.Get("Example"); !errors.Is(err, task.ErrUnknownTask) {
		t.Fatalf("Get(short name) err = %v, want ErrUnknownTask", err)
	}
}

// ── Descriptors ───────────────────────────────────────────────────────────────

func TestGet_AppliesDefaultsAndOverrides(t *testing.T) {
	t.Parallel()
	r := mustRegistry(t,
		task.Module{Name: "Queue", Tasks: []task.Task{ExampleTask{}}},
		task.Module{Name: "Email", Tasks: []task.Task{&SendTask{}}},
	)

	ex, err := r.Get("Queue.Example")
	if err != nil {
		t.Fatal(err)
	}
	if ex.Timeout != time.Minute || ex.MaxRetries != 2 {
		t.Errorf("Queue.Example timeout=%v retries=%d, want defaults", ex.Timeout, ex.MaxRetries)
	}
	if ex.Module != "Queue" || ex.ShortName != "Example" {
		t.Errorf("Queue.Example module=%q short=%q", ex.Module, ex.ShortName)
	}

	send, err := r.Get("Email.Send")
	if err != nil {
		t.Fatal(err)
	}
	if send.Timeout != 30*time.Second || send.MaxRetries != 5 {
		t.Errorf("Email.Send timeout=%v retries=%d, want 30s/5", send.Timeout, send.MaxRetries)
	}
}

// ── Definition ────────────────────────────────────────────────────────────────

type greeting struct {
	Name string `json:"name"`
}

func TestDefinition_DecodesPayload(t *testing.T) {
	t.Parallel()
	var got greeting
	var gotID int64
	def := task.NewDefinition("Greet", func(_ context.Context, p greeting, jobID int64) error {
		got, gotID = p, jobID
		return nil
	}, task.WithTimeout(5*time.Second), task.WithMaxRetries(0))

	r := mustRegistry(t, task.Module{Name: "App", Tasks: []task.Task{def}})
	d, err := r.Get("App.Greet")
	if err != nil {
		t.Fatal(err)
	}
	if d.Timeout != 5*time.Second || d.MaxRetries != 0 {
		t.Errorf("timeout=%v retries=%d, want 5s/0", d.Timeout, d.MaxRetries)
	}

	if err := d.Handler.Run(context.Background(), map[string]any{"name": "ada"}, 42); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Name != "ada" || gotID != 42 {
		t.Errorf("handler got %+v id=%d", got, gotID)
	}
}

func TestDefinition_DecodeError(t *testing.T) {
	t.Parallel()
	def := task.NewDefinition("Greet", func(context.Context, greeting, int64) error { return nil })
	err := def.Run(context.Background(), map[string]any{"name": 12}, 1)
	if err == nil {
		t.Fatal("expected decode error")
	}
}

func TestDefinition_UsesRegistryDefaultsWithoutOptions(t *testing.T) {
	t.Parallel()
	def := task.NewDefinition("Greet", func(context.Context, greeting, int64) error { return nil })
	r := mustRegistry(t, task.Module{Tasks: []task.Task{def}})
	d, err := r.Get("Greet")
	if err != nil {
		t.Fatal(err)
	}
	if d.Timeout != time.Minute || d.MaxRetries != 2 {
		t.Errorf("timeout=%v retries=%d, want registry defaults", d.Timeout, d.MaxRetries)
	}
}
