package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeAdapter struct {
	name  string
	calls int
	fn    func(req Request) (Response, error)
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Complete(_ context.Context, req Request) (Response, error) {
	f.calls++
	return f.fn(req)
}

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func singleAttempt() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

func TestGetConfigsDeduplicates(t *testing.T) {
	r := NewRouter([]ModelConfig{
		{Provider: "openai", ModelName: "gpt-x"},
		{Provider: "Anthropic", ModelName: "claude"},
		{Provider: "openai", ModelName: "gpt-x"},
	})
	got := r.GetConfigs("task", ModelConfig{Provider: "OpenAI", ModelName: "gpt-x"})

	if len(got) != 2 {
		t.Fatalf("expected 2 configs, got %d: %+v", len(got), got)
	}
	if got[0].Key() != "openai:gpt-x" {
		t.Fatalf("primary must come first, got %s", got[0].Key())
	}
	seen := map[string]bool{}
	for _, c := range got {
		if seen[c.Key()] {
			t.Fatalf("duplicate (provider, modelName) pair: %s", c.Key())
		}
		seen[c.Key()] = true
	}
}

func TestInvokeFallsBackToNextConfig(t *testing.T) {
	primary := &fakeAdapter{name: "openai", fn: func(Request) (Response, error) {
		return Response{}, ErrorFromHTTPStatus("openai", 500, "boom", nil)
	}}
	backup := &fakeAdapter{name: "anthropic", fn: func(Request) (Response, error) {
		return Response{Message: Assistant("ok")}, nil
	}}

	r := NewRouter([]ModelConfig{{Provider: "anthropic", ModelName: "claude"}},
		WithRetryPolicy(singleAttempt()), WithSleep(noSleep))
	r.Register(primary)
	r.Register(backup)

	resp, err := r.Invoke(context.Background(), "t", ModelConfig{Provider: "openai", ModelName: "gpt-x"}, []Message{User("hi")}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "ok" {
		t.Fatalf("expected backup response, got %q", resp.Text())
	}
	if primary.calls != 1 || backup.calls != 1 {
		t.Fatalf("expected sequential fallback, calls: primary=%d backup=%d", primary.calls, backup.calls)
	}
}

func TestInvokeAllConfigsFailed(t *testing.T) {
	fail := func(Request) (Response, error) {
		return Response{}, ErrorFromHTTPStatus("x", 503, "down", nil)
	}
	r := NewRouter([]ModelConfig{{Provider: "anthropic", ModelName: "claude"}},
		WithRetryPolicy(singleAttempt()), WithSleep(noSleep))
	r.Register(&fakeAdapter{name: "openai", fn: fail})
	r.Register(&fakeAdapter{name: "anthropic", fn: fail})

	_, err := r.Invoke(context.Background(), "mytask", ModelConfig{Provider: "openai", ModelName: "gpt-x"}, []Message{User("hi")}, nil)
	var all *AllConfigsFailedError
	if !errors.As(err, &all) {
		t.Fatalf("expected AllConfigsFailedError, got %v", err)
	}
	if all.Task != "mytask" || all.Attempted != 2 {
		t.Fatalf("aggregate mismatch: %+v", all)
	}
	if all.Last == nil {
		t.Fatal("aggregate must carry the last underlying failure")
	}
}

func TestInvokeSkipsOpenBreaker(t *testing.T) {
	primary := &fakeAdapter{name: "openai", fn: func(Request) (Response, error) {
		return Response{}, ErrorFromHTTPStatus("openai", 500, "boom", nil)
	}}
	backup := &fakeAdapter{name: "anthropic", fn: func(Request) (Response, error) {
		return Response{Message: Assistant("ok")}, nil
	}}

	breakers := NewBreakerSet(2, time.Hour)
	r := NewRouter([]ModelConfig{{Provider: "anthropic", ModelName: "claude"}},
		WithRetryPolicy(singleAttempt()), WithSleep(noSleep), WithBreakers(breakers))
	r.Register(primary)
	r.Register(backup)

	pc := ModelConfig{Provider: "openai", ModelName: "gpt-x"}
	msgs := []Message{User("hi")}

	// Two failing rounds open the primary's breaker.
	for i := 0; i < 2; i++ {
		if _, err := r.Invoke(context.Background(), "t", pc, msgs, nil); err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
	}
	if breakers.Snapshot(pc.Key()).State != BreakerOpen {
		t.Fatal("primary breaker should be open after two failures")
	}

	// Third call: primary is skipped entirely.
	before := primary.calls
	if _, err := r.Invoke(context.Background(), "t", pc, msgs, nil); err != nil {
		t.Fatalf("third round: %v", err)
	}
	if primary.calls != before {
		t.Fatalf("open-breaker config was attempted (calls %d -> %d)", before, primary.calls)
	}
}

func TestInvokeSuccessResetsBreaker(t *testing.T) {
	flaky := &fakeAdapter{name: "openai", fn: func(Request) (Response, error) {
		return Response{Message: Assistant("ok")}, nil
	}}
	breakers := NewBreakerSet(2, time.Hour)
	r := NewRouter(nil, WithRetryPolicy(singleAttempt()), WithSleep(noSleep), WithBreakers(breakers))
	r.Register(flaky)

	pc := ModelConfig{Provider: "openai", ModelName: "gpt-x"}
	breakers.RecordFailure(pc.Key())

	if _, err := r.Invoke(context.Background(), "t", pc, []Message{User("hi")}, nil); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if st := breakers.Snapshot(pc.Key()); st.FailureCount != 0 {
		t.Fatalf("success should reset failure count, got %d", st.FailureCount)
	}
}

func TestInvokeFiltersHiddenMessages(t *testing.T) {
	var seen []Message
	a := &fakeAdapter{name: "openai", fn: func(req Request) (Response, error) {
		seen = req.Messages
		return Response{Message: Assistant("ok")}, nil
	}}
	r := NewRouter(nil, WithRetryPolicy(singleAttempt()), WithSleep(noSleep))
	r.Register(a)

	hidden := ToolResult("c1", "shell", "filtered", true)
	hidden.Hidden = true
	msgs := []Message{User("hi"), hidden, Assistant("prev")}

	if _, err := r.Invoke(context.Background(), "t", ModelConfig{Provider: "openai", ModelName: "gpt-x"}, msgs, nil); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("hidden message leaked to provider: %+v", seen)
	}
	for _, m := range seen {
		if m.Hidden {
			t.Fatal("hidden message present in provider input")
		}
	}
}
