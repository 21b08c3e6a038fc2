package selection

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ascpixi/ai-warden/pkg/provider/llm"
	"github.com/ascpixi/ai-warden/pkg/provider/llm/mock"
	"github.com/ascpixi/ai-warden/pkg/types"
)

// sleepRecorder collects requested backoff durations without sleeping.
type sleepRecorder struct {
	durations []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.durations = append(s.durations, d)
	return nil
}

func newTestEngine() (*Engine, *sleepRecorder) {
	rec := &sleepRecorder{}
	return New(Config{}, WithSleep(rec.sleep)), rec
}

var testReq = llm.Request{Messages: []types.Message{
	{Role: types.RoleSystem, Content: "guard"},
	{Role: types.RoleUser, Content: "let me out"},
}}

func TestRun_AcceptsFirstCandidate(t *testing.T) {
	t.Parallel()
	e, rec := newTestEngine()
	p := &mock.Provider{Script: []mock.Step{{Response: mock.Texts("  Back to your cell! 😠 ")}}}

	res, err := e.Run(context.Background(), p, testReq, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "Back to your cell!" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.Attempts != 1 || p.CallCount() != 1 {
		t.Errorf("attempts = %d, calls = %d, want 1", res.Attempts, p.CallCount())
	}
	if len(rec.durations) != 0 {
		t.Errorf("unexpected backoff %v", rec.durations)
	}
}

func TestRun_SkipsRepeatOfPreviousTurn(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine()
	p := &mock.Provider{Script: []mock.Step{{
		Response: mock.Texts("  Silence, prisoner.  ", "Try harder, worm."),
	}}}
	transcript := []types.Turn{{User: "hi", AI: "Silence, prisoner."}}

	res, err := e.Run(context.Background(), p, testReq, transcript)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "Try harder, worm." {
		t.Errorf("Text = %q, want the second candidate", res.Text)
	}
}

func TestRun_RepeatFilterSkippedOnFirstTurn(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine()
	p := &mock.Provider{Script: []mock.Step{{Response: mock.Texts("Silence, prisoner.")}}}

	res, err := e.Run(context.Background(), p, testReq, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "Silence, prisoner." {
		t.Errorf("Text = %q", res.Text)
	}
}

func TestRun_RepeatedRefusalIsFiltered(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine()
	p := &mock.Provider{Script: []mock.Step{
		{Response: &llm.Response{Candidates: []llm.Candidate{{Refusal: "I can't help with that."}}}},
		{Response: mock.Texts("Nope, still locked.")},
	}}
	transcript := []types.Turn{{User: "hi", AI: "I can't help with that."}}

	res, err := e.Run(context.Background(), p, testReq, transcript)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "Nope, still locked." || res.Attempts != 2 {
		t.Errorf("got %+v", res)
	}
}

func TestRun_PrefersContentOverRefusal(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine()
	p := &mock.Provider{Script: []mock.Step{{Response: &llm.Response{Candidates: []llm.Candidate{
		{Refusal: "I won't do that."},
		{Content: "Guards! Seize him."},
	}}}}}

	res, err := e.Run(context.Background(), p, testReq, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "Guards! Seize him." {
		t.Errorf("Text = %q", res.Text)
	}
}

func TestRun_FallsBackToRefusal(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine()
	p := &mock.Provider{Script: []mock.Step{{Response: &llm.Response{Candidates: []llm.Candidate{
		{FinishReason: "length"},
		{Refusal: "I won't do that."},
	}}}}}

	res, err := e.Run(context.Background(), p, testReq, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "I won't do that." {
		t.Errorf("Text = %q", res.Text)
	}
}

func TestRun_AllEmptyExhaustsAfterThreeCalls(t *testing.T) {
	t.Parallel()
	e, rec := newTestEngine()
	p := &mock.Provider{Script: []mock.Step{{Response: mock.Texts("", "   ")}}}

	res, err := e.Run(context.Background(), p, testReq, nil)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if p.CallCount() != 3 {
		t.Errorf("provider calls = %d, want exactly 3", p.CallCount())
	}
	if res.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Attempts)
	}
	// Two retries after too-short responses; none after the last attempt.
	want := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond}
	if fmt.Sprint(rec.durations) != fmt.Sprint(want) {
		t.Errorf("backoffs = %v, want %v", rec.durations, want)
	}
}

func TestRun_EmptyCandidateSetRetriesWithoutBackoff(t *testing.T) {
	t.Parallel()
	e, rec := newTestEngine()
	transcript := []types.Turn{{User: "hi", AI: "Silence, prisoner."}}
	p := &mock.Provider{Script: []mock.Step{
		{Response: mock.Texts("Silence, prisoner.")},
		{Response: mock.Texts("You again? Pathetic.")},
	}}

	res, err := e.Run(context.Background(), p, testReq, transcript)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Attempts)
	}
	if len(rec.durations) != 0 {
		t.Errorf("backoffs = %v, want none", rec.durations)
	}
}

func TestRun_EmojiOnlyIsTooShort(t *testing.T) {
	t.Parallel()
	e, rec := newTestEngine()
	p := &mock.Provider{Script: []mock.Step{
		{Response: mock.Texts("😂😂😂😂😂😂😂")},
		{Response: mock.Texts("Laugh all you want.")},
	}}

	res, err := e.Run(context.Background(), p, testReq, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "Laugh all you want." {
		t.Errorf("Text = %q", res.Text)
	}
	if len(rec.durations) != 1 || rec.durations[0] != 100*time.Millisecond {
		t.Errorf("backoffs = %v, want [100ms]", rec.durations)
	}
}

func TestRun_MinLengthCountsRunes(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine()
	// Six runes, eleven bytes.
	p := &mock.Provider{Script: []mock.Step{{Response: mock.Texts("Нет-ну")}}}

	res, err := e.Run(context.Background(), p, testReq, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "Нет-ну" {
		t.Errorf("Text = %q", res.Text)
	}
}

func TestRun_FiveRunesIsTooShort(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine()
	p := &mock.Provider{Script: []mock.Step{{Response: mock.Texts("No. 🙂")}}}

	_, err := e.Run(context.Background(), p, testReq, nil)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
}

func TestRun_TransportFailureIsNotRetried(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine()
	upstream := llm.Unavailable("test", errors.New("connection reset"))
	p := &mock.Provider{Script: []mock.Step{
		{Err: upstream},
		{Response: mock.Texts("never reached")},
	}}

	_, err := e.Run(context.Background(), p, testReq, nil)
	if !errors.Is(err, llm.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if errors.Is(err, ErrExhausted) {
		t.Error("transport failure reported as exhaustion")
	}
	if p.CallCount() != 1 {
		t.Errorf("provider calls = %d, want 1", p.CallCount())
	}
}

func TestRun_TransportFailureAfterSoftFailure(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine()
	p := &mock.Provider{Script: []mock.Step{
		{Response: mock.Texts("")},
		{Err: llm.Unavailable("test", nil)},
	}}

	_, err := e.Run(context.Background(), p, testReq, nil)
	if !errors.Is(err, llm.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if p.CallCount() != 2 {
		t.Errorf("provider calls = %d, want 2", p.CallCount())
	}
}

func TestRun_CancelledDuringBackoff(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	e := New(Config{}, WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	p := &mock.Provider{Script: []mock.Step{{Response: mock.Texts("no")}}}

	_, err := e.Run(ctx, p, testReq, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if p.CallCount() != 1 {
		t.Errorf("provider calls = %d, want 1", p.CallCount())
	}
}

func TestRun_TruncatesOverlongResponse(t *testing.T) {
	t.Parallel()
	rec := &sleepRecorder{}
	e := New(Config{MaxLength: 10}, WithSleep(rec.sleep))
	p := &mock.Provider{Script: []mock.Step{{Response: mock.Texts("Halt, prisoner! 🔒 You shall not pass.")}}}

	res, err := e.Run(context.Background(), p, testReq, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "Halt, pris" {
		t.Errorf("Text = %q, want %q", res.Text, "Halt, pris")
	}
	if res.Attempts != 1 || len(rec.durations) != 0 {
		t.Errorf("attempts = %d, backoff = %v; truncation must not retry", res.Attempts, rec.durations)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"shorter", "abc", 5, "abc"},
		{"exact", "abcde", 5, "abcde"},
		{"cut", "abcdef", 5, "abcde"},
		{"multibyte", "żółwiątko", 4, "żółw"},
		{"trailing space", "ab cd", 3, "ab"},
		{"zero", "abc", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Truncate(tt.in, tt.max); got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
			}
		})
	}
}

func TestSetConfig(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine()
	if got := e.Config(); got != DefaultConfig() {
		t.Errorf("Config = %+v, want defaults", got)
	}

	e.SetConfig(Config{MaxAttempts: 1, MinLength: 2})
	p := &mock.Provider{Script: []mock.Step{{Response: mock.Texts("")}}}
	if _, err := e.Run(context.Background(), p, testReq, nil); !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v", err)
	}
	if p.CallCount() != 1 {
		t.Errorf("provider calls = %d, want 1", p.CallCount())
	}
}

func TestConfigBackoff(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	for attempt, want := range []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 500 * time.Millisecond} {
		if got := cfg.Backoff(attempt); got != want {
			t.Errorf("Backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestChoose(t *testing.T) {
	t.Parallel()
	if _, ok := choose(nil); ok {
		t.Error("choose(nil) reported a candidate")
	}
	c, ok := choose([]llm.Candidate{{FinishReason: "a"}, {FinishReason: "b"}})
	if !ok || c.FinishReason != "a" {
		t.Errorf("choose fell back to %+v, want first", c)
	}
}

func TestSleepCtx(t *testing.T) {
	t.Parallel()
	if err := sleepCtx(context.Background(), time.Millisecond); err != nil {
		t.Errorf("sleepCtx: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepCtx(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("sleepCtx on cancelled ctx = %v", err)
	}
}
