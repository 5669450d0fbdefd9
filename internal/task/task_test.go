package task

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestNormalizeConstraint(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Constraint
	}{
		{raw: "network connected", want: NetworkConnected},
		{raw: "NETWORK_CONNECTED", want: NetworkConnected},
		{raw: " network-connected ", want: NetworkConnected},
		{raw: "network..connected", want: NetworkConnected},
		{raw: "power.connected", want: PowerConnected},
		{raw: "  ", want: ""},
	}
	for _, tt := range tests {
		if got := NormalizeConstraint(tt.raw); got != tt.want {
			t.Fatalf("NormalizeConstraint(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestNewConstraintSetDedupAndSort(t *testing.T) {
	t.Parallel()
	cs, err := NewConstraintSet("power connected", "network connected", "NETWORK_CONNECTED")
	if err != nil {
		t.Fatalf("NewConstraintSet: %v", err)
	}
	if len(cs) != 2 || cs[0] != NetworkConnected || cs[1] != PowerConnected {
		t.Fatalf("unexpected set: %v", cs)
	}
	if _, err := NewConstraintSet("ok", ""); !errors.Is(err, ErrInvalidConstraint) {
		t.Fatalf("expected ErrInvalidConstraint, got %v", err)
	}
}

func TestPayloadKeepsOrderAndTypes(t *testing.T) {
	t.Parallel()
	p, err := PayloadOf("city", "Jakarta", "days", 3, "ratio", 0.5, "metric", true)
	if err != nil {
		t.Fatalf("PayloadOf: %v", err)
	}
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Payload
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.Equal(p) {
		t.Fatalf("payload changed: %v vs %v", got.Fields(), p.Fields())
	}
	if keys := got.Keys(); keys[0] != "city" || keys[3] != "metric" {
		t.Fatalf("order lost: %v", keys)
	}
	if n, ok := got.Int("days"); !ok || n != 3 {
		t.Fatalf("days = %v, %v", n, ok)
	}
	if city, _ := got.Str("city"); city != "Jakarta" {
		t.Fatalf("city = %q", city)
	}
}

func TestPayloadRejectsBadInput(t *testing.T) {
	t.Parallel()
	if _, err := PayloadOf("a", 1, "a", 2); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("duplicate key: got %v", err)
	}
	if _, err := PayloadOf("a", []int{1}); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("slice value: got %v", err)
	}
	if _, err := PayloadOf("a"); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("odd args: got %v", err)
	}
}

func TestPayloadWithDoesNotAlias(t *testing.T) {
	t.Parallel()
	base := NewPayload().MustWith("a", 1)
	x := base.MustWith("b", 2)
	y := base.MustWith("c", 3)
	if _, ok := x.Get("c"); ok {
		t.Fatal("x must not see y's key")
	}
	if y.Len() != 2 || x.Len() != 2 || base.Len() != 1 {
		t.Fatalf("lens: base=%d x=%d y=%d", base.Len(), x.Len(), y.Len())
	}
}

func TestPayloadFromMap(t *testing.T) {
	t.Parallel()
	p, err := PayloadFromMap(map[string]any{"url": "https://example.com", "n": float64(2)})
	if err != nil {
		t.Fatalf("PayloadFromMap: %v", err)
	}
	if n, ok := p.Int("n"); !ok || n != 2 {
		t.Fatalf("n = %v, %v", n, ok)
	}
	if p.Keys()[0] != "n" {
		t.Fatalf("keys not sorted: %v", p.Keys())
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	t.Parallel()
	def := RetryPolicy{MaxRetries: 3, Base: time.Second, MaxDelay: time.Minute, Jitter: 0.2}
	got := RetryPolicy{MaxRetries: -1}.WithDefaults(def)
	if got.MaxRetries != 0 {
		t.Fatalf("MaxRetries = %d, want 0", got.MaxRetries)
	}
	if got.Backoff != BackoffExponential || got.Base != time.Second || got.MaxDelay != time.Minute {
		t.Fatalf("defaults not applied: %+v", got)
	}
	got = RetryPolicy{Backoff: BackoffLinear, Jitter: 5}.WithDefaults(def)
	if got.Backoff != BackoffLinear || got.Jitter != 1 || got.MaxRetries != 3 {
		t.Fatalf("unexpected policy: %+v", got)
	}
}

func TestTerminal(t *testing.T) {
	t.Parallel()
	one := Task{Kind: KindOneTime, State: StateFailed}
	if !one.Terminal() {
		t.Fatal("failed one-time task is terminal")
	}
	per := Task{Kind: KindPeriodic, State: StateFailed}
	if per.Terminal() {
		t.Fatal("failed periodic task keeps cycling")
	}
	per.Transition(StateCancelled, time.Unix(10, 0))
	if !per.Terminal() || per.FinishedAt.IsZero() || per.Seq != 1 {
		t.Fatalf("cancelled periodic task: %+v", per)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		t    Task
		want error
	}{
		{name: "ok one-time", t: Task{Kind: KindOneTime, Worker: "w"}},
		{name: "ok periodic", t: Task{Kind: KindPeriodic, Worker: "w", Interval: time.Hour}},
		{name: "no worker", t: Task{Kind: KindOneTime}, want: ErrInvalidTask},
		{name: "periodic without interval", t: Task{Kind: KindPeriodic, Worker: "w"}, want: ErrInvalidInterval},
		{name: "one-time with interval", t: Task{Kind: KindOneTime, Worker: "w", Interval: time.Hour}, want: ErrInvalidInterval},
		{name: "periodic chained", t: Task{Kind: KindPeriodic, Worker: "w", Interval: time.Hour, Prerequisites: []ID{"x"}}, want: ErrInvalidTask},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.t.Validate()
			if tt.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestStateJSON(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(StateCancelled)
	if err != nil || string(b) != `"cancelled"` {
		t.Fatalf("marshal = %s, %v", b, err)
	}
	var s State
	if err := json.Unmarshal([]byte(`"running"`), &s); err != nil || s != StateRunning {
		t.Fatalf("unmarshal = %v, %v", s, err)
	}
}
