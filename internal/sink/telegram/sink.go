// Package telegram forwards task state transitions to a Telegram chat.
//
// The sink is a best-effort consumer of the event bus: when it falls behind
// the bus drops events for it, and a failed send is logged, never retried.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"deferq/internal/eventbus"
	"deferq/internal/task"
	"deferq/internal/task/status"
	logx "deferq/pkg/logx"
)

// Sender is the part of *tele.Bot the sink uses.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Config selects the destination and which transitions are forwarded.
type Config struct {
	ChatID     int64
	ThreadID   int
	RatePerSec float64
	// States defaults to failed and cancelled.
	States []task.State
}

const (
	defaultRate   = 1.0
	sendTimeout   = 10 * time.Second
	maxErrorRunes = 1500
)

// NewBot builds a send-only bot; it never polls for updates.
func NewBot(token string) (*tele.Bot, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	return tele.NewBot(tele.Settings{
		Token:  token,
		Client: &http.Client{Timeout: sendTimeout},
	})
}

// Sink renders status updates and sends them through a Sender.
type Sink struct {
	log    logx.Logger
	sender Sender

	events      <-chan eventbus.Event
	unsubscribe func()

	mu      sync.Mutex
	cfg     Config
	states  map[task.State]struct{}
	limiter *rate.Limiter

	sent   atomic.Uint64
	failed atomic.Uint64
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sink{log: log, sender: sender}
	// Subscribe now so transitions published before Run are buffered.
	s.events, s.unsubscribe = bus.Subscribe(64, status.EventType)
	s.Apply(cfg)
	return s
}

// Close detaches the sink from the bus; Run then returns.
func (s *Sink) Close() { s.unsubscribe() }

// Apply swaps destination, filter and rate. It is safe while Run is active.
func (s *Sink) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRate
	}
	if len(cfg.States) == 0 {
		cfg.States = []task.State{task.StateFailed, task.StateCancelled}
	}
	states := make(map[task.State]struct{}, len(cfg.States))
	for _, st := range cfg.States {
		states[st] = struct{}{}
	}
	burst := max(1, int(cfg.RatePerSec))

	s.mu.Lock()
	s.cfg = cfg
	s.states = states
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	s.mu.Unlock()
}

// Sent and Failed count delivery outcomes since start.
func (s *Sink) Sent() uint64   { return s.sent.Load() }
func (s *Sink) Failed() uint64 { return s.failed.Load() }

// Run consumes task.state events until ctx is done or the sink is closed.
// It may be called again after it returns.
func (s *Sink) Run(ctx context.Context) error {
	s.log.Debug("telegram sink started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.events:
			if !ok {
				return nil
			}
			u, ok := ev.Data.(status.Update)
			if !ok {
				continue
			}
			if err := s.Deliver(ctx, u); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

// Deliver sends u if its state is selected. It waits for the rate limiter.
func (s *Sink) Deliver(ctx context.Context, u status.Update) error {
	s.mu.Lock()
	cfg := s.cfg
	_, want := s.states[u.State]
	lim := s.limiter
	s.mu.Unlock()
	if !want {
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		return err
	}

	chat := &tele.Chat{ID: cfg.ChatID}
	opts := &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              cfg.ThreadID,
	}
	if _, err := s.sender.Send(chat, Format(u), opts); err != nil {
		s.failed.Add(1)
		s.log.Warn("telegram send failed", logx.String("task_id", u.TaskID.String()), logx.Err(err))
		return err
	}
	s.sent.Add(1)
	return nil
}

var stateIcons = map[task.State]string{
	task.StateEnqueued:  "⏳",
	task.StateRunning:   "▶️",
	task.StateSucceeded: "✅",
	task.StateFailed:    "❌",
	task.StateCancelled: "🚫",
}

// Format renders u as Telegram HTML.
func Format(u status.Update) string {
	var b strings.Builder
	if icon := stateIcons[u.State]; icon != "" {
		b.WriteString(icon)
		b.WriteByte(' ')
	}
	fmt.Fprintf(&b, "<b>%s</b> %s\n", html.EscapeString(u.Worker), u.State)
	fmt.Fprintf(&b, "id: <code>%s</code>\n", html.EscapeString(u.TaskID.String()))
	if u.Kind == task.KindPeriodic {
		fmt.Fprintf(&b, "cycle: %d\n", u.Cycle)
	}
	if u.Attempt > 1 {
		fmt.Fprintf(&b, "attempt: %d\n", u.Attempt)
	}
	if u.Error != "" {
		fmt.Fprintf(&b, "error: <code>%s</code>\n", html.EscapeString(truncate(u.Error, maxErrorRunes)))
	}
	if !u.At.IsZero() {
		fmt.Fprintf(&b, "<i>%s</i>", u.At.UTC().Format(time.RFC3339))
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, limit int) string {
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return string(rs[:limit]) + "…"
}
