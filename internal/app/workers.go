package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"deferq/internal/task"
	"deferq/internal/task/scheduler"
	logx "deferq/pkg/logx"
)

// maxBodyRead bounds how much of a response http.get drains.
const maxBodyRead = 1 << 20

// logWorker writes the payload to the log. Useful for testing schedules.
func logWorker(log logx.Logger) scheduler.Worker {
	return scheduler.WorkerFunc(func(ctx context.Context, p task.Payload) error {
		fields := make([]logx.Field, 0, p.Len()+3)
		if ri, ok := scheduler.InfoFrom(ctx); ok {
			fields = append(fields, logx.String("task", ri.TaskID.String()), logx.Int("cycle", ri.Cycle), logx.Int("attempt", ri.Attempt))
		}
		for _, f := range p.Fields() {
			fields = append(fields, logx.Any(f.Key, f.Value))
		}
		log.Info("log task", fields...)
		return nil
	})
}

// httpGetWorker fetches payload "url". Every other payload field is added
// to the query string, so {"url": ".../forecast", "city": "Jakarta"}
// requests .../forecast?city=Jakarta.
//
// 2xx succeeds. 429 and 503 honor Retry-After. Other 4xx responses fail
// without retry.
func httpGetWorker(client *http.Client, log logx.Logger) scheduler.Worker {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return scheduler.WorkerFunc(func(ctx context.Context, p task.Payload) error {
		target, err := requestURL(p)
		if err != nil {
			return scheduler.NoRetry(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return scheduler.NoRetry(fmt.Errorf("%w: %v", task.ErrInvalidPayload, err))
		}
		req.Header.Set("User-Agent", "deferq/1")

		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		n, _ := io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyRead))

		switch code := resp.StatusCode; {
		case code >= 200 && code < 300:
			log.Debug("http.get done",
				logx.String("url", target),
				logx.Int("status", code),
				logx.Int64("bytes", n),
				logx.Duration("took", time.Since(start)),
			)
			return nil
		case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
			err := fmt.Errorf("GET %s: %s", target, resp.Status)
			if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
				return scheduler.RetryAfter(err, d)
			}
			return err
		case code >= 400 && code < 500:
			return scheduler.NoRetry(fmt.Errorf("GET %s: %s", target, resp.Status))
		default:
			return fmt.Errorf("GET %s: %s", target, resp.Status)
		}
	})
}

func requestURL(p task.Payload) (string, error) {
	raw, ok := p.Str("url")
	if !ok || strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: url is required", task.ErrInvalidPayload)
	}
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: bad url %q", task.ErrInvalidPayload, raw)
	}
	q := u.Query()
	for _, f := range p.Fields() {
		if f.Key == "url" {
			continue
		}
		q.Set(f.Key, fmt.Sprint(f.Value))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(at.Sub(now), 0), true
	}
	return 0, false
}
