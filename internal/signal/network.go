package signal

import (
	"context"
	"fmt"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"

	"deferq/internal/task"
	logx "deferq/pkg/logx"
)

// NetworkProbe decides network.connected with one cheap round trip to the
// speedtest.net config endpoint. It never runs a bandwidth test.
type NetworkProbe struct {
	log       logx.Logger
	timeout   time.Duration
	unmetered bool

	check func(ctx context.Context) (string, error)
}

// NewNetworkProbe returns a probe bounded by timeout (default 10s). When
// unmetered is set the probe also reports network.unmetered alongside
// network.connected.
func NewNetworkProbe(timeout time.Duration, unmetered bool, log logx.Logger) *NetworkProbe {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// A dedicated client: the package-level speedtest helpers share state.
	stc := st.New(st.WithUserConfig(&st.UserConfig{SavingMode: true, MaxConnections: 1}))
	return &NetworkProbe{
		log:       log,
		timeout:   timeout,
		unmetered: unmetered,
		check: func(ctx context.Context) (string, error) {
			user, err := stc.FetchUserInfoContext(ctx)
			if err != nil {
				return "", err
			}
			if user == nil {
				return "", fmt.Errorf("empty user info")
			}
			return user.Isp, nil
		},
	}
}

func (p *NetworkProbe) Name() string { return "network" }

// Probe never fails: an unreachable endpoint is reported as disconnected.
func (p *NetworkProbe) Probe(ctx context.Context) (map[task.Constraint]bool, error) {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	isp, err := p.check(cctx)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	up := err == nil
	if up {
		p.log.Debug("network reachable", logx.String("isp", isp), logx.Duration("rtt", time.Since(start)))
	} else {
		p.log.Debug("network unreachable", logx.Err(err))
	}

	out := map[task.Constraint]bool{task.NetworkConnected: up}
	if p.unmetered {
		out[task.NetworkUnmetered] = up
	}
	return out, nil
}
