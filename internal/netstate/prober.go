package netstate

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Prober derives connectivity by periodically dialing a TCP address. It
// publishes through an embedded Manual so listeners only see transitions.
type Prober struct {
	*Manual

	address  string
	interval time.Duration
	netType  Type
	dialer   net.Dialer
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewProber probes address every interval. The reported network type is
// fixed because a TCP dial cannot tell radio technologies apart.
func NewProber(address string, interval time.Duration, netType Type, logger *slog.Logger) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Prober{
		Manual:   NewManual(Info{Connected: true, Type: netType}),
		address:  address,
		interval: interval,
		netType:  netType,
		dialer:   net.Dialer{Timeout: interval / 2},
		logger:   logger.With(slog.String("agent", "netstate")),
	}
}

// Start runs the probe loop until ctx ends or Stop is called. The first probe
// runs synchronously so Current is meaningful once Start returns.
func (p *Prober) Start(ctx context.Context) {
	probeCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.probe(probeCtx)
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-probeCtx.Done():
				return
			case <-ticker.C:
				p.probe(probeCtx)
			}
		}
	}()
}

// Stop halts the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	p.once.Do(func() {
		if p.cancel == nil {
			return
		}
		p.cancel()
		<-p.done
	})
}

func (p *Prober) probe(ctx context.Context) {
	conn, err := p.dialer.DialContext(ctx, "tcp", p.address)
	connected := err == nil
	if conn != nil {
		_ = conn.Close()
	}
	if ctx.Err() != nil {
		return
	}
	if prev := p.Current(); prev.Connected != connected {
		p.logger.Info("connectivity changed", slog.Bool("connected", connected), slog.String("address", p.address))
	}
	p.SetInfo(Info{Connected: connected, Type: p.netType})
}
