// Package config holds the process-wide, read-only Params the rest of the
// core is built around, plus the TOML strategy file loader and its
// fsnotify-driven hot reload. Grounded on guygrigsby-trickster's
// internal/config package (BurntSushi/toml decode-into-struct shape) and
// gchux-pcap-sidecar's fsnotify directory watch.
package config

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/parhelion/desyncproxy/internal/strategy"
)

// Params is the process-wide configuration. Every field is read-only after
// startup except Strategies, which is hot-reloadable and therefore stored
// behind an atomic pointer so flow goroutines always see a complete,
// consistent slice.
type Params struct {
	strategies atomic.Pointer[[]strategy.Strategy]

	CacheTTL    time.Duration
	EvictGrace  float64
	Timeout     time.Duration
	AutoLevel   int
	BufSize     int
	CustomTTL   bool
	DefTTL      int
	ProtectPath string

	AdminAddr        string
	MetricsNamespace string
}

// New returns Params with the given initial strategy list installed.
func New(initial []strategy.Strategy) *Params {
	p := &Params{
		CacheTTL:   10 * time.Minute,
		EvictGrace: 1.5,
		BufSize:    16384,
	}
	p.setStrategies(initial)
	return p
}

// Strategies returns the currently active strategy list. Safe for
// concurrent use from any flow goroutine.
func (p *Params) Strategies() []strategy.Strategy {
	return *p.strategies.Load()
}

func (p *Params) setStrategies(list []strategy.Strategy) {
	p.strategies.Store(&list)
}

// tomlFile is the on-disk shape of the strategy configuration file (§6.1).
type tomlFile struct {
	Strategy []tomlStrategy `toml:"strategy"`
}

type tomlStrategy struct {
	Detect      []string `toml:"detect"`
	Proto       []string `toml:"proto"`
	Ports       []uint16 `toml:"ports"`
	Hosts       []string `toml:"hosts"`
	Mode        string   `toml:"mode"`
	SplitPos    []int    `toml:"split_pos"`
	FakeTTL     int      `toml:"fake_ttl"`
	FakeRepeats int      `toml:"fake_repeats"`
}

var detectNames = map[string]strategy.Detect{
	"torst":      strategy.DetectTORST,
	"tls_err":    strategy.DetectTLSErr,
	"http_locat": strategy.DetectHTTPLocat,
}

var protoNames = map[string]strategy.Proto{
	"tcp":   strategy.ProtoTCP,
	"http":  strategy.ProtoHTTP,
	"https": strategy.ProtoHTTPS,
	"udp":   strategy.ProtoUDP,
}

// LoadStrategies parses a TOML strategy file into a validated []strategy.Strategy.
func LoadStrategies(path string) ([]strategy.Strategy, error) {
	var f tomlFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	list := make([]strategy.Strategy, 0, len(f.Strategy))
	for i, ts := range f.Strategy {
		s := strategy.Strategy{
			Mode:        strategy.Mode(ts.Mode),
			SplitPos:    ts.SplitPos,
			FakeTTL:     ts.FakeTTL,
			FakeRepeats: ts.FakeRepeats,
		}
		for _, d := range ts.Detect {
			bit, ok := detectNames[d]
			if !ok {
				return nil, fmt.Errorf("config: strategy[%d]: unknown detect name %q", i, d)
			}
			s.Detect |= bit
		}
		for _, pr := range ts.Proto {
			bit, ok := protoNames[pr]
			if !ok {
				return nil, fmt.Errorf("config: strategy[%d]: unknown proto name %q", i, pr)
			}
			s.Protocols |= bit
		}
		if len(ts.Ports) == 2 {
			s.Ports = strategy.PortRange{Lo: ts.Ports[0], Hi: ts.Ports[1]}
		} else if len(ts.Ports) != 0 {
			return nil, fmt.Errorf("config: strategy[%d]: ports must be [lo, hi]", i)
		}
		if len(ts.Hosts) > 0 {
			s.Hosts = make(map[string]struct{}, len(ts.Hosts))
			for _, h := range ts.Hosts {
				s.Hosts[h] = struct{}{}
			}
		}
		list = append(list, s)
	}

	if err := strategy.Validate(list); err != nil {
		return nil, err
	}
	return list, nil
}

// WatchStrategies reloads path on every fsnotify write or create event and atomically
// swaps p's active strategy list, until ctx is canceled. Grounded on
// gchux-pcap-sidecar's directory-watch pattern.
func WatchStrategies(ctx context.Context, p *Params, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: new watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				list, err := LoadStrategies(path)
				if err != nil {
					log.WithError(err).WithField("path", path).Warn("config: reload failed, keeping previous strategy list")
					continue
				}
				p.setStrategies(list)
				log.WithField("count", len(list)).Info("config: strategy list reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config: watcher error")
			}
		}
	}()
	return nil
}
