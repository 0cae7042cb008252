package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/parhelion/desyncproxy/internal/addrkey"
	"github.com/parhelion/desyncproxy/internal/admin"
	"github.com/parhelion/desyncproxy/internal/cache"
	"github.com/parhelion/desyncproxy/internal/config"
	"github.com/parhelion/desyncproxy/internal/desync"
	"github.com/parhelion/desyncproxy/internal/flow"
	"github.com/parhelion/desyncproxy/internal/metrics"
)

var (
	debugLog    = flag.Bool("d", false, "print debug log messages")
	configPath  = flag.String("c", "strategies.toml", "`path` to the strategy TOML file")
	tcpAddr     = flag.String("tcp", ":1080", "`address:port` to accept redirected TCP connections on")
	udpAddr     = flag.String("udp", "", "`address:port` to accept redirected UDP datagrams on; empty disables UDP")
	adminAddr   = flag.String("admin", "127.0.0.1:9090", "`address:port` for the admin/debug/metrics HTTP surface")
	lockPath    = flag.String("lock", "/var/run/desyncproxy.lock", "single-instance lock file `path`")
	logPath     = flag.String("l", "", "log file `path`; rotated with lumberjack when set")
	cacheTTL    = flag.Duration("cache-ttl", 10*time.Minute, "strategy cache entry lifetime")
	timeout     = flag.Duration("timeout", 0, "TCP_USER_TIMEOUT applied to upstream sockets while desyncing (0 disables)")
	autoLevel   = flag.Int("auto-level", 0, "failure classifier aggressiveness (see SPEC_FULL.md §4.4)")
	customTTL   = flag.Bool("custom-ttl", false, "override the outbound IP TTL/hop-limit on upstream sockets")
	defTTL      = flag.Int("def-ttl", 64, "IP TTL/hop-limit used when -custom-ttl is set")
	protectSock = flag.String("protect", "", "`path` to a VPN-protect helper Unix socket; empty disables it")
	metricsNS   = flag.String("metrics-namespace", "", "Prometheus metric name prefix")
)

func main() {
	flag.Parse()

	if *debugLog {
		log.SetLevel(log.DebugLevel)
	}
	if *logPath != "" {
		lj := &lumberjack.Logger{Filename: *logPath, MaxSize: 100, MaxBackups: 5, MaxAge: 28}
		log.SetOutput(io.MultiWriter(lj, os.Stdout))
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		log.Infof("%s %s", path.Base(bi.Path), bi.Main.Version)
	}

	fl := flock.New(*lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		log.WithError(err).Fatal("desyncproxy: acquiring single-instance lock failed")
	}
	if !locked {
		log.WithField("path", *lockPath).Fatal("desyncproxy: another instance is already running")
	}
	defer fl.Unlock()

	strategies, err := config.LoadStrategies(*configPath)
	if err != nil {
		log.WithError(err).Fatal("desyncproxy: loading strategy file failed")
	}

	params := config.New(strategies)
	params.CacheTTL = *cacheTTL
	params.Timeout = *timeout
	params.AutoLevel = *autoLevel
	params.CustomTTL = *customTTL
	params.DefTTL = *defTTL
	params.ProtectPath = *protectSock
	params.AdminAddr = *adminAddr
	params.MetricsNamespace = *metricsNS

	strategyCache := cache.New(params.CacheTTL)
	desyncer := desync.New(strategies)
	m := metrics.New(params.MetricsNamespace)
	core := flow.New(params, strategyCache, desyncer, m)
	adminSrv := admin.New(params.AdminAddr, strategyCache, m, time.Now())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.WatchStrategies(ctx, params, *configPath); err != nil {
		log.WithError(err).Warn("desyncproxy: strategy file hot-reload disabled")
	}
	go strategyCache.RunEvictionSweep(ctx, params.CacheTTL, 1.5)

	g, gctx := errgroup.WithContext(ctx)

	tcpLn, err := net.Listen("tcp", *tcpAddr)
	if err != nil {
		log.WithError(err).Fatal("desyncproxy: listening for TCP failed")
	}
	g.Go(func() error { return core.ServeTCP(gctx, tcpLn, resolveTCPDst) })

	var udpPC net.PacketConn
	if *udpAddr != "" {
		udpPC, err = net.ListenPacket("udp", *udpAddr)
		if err != nil {
			log.WithError(err).Fatal("desyncproxy: listening for UDP failed")
		}
		g.Go(func() error { return core.ServeUDP(gctx, udpPC, resolveUDPDst) })
	}

	g.Go(func() error {
		err := adminSrv.ListenAndServe()
		if err != nil && gctx.Err() != nil {
			return nil
		}
		return err
	})

	go func() {
		<-ctx.Done()
		_ = tcpLn.Close()
		if udpPC != nil {
			_ = udpPC.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = adminSrv.Shutdown(shutdownCtx)
	}()

	log.WithFields(log.Fields{"tcp": *tcpAddr, "udp": *udpAddr, "admin": *adminAddr}).Info("desyncproxy: listening")
	if err := g.Wait(); err != nil {
		log.WithError(err).Error("desyncproxy: exiting")
	}
}

// resolveTCPDst implements flow.ResolveDst for a transparently redirected
// TCP connection.
func resolveTCPDst(client net.Conn) (addrkey.Key, string, error) {
	tcp, ok := client.(*net.TCPConn)
	if !ok {
		return "", "", fmt.Errorf("resolve: accepted conn is not *net.TCPConn (%T)", client)
	}
	return resolveOriginalDst(tcp)
}

// resolveUDPDst implements flow.ResolveUDPDst. Genuine transparent UDP
// redirection needs the pre-NAT destination off IP_RECVORIGDSTADDR ancillary
// data read per-datagram (via ReadMsgUDP), which internal/flow.ServeUDP does
// not plumb through today since its ResolveUDPDst callback is keyed only by
// client source address (see DESIGN.md). Until that's wired, UDP mode
// requires -udp-upstream to name a single fixed destination every datagram
// is forwarded to — adequate for a single-service UDP relay, not a general
// transparent UDP proxy.
var udpUpstream = flag.String("udp-upstream", "", "`host:port` every UDP datagram is forwarded to (required if -udp is set)")

func resolveUDPDst(clientAddr net.Addr) (addrkey.Key, string, error) {
	if *udpUpstream == "" {
		return "", "", fmt.Errorf("resolve: -udp is set but -udp-upstream is empty")
	}
	host, portStr, err := net.SplitHostPort(*udpUpstream)
	if err != nil {
		return "", "", fmt.Errorf("resolve: invalid -udp-upstream %q: %w", *udpUpstream, err)
	}
	ip, err := net.ResolveIPAddr("ip", host)
	if err != nil {
		return "", "", fmt.Errorf("resolve: resolving -udp-upstream host %q: %w", host, err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", "", fmt.Errorf("resolve: invalid -udp-upstream port %q: %w", portStr, err)
	}
	key, err := addrkey.Build(ip.IP, uint16(port))
	if err != nil {
		return "", "", err
	}
	return key, *udpUpstream, nil
}
