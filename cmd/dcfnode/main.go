// Command dcfnode runs one bridge node with a small admin HTTP server. It
// plays the engine's part: it pings every peer once per interval and logs
// whatever it receives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo"
	"github.com/lcx/dcf/bridge"
	"github.com/lcx/dcf/config"
	"github.com/lcx/dcf/log"
	"github.com/lcx/dcf/metrics"
	dcfnet "github.com/lcx/dcf/net"
	"github.com/lcx/dcf/plugin"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	cfgTransport  = "transport"
	cfgHost       = "host"
	cfgPort       = "port"
	cfgPeer       = "peer"
	cfgNodeID     = "node-id"
	cfgMode       = "mode"
	cfgScheduler  = "scheduler"
	cfgConfigDir  = "config-dir"
	cfgConsulAddr = "consul-addr"
	cfgConsulKey  = "consul-key"
	cfgAdminAddr  = "admin-addr"
	cfgPing       = "ping"
	cfgTickRate   = "tick-rate"
)

func init() {
	flag.String(cfgTransport, bridge.DefaultTransport, "transport: remote-call|datagram|message-stream (grpc|udp|websocket)")
	flag.String(cfgHost, bridge.DefaultHost, "listen host, or the master host in client mode")
	flag.Int(cfgPort, bridge.DefaultPort, "listen port, or the master port in client mode")
	flag.StringArray(cfgPeer, nil, "peer endpoint [id@]host[:port], repeatable")
	flag.String(cfgNodeID, "0", "local node id (0-7)")
	flag.String(cfgMode, string(bridge.ModeP2P), "mode: p2p|master|client")
	flag.String(cfgScheduler, string(dcfnet.SchedulerThreaded), "dispatch scheduler: threaded|cooperative")
	flag.String(cfgConfigDir, "", "directory holding dcf.yaml and logger.yaml")
	flag.String(cfgConsulAddr, "", "consul agent address to load dcf config from")
	flag.String(cfgConsulKey, "dcf", "consul KV prefix")
	flag.String(cfgAdminAddr, "", "admin HTTP listen address, empty disables it")
	flag.Duration(cfgPing, time.Second, "interval between pings to every peer, 0 disables them")
	flag.Int(cfgTickRate, 1000, "ticks per second in the cooperative regime")
}

func main() {
	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		panic(err)
	}
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "dcfnode:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, cm, err := loadConfig()
	if err != nil {
		return err
	}
	if cm != nil {
		defer cm.Close()
	}

	b, err := bridge.Initialize(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Shutdown(); err != nil {
			log.Error().Err(err).Msg("shutdown failed")
		}
	}()
	if cm != nil {
		cm.AddChangeListener(b)
		defer cm.RemoveChangeListener(b)
	}

	var driver *dcfnet.FixedRateDriver
	if cfg.Scheduler == string(dcfnet.SchedulerCooperative) {
		driver = dcfnet.NewFixedRateDriver(viper.GetInt(cfgTickRate), b.Tick)
		driver.Start()
		defer driver.Stop()
	}

	admin := startAdmin(viper.GetString(cfgAdminAddr), b)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	engineLoop(b, cfg, sig)

	if admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = admin.Shutdown(ctx)
	}
	return nil
}

// loadConfig builds the bridge config from the config dir or consul, then
// applies any flag given on the command line.
func loadConfig() (*bridge.Config, config.ConfigManager, error) {
	cfg := &bridge.Config{}
	var cm config.ConfigManager

	if dir := viper.GetString(cfgConfigDir); dir != "" {
		cm = config.GetInstance()
		cm.SetBasePath(dir)
		if err := log.InitializeWithConfigManager(cm); err != nil {
			log.Warn().Err(err).Msg("logger config not loaded, using defaults")
		}
		if err := cm.LoadConfig(cfg.GetName(), cfg); err != nil {
			return nil, nil, err
		}
	}
	if addr := viper.GetString(cfgConsulAddr); addr != "" {
		if cm == nil {
			cm = config.GetInstance()
		}
		src, err := config.NewConsulSource(addr, viper.GetString(cfgConsulKey))
		if err != nil {
			return nil, nil, err
		}
		if err := src.Load(cm, cfg.GetName(), cfg); err != nil {
			return nil, nil, err
		}
	}

	changed := flag.CommandLine.Changed
	if cfg.Transport == "" || changed(cfgTransport) {
		cfg.Transport = viper.GetString(cfgTransport)
	}
	if cfg.Host == "" || changed(cfgHost) {
		cfg.Host = viper.GetString(cfgHost)
	}
	if cfg.Port == 0 || changed(cfgPort) {
		cfg.Port = viper.GetInt(cfgPort)
	}
	if len(cfg.Peers) == 0 || changed(cfgPeer) {
		cfg.Peers, _ = flag.CommandLine.GetStringArray(cfgPeer)
	}
	if cfg.NodeID == "" || changed(cfgNodeID) {
		cfg.NodeID = viper.GetString(cfgNodeID)
	}
	if cfg.Mode == "" || changed(cfgMode) {
		cfg.Mode = bridge.Mode(viper.GetString(cfgMode))
	}
	if cfg.Scheduler == "" || changed(cfgScheduler) {
		cfg.Scheduler = viper.GetString(cfgScheduler)
	}
	return cfg, cm, cfg.Validate()
}

// engineLoop stands in for the game: it pings peers and drains received
// traffic until a signal arrives.
func engineLoop(b *bridge.Bridge, cfg *bridge.Config, sig <-chan os.Signal) {
	ping := viper.GetDuration(cfgPing)
	var pingC <-chan time.Time
	if ping > 0 {
		t := time.NewTicker(ping)
		defer t.Stop()
		pingC = t.C
	}

	// The cooperative host owns the redundancy schedule.
	var cycleC <-chan time.Time
	if cfg.Scheduler == string(dcfnet.SchedulerCooperative) && cfg.RedundancyEnabled() {
		t := time.NewTicker(cfg.HeartbeatInterval)
		defer t.Stop()
		cycleC = t.C
	}

	var cmd bridge.Command
	for {
		select {
		case s := <-sig:
			log.Info().Str("signal", s.String()).Msg("stopping")
			return
		case <-pingC:
			for _, p := range b.Peers() {
				msg := []byte("PING from " + strconv.Itoa(b.LocalID()))
				cmd.Command = bridge.CmdSend
				cmd.RemoteNode = p.ID
				cmd.DataLength = copy(cmd.Data[:], msg)
				_ = b.Poll(&cmd)
			}
		case <-cycleC:
			b.RunRedundancyCycle()
		default:
		}

		cmd.Command = bridge.CmdGet
		_ = b.Poll(&cmd)
		if cmd.RemoteNode != bridge.RemoteNode {
			log.Info().
				Int("from", cmd.RemoteNode).
				Str("data", string(cmd.Data[:cmd.DataLength])).
				Msg("received")
		}
	}
}

func startAdmin(addr string, b *bridge.Bridge) *echo.Echo {
	if addr == "" {
		return nil
	}
	e := echo.New()
	e.HideBanner = true
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	e.GET("/peers", func(c echo.Context) error {
		return c.JSON(http.StatusOK, b.Peers())
	})
	e.GET("/stats", func(c echo.Context) error {
		return c.JSON(http.StatusOK, b.Stats())
	})
	e.GET("/plugins", func(c echo.Context) error {
		return c.JSON(http.StatusOK, plugin.ListPlugins())
	})
	e.POST("/peers/:id/reactivate", func(c echo.Context) error {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "bad peer id")
		}
		if !b.Reactivate(id) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown peer")
		}
		return c.NoContent(http.StatusNoContent)
	})

	go func() {
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", addr).Msg("admin server stopped")
		}
	}()
	log.Info().Str("addr", addr).Msg("admin server started")
	return e
}
