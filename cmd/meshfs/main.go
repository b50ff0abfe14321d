// Command meshfs is a workbench for a mesh radio device: inspect the
// mesh, send messages, and manage the device's onboard filesystem.
//
// Usage:
//
//	meshfs [flags] nodes              list known nodes
//	meshfs [flags] send <text>        send a text message
//	meshfs [flags] ls                 list device files
//	meshfs [flags] get <remote> [dst] download a file
//	meshfs [flags] put <src> [dst]    upload a file
//	meshfs [flags] rm <remote>        delete a device file
//	meshfs [flags] listen             stream mesh events to stdout
//	meshfs [flags] gateway            serve the HTTP API
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/meshcommons/meshradio/client"
	"github.com/meshcommons/meshradio/config"
	"github.com/meshcommons/meshradio/events"
	"github.com/meshcommons/meshradio/gateway"
	"github.com/meshcommons/meshradio/store"
	"github.com/meshcommons/meshradio/transport"
	"github.com/meshcommons/meshradio/wire"
)

var (
	flagConfig    = flag.String("config", "meshradio.yaml", "configuration file")
	flagTransport = flag.String("transport", "", "serial | tcp | ble (overrides config)")
	flagSerial    = flag.String("serial", "", "serial device path")
	flagAddr      = flag.String("addr", "", "device network address")
	flagBLE       = flag.String("ble", "", "device bluetooth address")
	flagDB        = flag.String("db", "", "sqlite database path")
	flagDest      = flag.String("dest", "", "destination node id (default broadcast)")
	flagChannel   = flag.Uint("channel", 0, "channel index")
	flagAck       = flag.Bool("ack", false, "request a delivery ack")
	flagOverwrite = flag.Bool("overwrite", false, "replace existing files")
	flagTimeout   = flag.Duration("timeout", 2*time.Minute, "transfer timeout")
	flagVerbose   = flag.Bool("verbose", false, "debug logging")
)

func main() {
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	applyOverrides(cfg)

	log, err := newLogger(cfg.Log.Level, *flagVerbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(cfg, log, flag.Args()); err != nil {
		log.Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger, args []string) error {
	link, err := buildLink(cfg, log)
	if err != nil {
		return err
	}

	var db *store.DB
	if cfg.Storage.Path != "" {
		db, err = store.Open(cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer db.Close()
	}

	st, err := store.New(db, log)
	if err != nil {
		return err
	}
	bus := events.NewBus()
	c := client.New(link, st, bus, db, log)
	defer c.Close()

	if err := c.WaitForConfig(60 * time.Second); err != nil {
		return fmt.Errorf("connecting to device: %w", err)
	}

	switch cmd, rest := args[0], args[1:]; cmd {
	case "nodes":
		return cmdNodes(c)
	case "send":
		return cmdSend(c, rest)
	case "ls":
		if err := requireLocalDest(c); err != nil {
			return err
		}
		return cmdLs(c)
	case "get":
		if err := requireLocalDest(c); err != nil {
			return err
		}
		return cmdGet(c, rest)
	case "put":
		if err := requireLocalDest(c); err != nil {
			return err
		}
		return cmdPut(c, rest)
	case "rm":
		if err := requireLocalDest(c); err != nil {
			return err
		}
		return cmdRm(c, rest)
	case "listen":
		return cmdListen(bus)
	case "gateway":
		return cmdGateway(cfg, c, db, bus, log)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func applyOverrides(cfg *config.Config) {
	if *flagTransport != "" {
		cfg.Device.Transport = *flagTransport
	}
	if *flagSerial != "" {
		cfg.Device.Serial = *flagSerial
	}
	if *flagAddr != "" {
		cfg.Device.Addr = *flagAddr
	}
	if *flagBLE != "" {
		cfg.Device.BLEAddr = *flagBLE
	}
	if *flagDB != "" {
		cfg.Storage.Path = *flagDB
	}
}

func newLogger(level string, verbose bool) (*zap.Logger, error) {
	if verbose {
		level = "debug"
	}
	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", level, err)
	}
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func buildLink(cfg *config.Config, log *zap.Logger) (transport.Link, error) {
	switch cfg.Device.Transport {
	case "serial":
		return transport.NewSerial(cfg.Device.Serial, log), nil
	case "tcp":
		return transport.NewTCP(cfg.Device.Addr, log), nil
	case "ble":
		return transport.NewBLE(cfg.Device.BLEAddr, log)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Device.Transport)
	}
}

// requireLocalDest rejects filesystem commands aimed at another node.
// The transfer protocol only runs against the locally attached device.
func requireLocalDest(c *client.Client) error {
	switch *flagDest {
	case "", wire.LocalAddr:
		return nil
	}
	if mi := c.MyInfo(); mi != nil && *flagDest == wire.NodeID(mi.MyNodeNum) {
		return nil
	}
	return client.ErrRemoteNodeUnsupported
}

// ── Commands ──────────────────────────────────────────────────────────────

func cmdNodes(c *client.Client) error {
	nodes := c.Nodes()
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].LastHeard.After(nodes[j].LastHeard)
	})
	for _, n := range nodes {
		heard := "never"
		if !n.LastHeard.IsZero() {
			heard = n.LastHeard.Format(time.RFC3339)
		}
		fmt.Printf("%-12s %-24s %-6s batt=%d%% heard=%s\n",
			n.ID, n.LongName, n.ShortName, n.BatteryLevel, heard)
	}
	return nil
}

func cmdSend(c *client.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: send <text>")
	}
	id, err := c.SendText(args[0], *flagDest, uint32(*flagChannel), *flagAck)
	if err != nil {
		return err
	}
	fmt.Printf("sent packet %d\n", id)
	return nil
}

func cmdLs(c *client.Client) error {
	files := c.ListFiles()
	if len(files) == 0 {
		fmt.Println("no filesystem entries received")
		return nil
	}
	for _, f := range files {
		fmt.Printf("%8d  %s\n", f.Size, f.Path)
	}
	return nil
}

func cmdGet(c *client.Client, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: get <remote> [local]")
	}
	local := "."
	if len(args) == 2 {
		local = args[1]
	}
	dst, err := c.DownloadFile(args[0], local, *flagOverwrite, *flagTimeout)
	if err != nil {
		return err
	}
	fmt.Printf("downloaded %s -> %s\n", args[0], dst)
	return nil
}

func cmdPut(c *client.Client, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: put <local> [remote]")
	}
	remote := "/"
	if len(args) == 2 {
		remote = args[1]
	}
	dst, err := c.UploadFile(args[0], remote, *flagOverwrite, *flagTimeout)
	if err != nil {
		return err
	}
	fmt.Printf("uploaded %s -> %s\n", args[0], dst)
	return nil
}

func cmdRm(c *client.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: rm <remote>")
	}
	if err := c.DeleteFile(args[0]); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", args[0])
	return nil
}

func cmdListen(bus *events.Bus) error {
	ch, unsub := bus.Subscribe()
	defer unsub()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case e := <-ch:
			enc.Encode(e) //nolint:errcheck
		case <-sig:
			return nil
		}
	}
}

func cmdGateway(cfg *config.Config, c *client.Client, db *store.DB, bus *events.Bus, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              cfg.Gateway.ListenAddr,
		Handler:           gateway.NewRouter(c, db, bus, log),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	log.Info("gateway listening", zap.String("addr", cfg.Gateway.ListenAddr))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-sig:
		return srv.Close()
	}
}
