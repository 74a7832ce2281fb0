// Command osocks is the iosocks server: it accepts the inner handshake,
// resolves the requested host asynchronously, and relays the established
// connection to the destination (spec.md §1/§6).
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/xiaoxiao-im/iosocks/internal/config"
	"github.com/xiaoxiao-im/iosocks/internal/ioreactor"
	"github.com/xiaoxiao-im/iosocks/internal/netutil"
	"github.com/xiaoxiao-im/iosocks/internal/resolver"
	"github.com/xiaoxiao-im/iosocks/internal/serverproxy"
	"github.com/xiaoxiao-im/iosocks/pkg/logging"
	"golang.org/x/sys/unix"
)

const (
	exitOK = iota
	exitArgError
	exitNetworkError
	exitAllocatorError
	exitSignalError
)

const (
	defaultPoolCapacity = 1024
	defaultDNSServer    = "8.8.8.8:53"
)

func help() {
	fmt.Println(`usage: osocks
  -h, --help        show this help
  -c <config>       path to a YAML config file
  -s <server_addr>  server address, default: 0.0.0.0
  -p <server_port>  server port, default: 1205
  -k <key>          encryption key`)
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		showHelp                   bool
		confPath, srvAddr, srvPort string
		key                        string
		debug                      bool
	)
	fs := flag.NewFlagSet("osocks", flag.ContinueOnError)
	fs.BoolVar(&showHelp, "h", false, "show this help")
	fs.BoolVar(&showHelp, "help", false, "show this help")
	fs.StringVar(&confPath, "c", "", "path to a YAML config file")
	fs.StringVar(&srvAddr, "s", "", "server address")
	fs.StringVar(&srvPort, "p", "", "server port")
	fs.StringVar(&key, "k", "", "encryption key")
	fs.BoolVar(&debug, "debug", false, "enable debug logging")
	fs.Usage = help
	if err := fs.Parse(os.Args[1:]); err != nil {
		return exitArgError
	}
	if showHelp {
		help()
		return exitOK
	}

	var cfg config.Config
	if confPath != "" {
		loaded, err := config.Load(confPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitArgError
		}
		cfg = *loaded
	}
	if srvAddr != "" || srvPort != "" || key != "" {
		cfg.Servers = []config.ServerEntry{{Address: srvAddr, Port: srvPort, Key: key}}
	}

	if len(cfg.Servers) == 0 {
		help()
		return exitArgError
	}
	for i := range cfg.Servers {
		if cfg.Servers[i].Address == "" {
			cfg.Servers[i].Address = "0.0.0.0"
		}
		if cfg.Servers[i].Port == "" {
			cfg.Servers[i].Port = "1205"
		}
		if cfg.Servers[i].Key == "" {
			help()
			return exitArgError
		}
	}
	if cfg.PoolCapacity <= 0 {
		cfg.PoolCapacity = defaultPoolCapacity
	}
	if cfg.DNSServer == "" {
		cfg.DNSServer = defaultDNSServer
	}

	log := logging.New(cfg.Log, debug)
	defer log.Sync()

	reactor, err := ioreactor.New()
	if err != nil {
		log.Errorw("failed to create event reactor", "err", err)
		return exitAllocatorError
	}
	defer reactor.Close()

	res, err := resolver.New(reactor, cfg.DNSServer)
	if err != nil {
		log.Errorw("failed to set up resolver", "err", err)
		return exitNetworkError
	}
	defer res.Close()

	var listenFDs []int
	for _, entry := range cfg.Servers {
		port, err := strconv.Atoi(entry.Port)
		if err != nil {
			log.Errorw("invalid server port", "port", entry.Port)
			return exitArgError
		}
		fd, err := netutil.ListenTCP(entry.Address, port)
		if err != nil {
			log.Errorw("failed to bind listener", "address", entry.Address, "port", port, "err", err)
			return exitNetworkError
		}
		listenFDs = append(listenFDs, fd)

		proxy, err := serverproxy.New(reactor, fd, []byte(entry.Key), res, cfg.PoolCapacity, log)
		if err != nil {
			log.Errorw("failed to allocate connection pool", "err", err)
			return exitAllocatorError
		}
		if err := proxy.Start(); err != nil {
			log.Errorw("failed to start listener", "err", err)
			return exitNetworkError
		}
		log.Infow("starting osocks", "address", entry.Address, "port", port)
	}
	defer func() {
		for _, fd := range listenFDs {
			unix.Close(fd)
		}
	}()

	if err := reactor.WatchShutdownSignals(reactor.Stop); err != nil {
		log.Errorw("failed to install signal handling", "err", err)
		return exitSignalError
	}

	if err := reactor.Run(); err != nil {
		log.Errorw("event loop exited with error", "err", err)
	}
	log.Info("exit")
	return exitOK
}
