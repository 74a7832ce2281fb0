// Command isocks is the iosocks client: a SOCKS5 front-end that tunnels
// CONNECT requests through an encrypted iosocks link to one of a
// configured set of osocks servers (spec.md §1/§6).
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/xiaoxiao-im/iosocks/internal/clientproxy"
	"github.com/xiaoxiao-im/iosocks/internal/config"
	"github.com/xiaoxiao-im/iosocks/internal/ioreactor"
	"github.com/xiaoxiao-im/iosocks/internal/netutil"
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

const defaultPoolCapacity = 1024

func help() {
	fmt.Println(`usage: isocks
  -h, --help        show this help
  -c <config>       path to a YAML config file
  -s <server_addr>  server address, default: 0.0.0.0
  -p <server_port>  server port, default: 1205
  -b <local_addr>   local binding address, default: 127.0.0.1
  -l <local_port>   local port, default: 1080
  -k <key>          encryption key`)
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		showHelp                   bool
		confPath, srvAddr, srvPort string
		localAddr, localPort, key  string
		debug                      bool
	)
	fs := flag.NewFlagSet("isocks", flag.ContinueOnError)
	fs.BoolVar(&showHelp, "h", false, "show this help")
	fs.BoolVar(&showHelp, "help", false, "show this help")
	fs.StringVar(&confPath, "c", "", "path to a YAML config file")
	fs.StringVar(&srvAddr, "s", "", "server address")
	fs.StringVar(&srvPort, "p", "", "server port")
	fs.StringVar(&localAddr, "b", "", "local binding address")
	fs.StringVar(&localPort, "l", "", "local port")
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
	if localAddr != "" {
		cfg.Local.Address = localAddr
	}
	if localPort != "" {
		cfg.Local.Port = localPort
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
	if cfg.Local.Address == "" {
		cfg.Local.Address = "127.0.0.1"
	}
	if cfg.Local.Port == "" {
		cfg.Local.Port = "1080"
	}
	if cfg.PoolCapacity <= 0 {
		cfg.PoolCapacity = defaultPoolCapacity
	}

	log := logging.New(cfg.Log, debug)
	defer log.Sync()

	servers, err := clientproxy.ResolveUpstreamServers(cfg.Servers)
	if err != nil {
		log.Errorw("failed to resolve upstream servers", "err", err)
		return exitNetworkError
	}

	localPortNum, err := strconv.Atoi(cfg.Local.Port)
	if err != nil {
		log.Errorw("invalid local port", "port", cfg.Local.Port)
		return exitArgError
	}
	listenFD, err := netutil.ListenTCP(cfg.Local.Address, localPortNum)
	if err != nil {
		log.Errorw("failed to bind local listener", "err", err)
		return exitNetworkError
	}
	defer unix.Close(listenFD)

	reactor, err := ioreactor.New()
	if err != nil {
		log.Errorw("failed to create event reactor", "err", err)
		return exitAllocatorError
	}
	defer reactor.Close()

	proxy, err := clientproxy.New(reactor, listenFD, servers, cfg.PoolCapacity, log)
	if err != nil {
		log.Errorw("failed to allocate connection pool", "err", err)
		return exitAllocatorError
	}
	if err := proxy.Start(); err != nil {
		log.Errorw("failed to start listener", "err", err)
		return exitNetworkError
	}

	if err := reactor.WatchShutdownSignals(reactor.Stop); err != nil {
		log.Errorw("failed to install signal handling", "err", err)
		return exitSignalError
	}

	log.Infow("starting isocks", "address", cfg.Local.Address, "port", cfg.Local.Port)
	if err := reactor.Run(); err != nil {
		log.Errorw("event loop exited with error", "err", err)
	}
	log.Info("exit")
	return exitOK
}
