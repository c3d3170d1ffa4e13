// echoserver accepts connections on a raw-socket TCP engine and echoes
// whatever it reads.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/apex/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/Clouded-Sabre/tcp-engine/config"
	"github.com/Clouded-Sabre/tcp-engine/lib"
	"github.com/Clouded-Sabre/tcp-engine/logging"
)

var (
	configPath = flag.String("config", "config.yaml", "Engine configuration file")
	listenAddr = flag.String("listen", "127.0.0.2:8901", "Address to accept connections on")
	logLevel   = flag.String("log-level", "info", "Log level")
	noFilter   = flag.Bool("no-filter", false, "Do not install RST filter rules")
)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not read args from env")
	rtx.Must(logging.SetLevel(*logLevel), "Bad log level")

	coreCfg, connCfg, err := config.LoadConfig(*configPath)
	rtx.Must(err, "Could not load config")
	local, err := netip.ParseAddrPort(*listenAddr)
	rtx.Must(err, "Bad listen address %q", *listenAddr)

	rawCfg := lib.DefaultRawConfig()
	rawCfg.LocalAddr = local.Addr()
	rawCfg.DisableFilter = *noFilter
	network, err := lib.NewRawNetwork(rawCfg)
	rtx.Must(err, "Could not open raw sockets")

	core, err := lib.NewTcpCore(coreCfg, connCfg, network)
	rtx.Must(err, "Could not start tcp core")
	defer core.Close()

	srv := prometheusx.MustServeMetrics()
	defer srv.Close()

	l, err := core.Listen(local)
	rtx.Must(err, "Could not listen on %s", local)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	var wg sync.WaitGroup
	for {
		s, err := l.AcceptContext(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logging.Logger.WithError(err).Error("accept failed")
			}
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			echo(s)
		}()
	}
	wg.Wait()
	logging.Logger.Info("server stopped")
}

func echo(s *lib.Socket) {
	defer s.Close()
	entry := logging.Logger.WithField("remote", s.RemoteAddr().String())
	entry.Info("client connected")
	n, err := io.Copy(s, s)
	if err != nil && !errors.Is(err, io.EOF) {
		entry.WithError(err).Warn("echo failed")
	}
	entry.WithFields(log.Fields{"bytes": n}).Info("client done")
}
