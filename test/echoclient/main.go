// echoclient dials an echo server through a raw-socket TCP engine and checks
// the echoes.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/apex/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"

	"github.com/Clouded-Sabre/tcp-engine/config"
	"github.com/Clouded-Sabre/tcp-engine/lib"
	"github.com/Clouded-Sabre/tcp-engine/logging"
)

var (
	configPath = flag.String("config", "config.yaml", "Engine configuration file")
	serverAddr = flag.String("server", "127.0.0.2:8901", "Echo server address")
	localIP    = flag.String("local", "127.0.0.3", "Local address, empty to pick one")
	count      = flag.Int("count", 10, "Messages to send")
	size       = flag.Int("size", 1000, "Message size in bytes")
	interval   = flag.Duration("interval", 100*time.Millisecond, "Pause between messages")
	retry      = flag.Bool("retry", true, "Redial with backoff")
	logLevel   = flag.String("log-level", "info", "Log level")
)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not read args from env")
	rtx.Must(logging.SetLevel(*logLevel), "Bad log level")

	coreCfg, connCfg, err := config.LoadConfig(*configPath)
	rtx.Must(err, "Could not load config")
	remote, err := netip.ParseAddrPort(*serverAddr)
	rtx.Must(err, "Bad server address %q", *serverAddr)

	rawCfg := lib.DefaultRawConfig()
	rawCfg.Target = remote.Addr()
	if *localIP != "" {
		rawCfg.LocalAddr, err = netip.ParseAddr(*localIP)
		rtx.Must(err, "Bad local address %q", *localIP)
	}
	network, err := lib.NewRawNetwork(rawCfg)
	rtx.Must(err, "Could not open raw sockets")
	core, err := lib.NewTcpCore(coreCfg, connCfg, network)
	rtx.Must(err, "Could not start tcp core")
	defer core.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	var s *lib.Socket
	if *retry {
		s, err = core.DialWithRetry(ctx, remote, nil)
	} else {
		s, err = core.Dial(ctx, remote)
	}
	rtx.Must(err, "Could not connect to %s", remote)
	defer s.Close()
	logging.Logger.WithField("local", s.LocalAddr().String()).Info("connected")

	reply := make([]byte, *size)
	for i := 0; i < *count; i++ {
		msg := bytes.Repeat([]byte{byte('a' + i%26)}, *size)
		copy(msg, fmt.Sprintf("message %d ", i))
		_, err := s.Write(msg)
		rtx.Must(err, "Write failed")
		rtx.Must(s.SetReadDeadline(time.Now().Add(30*time.Second)), "SetReadDeadline failed")
		_, err = io.ReadFull(s, reply)
		rtx.Must(err, "Read failed")
		if !bytes.Equal(msg, reply) {
			logging.Logger.WithField("i", i).Fatal("echo mismatch")
		}
		logging.Logger.WithFields(log.Fields{"i": i, "rto": s.TCP().RTO().String()}).Info("echo ok")
		time.Sleep(*interval)
	}
}
