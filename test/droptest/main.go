// droptest runs a client and an echo server over an in-memory link that
// loses frames, and reports how the engine recovered.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"io"
	"net/netip"
	"time"

	"github.com/apex/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/Clouded-Sabre/tcp-engine/lib"
	"github.com/Clouded-Sabre/tcp-engine/logging"
)

var (
	dropRate = flag.Float64("droprate", 0.1, "Frame drop rate (0.0-1.0)")
	delay    = flag.Duration("delay", 5*time.Millisecond, "One-way link delay")
	total    = flag.Int("bytes", 1<<20, "Bytes to echo")
	chunk    = flag.Int("chunk", 4096, "Write size")
	seed     = flag.Int64("seed", 0, "Loss pattern seed")
	serve    = flag.Bool("metrics", false, "Serve prometheus metrics")
	logLevel = flag.String("log-level", "info", "Log level")
)

var (
	clientIP = netip.MustParseAddr("10.0.0.1")
	serverEP = netip.MustParseAddrPort("10.0.0.2:7")
)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not read args from env")
	rtx.Must(logging.SetLevel(*logLevel), "Bad log level")
	if *serve {
		srv := prometheusx.MustServeMetrics()
		defer srv.Close()
	}

	connCfg := lib.DefaultConnectionConfig()
	connCfg.InitialRTO = 200 * time.Millisecond
	connCfg.MinRTO = 100 * time.Millisecond
	connCfg.MaxRetransmissions = 15

	a, b := lib.NewPipe(clientIP, serverEP.Addr(), lib.PipeConfig{DropRate: *dropRate, Delay: *delay, Seed: *seed})
	client, err := lib.NewTcpCore(nil, connCfg, a)
	rtx.Must(err, "Could not start client core")
	defer client.Close()
	server, err := lib.NewTcpCore(nil, connCfg, b)
	rtx.Must(err, "Could not start server core")
	defer server.Close()

	l, err := server.Listen(serverEP)
	rtx.Must(err, "Could not listen")
	go func() {
		for {
			s, err := l.AcceptContext(context.Background())
			if err != nil {
				return
			}
			go func() {
				defer s.Close()
				io.Copy(s, s)
			}()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	s, err := client.DialWithRetry(ctx, serverEP, nil)
	rtx.Must(err, "Could not connect")

	data := make([]byte, *total)
	for i := range data {
		data[i] = byte(i * 7)
	}
	start := time.Now()
	errc := make(chan error, 1)
	go func() {
		for off := 0; off < len(data); off += *chunk {
			end := off + *chunk
			if end > len(data) {
				end = len(data)
			}
			if _, err := s.Write(data[off:end]); err != nil {
				errc <- err
				return
			}
		}
		errc <- nil
	}()

	got := make([]byte, len(data))
	_, err = io.ReadFull(s, got)
	rtx.Must(err, "Read failed")
	rtx.Must(<-errc, "Write failed")
	if !bytes.Equal(data, got) {
		rtx.Must(errors.New("payload mismatch"), "Echo check failed")
	}
	logging.Logger.WithFields(log.Fields{
		"bytes":    *total,
		"droprate": *dropRate,
		"elapsed":  time.Since(start).String(),
		"rto":      s.TCP().RTO().String(),
	}).Info("echo complete")

	s.Close()
	l.Close()
}
