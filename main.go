// Command nfc-pcsc watches the PC/SC readers of the machine and reports the
// cards presented to them.
//
// Memory cards are identified by their UID; ISO 14443-4 cards get the
// configured AID selected. Events are logged and, with -listen, streamed as
// JSON over a websocket at /ws next to the session metrics at /metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gregLibert/nfc-pcsc/pkg/pcsc"
	"github.com/gregLibert/nfc-pcsc/pkg/scardtransport"
	"github.com/gregLibert/nfc-pcsc/pkg/tlv"
	"github.com/juju/loggo"
	"github.com/rcrowley/go-metrics"
)

var (
	version = "dev"
	logger  = loggo.GetLogger("main")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "nfc-pcsc: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := defaultConfig()
	configFile := flag.String("config", "", "JSON configuration `file`")
	listen := flag.String("listen", "", "serve the websocket feed and metrics on `addr`")
	aid := flag.String("aid", "", "application `AID` selected on ISO 14443-4 cards, hex")
	readLength := flag.Int("read", 0, "read `n` bytes from memory cards")
	readBlock := flag.Int("block", 4, "first `block` of the read")
	key := flag.String("key", "", "MIFARE Classic `key` authenticating the read block, hex")
	ndefFlag := flag.Bool("ndef", false, "decode the read data as an NDEF message")
	flag.Parse()

	if *configFile != "" {
		if err := cfg.fromFile(*configFile); err != nil {
			return err
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listen
		case "aid":
			cfg.AID = *aid
		case "read":
			cfg.ReadLength = *readLength
		case "block":
			cfg.ReadBlock = *readBlock
		case "key":
			cfg.Key = *key
		case "ndef":
			cfg.NDEF = *ndefFlag
		}
	})
	cfg.fromEnv()
	if err := cfg.validate(); err != nil {
		return err
	}

	if err := loggo.ConfigureLoggers(cfg.LogLevels); err != nil {
		return fmt.Errorf("log levels: %w", err)
	}
	if err := initSentry(cfg, version); err != nil {
		logger.Warningf("sentry disabled: %v", err)
	}
	defer flushSentry(2 * time.Second)

	var opts []pcsc.Option
	if cfg.AID != "" {
		b, err := tlv.ParseHex(cfg.AID)
		if err != nil {
			return fmt.Errorf("aid: %w", err)
		}
		opts = append(opts, pcsc.WithAID(b))
	}
	var readKey *pcsc.Key
	if cfg.Key != "" {
		k, err := pcsc.ParseKey(cfg.Key)
		if err != nil {
			return err
		}
		readKey = &k
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitor, err := scardtransport.NewMonitor()
	if err != nil {
		return err
	}
	manager := pcsc.NewManager(monitor, opts...)

	var f *feed
	var srv *http.Server
	if cfg.Listen != "" {
		f = newFeed()
		go f.run()
		srv = newServer(cfg.Listen, f, manager.Metrics())
		go func() {
			logger.Infof("listening on %s", cfg.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("http server: %v", err)
				stop()
			}
		}()
	}

	s := &session{ctx: ctx, cfg: cfg, feed: f, key: readKey}
	manager.OnError(func(err error) {
		logger.Errorf("pcsc: %v", err)
		report("", err)
	})
	manager.OnReader(s.attach)
	manager.Start()

	<-ctx.Done()
	logger.Infof("shutting down")

	if err := manager.Close(); err != nil {
		logger.Warningf("close: %v", err)
	}
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		f.stop()
	}
	return nil
}

func newServer(addr string, f *feed, registry metrics.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/ws", f)
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		metrics.WriteJSONOnce(registry, w)
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
