// Command lwm2m-client is a demo wiring of the Observe Engine and the
// Downloader, in the spirit of cmd/coap's one-shot CLI in the teacher
// repo: flag-driven, DTLS-aware, logging to stderr. It is not the public
// LwM2M client API (that surface, along with Bootstrap/Registration/Send,
// is out of scope per the design) - just enough wiring to exercise both
// subsystems against real sockets or an in-memory fixture.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"time"

	piondtls "github.com/pion/dtls/v2"
	"github.com/sirupsen/logrus"

	lwm2mcore "github.com/avsystem/lwm2m-core"
	"github.com/avsystem/lwm2m-core/cel"
	"github.com/avsystem/lwm2m-core/dmr"
	"github.com/avsystem/lwm2m-core/download"
	"github.com/avsystem/lwm2m-core/observe"
)

var (
	flagDownloadURL string
	flagInsecure    bool
	flagVerbose     bool
	flagStartOffset int
	flagFixture     string
	flagObservePath string
	flagPmax        float64
	flagDuration    time.Duration
)

func init() {
	flag.StringVar(&flagDownloadURL, "download", "", "coap(s)://host:port/path to block-wise download (optional)")
	flag.BoolVar(&flagInsecure, "insecure", false, "skip DTLS certificate verification")
	flag.BoolVar(&flagInsecure, "k", false, "shorthand of -insecure")
	flag.BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	flag.BoolVar(&flagVerbose, "v", false, "shorthand of -verbose")
	flag.IntVar(&flagStartOffset, "start-offset", 0, "resume a download at this byte offset")
	flag.StringVar(&flagFixture, "fixture", "", "JSON data-model fixture for the observe demo (see dmr.LoadJSONFixture)")
	flag.StringVar(&flagObservePath, "observe-path", "/3/0/9", "resource path to observe in the demo")
	flag.Float64Var(&flagPmax, "pmax", 10, "pmax seconds for the observe demo's periodic trigger")
	flag.DurationVar(&flagDuration, "duration", 30*time.Second, "how long to run the observe demo before exiting")
}

func main() {
	flag.Parse()
	logger := logrus.New()
	if flagVerbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	if flagDownloadURL != "" {
		if err := runDownload(logger); err != nil {
			logger.WithError(err).Error("download failed")
			os.Exit(1)
		}
	}

	if flagFixture != "" {
		if err := runObserveDemo(logger); err != nil {
			logger.WithError(err).Error("observe demo failed")
			os.Exit(1)
		}
	}

	if flagDownloadURL == "" && flagFixture == "" {
		flag.Usage()
		fmt.Println("Example: ./lwm2m-client -download coap://127.0.0.1:5683/firmware/0")
		fmt.Println("Example: ./lwm2m-client -fixture testdata/device.json -observe-path /3/0/9 -pmax 10")
	}
}

func runDownload(logger *logrus.Logger) error {
	u, err := cel.ParseCoAPURL(flagDownloadURL)
	if err != nil {
		return fmt.Errorf("parsing download url: %w", err)
	}

	var dtlsCfg *piondtls.Config
	if u.Secure {
		dtlsCfg = &piondtls.Config{InsecureSkipVerify: flagInsecure}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cel.DialTimeout)
	defer cancel()
	endpoint, err := cel.DialEndpoint(ctx, u.Addr(), dtlsCfg)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", u.Addr(), err)
	}
	endpoint.Log = logAdapter{logger}

	runtime := lwm2mcore.NewRuntime(lwm2mcore.RealClock)
	done := make(chan download.Result, 1)

	var received int
	handlers := download.Handlers{
		OnNextBlock: func(data []byte, size int, etag []byte) error {
			received += size
			logger.Infof("received block: %d bytes (total %d), etag=%x", size, received, etag)
			return nil
		},
		OnDownloadFinished: func(r download.Result) {
			done <- r
		},
	}

	transfer, err := download.New(runtime, endpoint, flagDownloadURL, download.Config{
		StartOffset: flagStartOffset,
	}, handlers, logAdapter{logger})
	if err != nil {
		return fmt.Errorf("constructing transfer: %w", err)
	}
	transfer.Start()

	result := <-done
	logger.Infof("download finished: status=%s code=%d err=%v", result.Status, result.Code, result.Err)
	if result.Status != download.StatusSuccess {
		return fmt.Errorf("download did not succeed: %s", result.Status)
	}
	return nil
}

// runObserveDemo wires the Observe Engine against a JSON-seeded in-memory
// data model and a logging stand-in for the CoAP Exchange Layer (real
// wire delivery requires a CoAP server context, which is out of scope
// for this CLI - see package cel's ServerAdapter for the wire-level
// implementation a full client embeds).
func runObserveDemo(logger *logrus.Logger) error {
	raw, err := ioutil.ReadFile(flagFixture)
	if err != nil {
		return fmt.Errorf("reading fixture: %w", err)
	}
	mem := dmr.NewMemory()
	if err := dmr.LoadJSONFixture(mem, raw, nil); err != nil {
		return fmt.Errorf("loading fixture: %w", err)
	}

	path, err := parseObservePath(flagObservePath)
	if err != nil {
		return err
	}
	mem.SetResourceAttrs(path.Object, path.Instance, path.Resource, &lwm2mcore.Attrs{})
	mem.SetServerDefault(dmr.FieldPmax, flagPmax)

	runtime := lwm2mcore.NewRuntime(lwm2mcore.RealClock)
	exchange := &loggingExchange{log: logger}
	servers := demoServerDirectory{ssid: 1}
	engine := observe.New(runtime, mem, exchange, servers, observe.DefaultConfig())
	engine.SetLogger(logAdapter{logger})

	token := lwm2mcore.NewToken([]byte{0x01, 0x02})
	result, err := engine.HandleObserve(context.Background(), observe.ObserveRequest{
		Token:    token,
		Action:   observe.ActionRead,
		Paths:    []lwm2mcore.Path{path},
		ServerID: servers.ssid,
		Conn:     observe.ConnectionUDP,
	})
	if err != nil {
		return fmt.Errorf("handle_observe: %w", err)
	}
	logger.Infof("initial observe response registered=%v code=0x%02x", result.Registered, result.Details.Code)

	deadline := time.After(flagDuration)
	<-deadline
	return nil
}

func parseObservePath(s string) (lwm2mcore.Path, error) {
	var oid, iid, rid uint16
	n, err := fmt.Sscanf(s, "/%d/%d/%d", &oid, &iid, &rid)
	if err != nil || n != 3 {
		return lwm2mcore.Path{}, fmt.Errorf("observe path must be /oid/iid/rid, got %q", s)
	}
	return lwm2mcore.ResourcePath(oid, iid, rid), nil
}

// demoServerDirectory is the minimal ServerDirectory needed to drive the
// engine outside of a real Security/Server Object pair.
type demoServerDirectory struct {
	ssid uint16
}

func (d demoServerDirectory) Exists(ssid uint16) bool { return ssid == d.ssid }
func (d demoServerDirectory) Info(ssid uint16) observe.ServerInfo {
	return observe.ServerInfo{SSID: d.ssid, NotificationStoring: true}
}
func (d demoServerDirectory) SortedSSIDs() []uint16 { return []uint16{d.ssid} }

// loggingExchange stands in for a real CoAP Exchange Layer in the demo:
// instead of writing notifications to a wire connection, it drains the
// payload writer and logs what would have been sent.
type loggingExchange struct {
	log    *logrus.Logger
	nextID uint64
}

func (e *loggingExchange) ObserveStreamingStart(ctx context.Context, observeID lwm2mcore.Token, cancelFn func()) error {
	return nil
}

func (e *loggingExchange) NotifyAsync(ctx context.Context, token lwm2mcore.Token, details cel.ResponseDetails,
	hint cel.ReliabilityHint, payload cel.PayloadWriter, deliveryCB func(cel.DeliveryResult)) (uint64, error) {

	e.nextID++
	id := e.nextID

	var total int
	if payload != nil {
		offset := 0
		for {
			chunk, done, err := payload.WriteAt(offset)
			if err != nil {
				deliveryCB(cel.DeliveryResult{Success: false, Err: &cel.ExchangeError{Err: err}})
				return id, nil
			}
			total += len(chunk)
			offset += len(chunk)
			if done {
				break
			}
		}
	}
	e.log.Infof("notify token=%x code=0x%02x reliability=%v bytes=%d", token.Bytes(), details.Code, hint, total)
	deliveryCB(cel.DeliveryResult{Success: true})
	return id, nil
}

func (e *loggingExchange) ExchangeCancel(exchangeID uint64) {}

type logAdapter struct {
	l *logrus.Logger
}

func (a logAdapter) Printf(format string, v ...interface{}) {
	a.l.Debugf(format, v...)
}

var _ = log.Printf
