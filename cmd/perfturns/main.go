package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/funnelbot/internal/protocol"
)

type options struct {
	baseURL        string
	contactPrefix  string
	contacts       int
	turns          int
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

type wsEnvelope struct {
	Type        string `json:"type"`
	ContactID   string `json:"contact_id,omitempty"`
	Destination string `json:"destination,omitempty"`
	Actions     int    `json:"actions,omitempty"`
	Code        string `json:"code,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// turnSample is the latency of one replayed turn.
type turnSample struct {
	ack      time.Duration
	delivery time.Duration
	dropped  bool
}

var defaultUtterances = []string{
	"hi there",
	"I am Ana, looking for a plan for my team",
	"what does the premium tier include?",
	"ok, how do I pay?",
}

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfturns: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfturns: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var cfg options
	var textsRaw string
	var startDelayMS int
	var interTurnMS int
	var turnTimeoutMS int

	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "funnelbot base URL")
	fs.StringVar(&cfg.contactPrefix, "contact-prefix", "perf-", "prefix for synthetic contact ids")
	fs.IntVar(&cfg.contacts, "contacts", 4, "number of concurrent synthetic contacts")
	fs.IntVar(&cfg.turns, "turns", 4, "turns to replay per contact")
	fs.IntVar(&startDelayMS, "start-delay-ms", 200, "delay before the first turn in milliseconds")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 1600, "delay between turns of one contact in milliseconds")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for turn_result per turn in milliseconds")
	fs.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.contacts <= 0 || cfg.contacts > 1000 {
		return options{}, fmt.Errorf("contacts must be in [1,1000]")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if strings.TrimSpace(cfg.contactPrefix) == "" {
		return options{}, fmt.Errorf("contact-prefix is required")
	}
	if startDelayMS < 0 {
		startDelayMS = 0
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.startDelay = time.Duration(startDelayMS) * time.Millisecond
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultUtterances...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty utterances")
		}
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	if cfg.startDelay > 0 {
		time.Sleep(cfg.startDelay)
	}

	var (
		mu      sync.Mutex
		samples []turnSample
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.contacts; i++ {
		contactID := fmt.Sprintf("%s%04d", cfg.contactPrefix, i+1)
		g.Go(func() error {
			got, err := replayContact(gctx, cfg, contactID)
			mu.Lock()
			samples = append(samples, got...)
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("contact %s: %w", contactID, err)
			}
			return nil
		})
	}
	err := g.Wait()
	printSummary(os.Stdout, samples)
	return err
}

func replayContact(ctx context.Context, cfg options, contactID string) ([]turnSample, error) {
	wsURL, err := consoleURL(cfg.baseURL, contactID)
	if err != nil {
		return nil, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	resultCh := make(chan int, 8)
	deliveredCh := make(chan struct{}, 32)
	readErrCh := make(chan error, 1)
	go readLoop(conn, contactID, resultCh, deliveredCh, readErrCh, cfg.verbose)

	var samples []turnSample
	for i := 0; i < cfg.turns; i++ {
		drain(deliveredCh)
		text := cfg.texts[i%len(cfg.texts)]
		if cfg.verbose {
			fmt.Printf("perfturns: %s turn %d/%d text=%q\n", contactID, i+1, cfg.turns, text)
		}
		start := time.Now()
		msg := protocol.InboundText{
			Type:      protocol.TypeInboundText,
			ContactID: contactID,
			Text:      text,
			TSMs:      start.UnixMilli(),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return samples, fmt.Errorf("turn %d send: %w", i+1, err)
		}
		sample, err := awaitTurn(start, resultCh, deliveredCh, readErrCh, cfg.turnTimeout)
		if err != nil {
			return samples, fmt.Errorf("turn %d await turn_result: %w", i+1, err)
		}
		samples = append(samples, sample)
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			select {
			case <-ctx.Done():
				return samples, ctx.Err()
			case <-time.After(cfg.interTurnDelay):
			}
		}
	}
	return samples, nil
}

func consoleURL(baseURL, contactID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/console/ws"
	q := u.Query()
	q.Set("destination", contactID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, contactID string, resultCh chan<- int, deliveredCh chan<- struct{}, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case string(protocol.TypeTurnResult):
			if env.ContactID != contactID {
				continue
			}
			select {
			case resultCh <- env.Actions:
			default:
			}
		case string(protocol.TypeOutboundMessage):
			if env.Destination != contactID {
				continue
			}
			select {
			case deliveredCh <- struct{}{}:
			default:
			}
		case string(protocol.TypeErrorEvent):
			if verbose {
				fmt.Fprintf(os.Stderr, "perfturns: error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
		}
	}
}

// awaitTurn waits for the turn_result and, when the turn produced actions,
// for the first delivered message. Delivery is asynchronous, so it may land
// before the acknowledgement.
func awaitTurn(start time.Time, resultCh <-chan int, deliveredCh <-chan struct{}, readErrCh <-chan error, timeout time.Duration) (turnSample, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var sample turnSample
	acked, delivered := false, false
	for !acked || (!delivered && !sample.dropped) {
		select {
		case n := <-resultCh:
			acked = true
			sample.ack = time.Since(start)
			sample.dropped = n == 0
		case <-deliveredCh:
			if !delivered {
				delivered = true
				sample.delivery = time.Since(start)
			}
		case err := <-readErrCh:
			return sample, err
		case <-timer.C:
			if acked {
				// Acknowledged but never delivered: report what we have.
				return sample, nil
			}
			return sample, fmt.Errorf("timeout after %s", timeout)
		}
	}
	return sample, nil
}

func drain(ch <-chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func printSummary(w io.Writer, samples []turnSample) {
	var acks, deliveries []time.Duration
	dropped := 0
	for _, s := range samples {
		if s.dropped {
			dropped++
			continue
		}
		acks = append(acks, s.ack)
		if s.delivery > 0 {
			deliveries = append(deliveries, s.delivery)
		}
	}
	fmt.Fprintf(w, "perfturns: turns=%d dropped=%d\n", len(samples), dropped)
	fmt.Fprintf(w, "perfturns: turn_result p50=%s p95=%s\n", percentile(acks, 50), percentile(acks, 95))
	fmt.Fprintf(w, "perfturns: delivery    p50=%s p95=%s\n", percentile(deliveries, 50), percentile(deliveries, 95))
}

// percentile uses nearest rank over a sorted copy of values.
func percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}
