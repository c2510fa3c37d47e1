package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bracketcast/bracketcast/internal/fanout"
)

// Stands in for a venue display: holds a socket to the hub, prints every
// frame, and optionally serves the side-channel POST endpoints so the
// fallback path can be watched end to end. Run with -ack=false to stop
// confirming snapshots and force the hub onto the side channel.

func main() {
	addr := flag.String("addr", "localhost:8080", "bracketcastd host:port")
	tenantID := flag.Int64("tenant", 1, "tenant to watch")
	kind := flag.String("kind", "match", "display kind: match, bracket, flyer or dashboard")
	ack := flag.Bool("ack", true, "confirm snapshots (false exercises the fallback)")
	listen := flag.String("listen", "", "also serve the side-channel endpoints here, e.g. :9090")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *listen != "" {
		go serveSideChannel(*listen)
	}

	client := fanout.NewClient(*addr, *tenantID, *kind, *ack, printFrame)
	go client.ConnectWithRetry(ctx)

	fmt.Printf("display up  tenant=%d kind=%s ack=%v\n", *tenantID, *kind, *ack)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	cancel()
}

func printFrame(f fanout.Frame) {
	ts := f.Timestamp.Local().Format("15:04:05")
	switch {
	case f.Type == fanout.FrameSnapshot:
		var env struct {
			TournamentName string `json:"tournamentName"`
			State          string `json:"state"`
			Source         string `json:"source"`
			IsStale        bool   `json:"isStale"`
			Hash           string `json:"hash"`
			Counters       struct {
				Complete int `json:"complete"`
				Total    int `json:"total"`
				Progress int `json:"progress"`
			} `json:"counters"`
		}
		if err := json.Unmarshal(f.Payload, &env); err != nil {
			fmt.Printf("[%s] snapshot (unreadable: %v)\n", ts, err)
			return
		}
		stale := ""
		if env.IsStale {
			stale = " STALE"
		}
		fmt.Printf("[%s] snapshot  %q state=%s %d/%d (%d%%) source=%s%s hash=%s\n",
			ts, env.TournamentName, env.State,
			env.Counters.Complete, env.Counters.Total, env.Counters.Progress,
			env.Source, stale, env.Hash)

	case strings.HasPrefix(f.Type, fanout.FrameTimerPrefix):
		var tu struct {
			Participant  string `json:"participant"`
			RemainingSec int    `json:"remaining_sec"`
			Reason       string `json:"reason"`
		}
		_ = json.Unmarshal(f.Payload, &tu)
		phase := strings.TrimPrefix(f.Type, fanout.FrameTimerPrefix)
		line := fmt.Sprintf("[%s] dq timer %s  %s", ts, phase, tu.Participant)
		if tu.RemainingSec > 0 {
			line += fmt.Sprintf("  %ds left", tu.RemainingSec)
		}
		if tu.Reason != "" {
			line += "  (" + tu.Reason + ")"
		}
		fmt.Println(line)

	case strings.HasPrefix(f.Type, fanout.FrameSponsor):
		var sd struct {
			Position string `json:"position"`
			Current  *struct {
				Name string `json:"name"`
			} `json:"current"`
		}
		_ = json.Unmarshal(f.Payload, &sd)
		phase := strings.TrimPrefix(f.Type, fanout.FrameSponsor)
		line := fmt.Sprintf("[%s] sponsor %s", ts, phase)
		if sd.Position != "" {
			line += "  " + sd.Position
		}
		if sd.Current != nil {
			line += "  -> " + sd.Current.Name
		}
		fmt.Println(line)

	case f.Type == fanout.FrameAnnouncement:
		var an struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(f.Payload, &an)
		fmt.Printf("[%s] announcement [%s] %s\n", ts, an.Kind, an.Message)

	case f.Type == fanout.FrameActivity:
		var n struct {
			Actor   string `json:"actor"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(f.Payload, &n)
		fmt.Printf("[%s] activity  %s: %s\n", ts, n.Actor, n.Message)

	default:
		fmt.Printf("[%s] %s  %s\n", ts, f.Type, compact(f.Payload))
	}
}

// serveSideChannel logs the POSTs the hub falls back to when nobody acks.
// Point DISPLAY_*_URL at this address.
func serveSideChannel(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/matches/push", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var env struct {
			TournamentName string `json:"tournamentName"`
			Hash           string `json:"hash"`
		}
		_ = json.Unmarshal(body, &env)
		fmt.Printf("[%s] side-channel push  %q hash=%s (%d bytes)\n",
			time.Now().Format("15:04:05"), env.TournamentName, env.Hash, len(body))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/sponsor/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		phase := strings.TrimPrefix(r.URL.Path, "/api/sponsor/")
		fmt.Printf("[%s] side-channel sponsor %s  %s\n",
			time.Now().Format("15:04:05"), phase, compact(body))
		w.WriteHeader(http.StatusNoContent)
	})

	fmt.Printf("side-channel endpoints on %s\n", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		fmt.Fprintf(os.Stderr, "side-channel server: %v\n", err)
		os.Exit(1)
	}
}

func compact(raw []byte) string {
	s := string(raw)
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}
