// bitvid-syncd - local caching relay for the bitvid video network.
//
// The daemon syncs video events from the configured relays through the
// consistency engine (version resolution + tombstones) and re-serves
// the resulting consistent view over a khatru relay, so local UIs can
// query one fast endpoint instead of racing the network themselves.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PR0M3TH3AN/bitvid-sync/gateway"
	"github.com/PR0M3TH3AN/bitvid-sync/localdb"
	"github.com/PR0M3TH3AN/bitvid-sync/logging"
	"github.com/PR0M3TH3AN/bitvid-sync/schema"
	"github.com/PR0M3TH3AN/bitvid-sync/videostore"
	"github.com/PR0M3TH3AN/bitvid-sync/views"
	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/fiatjaf/khatru"
	"github.com/nbd-wtf/go-nostr"
	nip11 "github.com/nbd-wtf/go-nostr/nip11"
	nip19 "github.com/nbd-wtf/go-nostr/nip19"
)

func main() {
	startTime := time.Now()
	cfg := LoadConfig()
	logging.SetVerbose(cfg.Verbose)

	if len(cfg.Relays) == 0 {
		logging.Fatal("no relays configured; set RELAYS or --relays")
	}

	// local state: sqlite when a path is configured, memory otherwise
	var tombstones localdb.TombstoneStore
	var viewCache localdb.ViewStateStore
	if cfg.DBPath != "" {
		db, err := localdb.Open(cfg.DBPath)
		if err != nil {
			logging.Fatal("opening local state db: %v", err)
		}
		defer db.Close()
		tombstones = db
		viewCache = db
	} else {
		mem := localdb.NewMemory()
		tombstones = mem
		viewCache = mem
	}

	pool := gateway.NewPool()
	pool.SetPublishTimeout(cfg.PublishTimeout)
	if err := pool.Init(); err != nil {
		logging.Fatal("initializing relay pool: %v", err)
	}
	defer pool.Close()

	events := &slicestore.SliceStore{}
	if err := events.Init(); err != nil {
		logging.Fatal("initializing event cache: %v", err)
	}
	defer events.Close()

	store, err := videostore.New(videostore.Options{
		Events:     events,
		Tombstones: tombstones,
	})
	if err != nil {
		logging.Fatal("initializing video store: %v", err)
	}

	aggregator := views.New(views.Options{
		Gateway: pool,
		Relays:  cfg.Relays,
		Cache:   viewCache,
	})
	if err := aggregator.Init(); err != nil {
		logging.Fatal("initializing view aggregator: %v", err)
	}
	defer aggregator.Close()

	ctx := context.Background()

	// backfill recent videos, then follow the live stream
	go func() {
		backfill := nostr.Filter{Kinds: []int{schema.KindVideoPost}, Limit: 500}
		fetched, err := pool.List(ctx, cfg.Relays, []nostr.Filter{backfill})
		if err != nil {
			logging.Warn("initial backfill incomplete: %v", err)
		}
		for _, ev := range fetched {
			store.Ingest(ctx, ev)
		}
		logging.Info("backfill done: %d events, %d active roots", len(fetched), store.Stats().ActiveRoots)
	}()

	now := nostr.Now()
	live := nostr.Filter{Kinds: []int{schema.KindVideoPost}, Since: &now}
	cancelLive, err := pool.Subscribe(ctx, cfg.Relays, []nostr.Filter{live}, func(ev *nostr.Event) {
		store.Ingest(ctx, ev)
	})
	if err != nil {
		logging.Fatal("subscribing to live events: %v", err)
	}
	defer cancelLive()

	// serve the consistent view over a khatru relay
	r := khatru.NewRelay()
	if r.Info == nil {
		r.Info = &nip11.RelayInformationDocument{}
	}
	r.Info.Name = cfg.RelayName
	r.Info.Description = cfg.RelayDescription
	r.Info.Contact = cfg.RelayContact
	r.Info.Icon = cfg.RelayIcon
	r.Info.Software = "https://github.com/PR0M3TH3AN/bitvid-sync"
	r.Info.Version = Version
	ensureSupportedNips(r, []int{11, 45})

	if sec := strings.TrimSpace(cfg.RelaySecKey); sec != "" {
		if strings.HasPrefix(sec, "nsec") {
			if pfx, val, err := nip19.Decode(sec); err == nil && pfx == "nsec" {
				if s, ok := val.(string); ok {
					sec = s
				}
			}
		}
		if _, err := hex.DecodeString(sec); err == nil {
			if pk, err := nostr.GetPublicKey(sec); err == nil {
				r.Info.PubKey = pk
			}
		}
		// do not log secrets
	}

	// writes to the local relay feed the engine, which decides what
	// becomes visible; reads come straight from the event cache
	r.StoreEvent = append(r.StoreEvent, func(ctx context.Context, ev *nostr.Event) error {
		if ev.Kind == schema.KindVideoPost {
			store.Ingest(ctx, ev)
			return nil
		}
		return events.SaveEvent(ctx, ev)
	})
	r.QueryEvents = append(r.QueryEvents, events.QueryEvents)
	r.CountEvents = append(r.CountEvents, events.CountEvents)

	mux := r.Router()
	mux.HandleFunc("/stats", func(w http.ResponseWriter, req *http.Request) {
		payload := struct {
			Uptime  float64          `json:"uptime_seconds"`
			Version string           `json:"version"`
			Gateway gateway.Stats    `json:"gateway"`
			Store   videostore.Stats `json:"store"`
			Views   views.Stats      `json:"views"`
		}{
			Uptime:  time.Since(startTime).Seconds(),
			Version: Version,
			Gateway: pool.Stats(),
			Store:   store.Stats(),
			Views:   aggregator.Stats(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			http.Error(w, "failed to encode stats", http.StatusInternalServerError)
		}
	})

	host, portStr, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		if cfg.Addr != "" && cfg.Addr[0] == ':' {
			host = ""
			portStr = cfg.Addr[1:]
		} else {
			logging.Fatal("invalid addr: %v", err)
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		logging.Fatal("invalid port: %v", err)
	}

	logging.Info("%s %s listening on %s, syncing %d relays", ProjectName, Version, cfg.Addr, len(cfg.Relays))
	if err := r.Start(host, port); err != nil {
		logging.Fatal("relay exited: %v", err)
	}
}

func ensureSupportedNips(r *khatru.Relay, nips []int) {
	if r == nil || r.Info == nil {
		return
	}
	present := map[int]bool{}
	for _, v := range r.Info.SupportedNIPs {
		switch vv := v.(type) {
		case int:
			present[vv] = true
		case int64:
			present[int(vv)] = true
		}
	}
	for _, ni := range nips {
		if !present[ni] {
			r.Info.SupportedNIPs = append(r.Info.SupportedNIPs, ni)
		}
	}
}
