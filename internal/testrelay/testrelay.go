// Package testrelay provides an in-process NIP-29 relay for integration
// tests, generalized from the teacher's integration_test.go
// startTestRelay helper (slicestore + relay29/khatru29 wiring) into a
// reusable package so every internal package's tests can spin one up
// without copy-pasting the khatru29 permissive-policy plumbing.
package testrelay

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/fiatjaf/relay29"
	"github.com/fiatjaf/relay29/khatru29"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip29"
)

// IsNIP29Kind classifies kinds relay29/khatru29 manages directly (group
// messages, moderation, metadata) versus everything else this module also
// needs the relay to carry (profile metadata, gift wraps, relay lists, MLS
// group messages on kind 444, etc.) — grounded on the teacher's
// isNIP29Kind.
func IsNIP29Kind(kind int) bool {
	if kind >= 9 && kind <= 12 {
		return true
	}
	if kind >= 9000 && kind <= 9022 {
		return true
	}
	if kind >= 39000 && kind <= 39003 {
		return true
	}
	return false
}

// Relay is a running embedded test relay.
type Relay struct {
	URL     string
	Cleanup func()
}

// Start launches an embedded relay on an ephemeral localhost port that
// handles both NIP-29-managed kinds (via khatru29) and every other kind
// this module cares about (via a second in-memory eventstore), matching
// the teacher's dual-store approach.
func Start() (*Relay, error) {
	nip29DB := &slicestore.SliceStore{}
	if err := nip29DB.Init(); err != nil {
		return nil, fmt.Errorf("testrelay: nip29 store init: %w", err)
	}
	generalDB := &slicestore.SliceStore{}
	if err := generalDB.Init(); err != nil {
		return nil, fmt.Errorf("testrelay: general store init: %w", err)
	}

	relayPrivkey := nostr.GeneratePrivateKey()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("testrelay: listen: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	domain := fmt.Sprintf("127.0.0.1:%d", port)

	relay, state := khatru29.Init(relay29.Options{
		Domain:    domain,
		DB:        nip29DB,
		SecretKey: relayPrivkey,
		DefaultRoles: []*nip29.Role{
			{Name: "admin", Description: "can do everything"},
		},
		GroupCreatorDefaultRole: &nip29.Role{Name: "admin", Description: "can do everything"},
	})
	state.AllowAction = func(ctx context.Context, group nip29.Group, role *nip29.Role, action relay29.Action) bool {
		return true
	}
	relay.Info.Name = "whitenoise-test-relay"

	origRejectEvent := append([]func(ctx context.Context, event *nostr.Event) (bool, string){}, relay.RejectEvent...)
	relay.RejectEvent = nil
	for _, fn := range origRejectEvent {
		f := fn
		relay.RejectEvent = append(relay.RejectEvent, func(ctx context.Context, event *nostr.Event) (bool, string) {
			if !IsNIP29Kind(event.Kind) {
				return false, ""
			}
			return f(ctx, event)
		})
	}

	origRejectFilter := append([]func(ctx context.Context, filter nostr.Filter) (bool, string){}, relay.RejectFilter...)
	relay.RejectFilter = nil
	for _, fn := range origRejectFilter {
		f := fn
		relay.RejectFilter = append(relay.RejectFilter, func(ctx context.Context, filter nostr.Filter) (bool, string) {
			if hasNonNIP29Kind(filter) {
				return false, ""
			}
			return f(ctx, filter)
		})
	}

	origOnEventSaved := append([]func(ctx context.Context, event *nostr.Event){}, relay.OnEventSaved...)
	relay.OnEventSaved = nil
	for _, fn := range origOnEventSaved {
		f := fn
		relay.OnEventSaved = append(relay.OnEventSaved, func(ctx context.Context, event *nostr.Event) {
			if !IsNIP29Kind(event.Kind) {
				return
			}
			f(ctx, event)
		})
	}

	origStoreEvent := append([]func(ctx context.Context, event *nostr.Event) error{}, relay.StoreEvent...)
	relay.StoreEvent = nil
	for _, fn := range origStoreEvent {
		f := fn
		relay.StoreEvent = append(relay.StoreEvent, func(ctx context.Context, evt *nostr.Event) error {
			if !IsNIP29Kind(evt.Kind) {
				return nil
			}
			return f(ctx, evt)
		})
	}
	relay.StoreEvent = append(relay.StoreEvent, func(ctx context.Context, evt *nostr.Event) error {
		if !IsNIP29Kind(evt.Kind) {
			return generalDB.SaveEvent(ctx, evt)
		}
		return nil
	})
	relay.QueryEvents = append(relay.QueryEvents, func(ctx context.Context, filter nostr.Filter) (chan *nostr.Event, error) {
		if hasNonNIP29Kind(filter) {
			return generalDB.QueryEvents(ctx, filter)
		}
		ch := make(chan *nostr.Event)
		close(ch)
		return ch, nil
	})

	server := &http.Server{Handler: relay}
	go func() { _ = server.Serve(ln) }()

	url := fmt.Sprintf("ws://127.0.0.1:%d", port)
	return &Relay{
		URL:     url,
		Cleanup: func() { _ = server.Shutdown(context.Background()) },
	}, nil
}

func hasNonNIP29Kind(filter nostr.Filter) bool {
	if len(filter.Kinds) == 0 {
		return true
	}
	for _, k := range filter.Kinds {
		if !IsNIP29Kind(k) {
			return true
		}
	}
	return false
}
