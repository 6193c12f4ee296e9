// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observer is the bidirectional long-lived stream a browser (or
// other client) uses to issue commands and receive filtered state events.
//
// Grounded on the teacher's pkg/websocketutil.ConnReadWriter background
// read-goroutine-plus-done-channel shape and pkg/catch/api.go's
// handleEvents bus-subscribe loop, generalized from binary PTY framing to
// JSON event frames.
package observer

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/previewrun/previewd/internal/events"
	"github.com/previewrun/previewd/internal/eventbus"
	"github.com/previewrun/previewd/internal/hashutil"
	"github.com/previewrun/previewd/internal/identity"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Handler struct {
	log     zerolog.Logger
	bus     *eventbus.Bus
	cookies *identity.CookieCodec
}

func New(log zerolog.Logger, bus *eventbus.Bus, cookies *identity.CookieCodec) *Handler {
	return &Handler{log: log, bus: bus, cookies: cookies}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, err := h.resolvePrincipal(r)
	if err != nil {
		http.Error(w, "Client error: "+err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	h.handleSocket(conn, principal)
}

func (h *Handler) resolvePrincipal(r *http.Request) (identity.Principal, error) {
	if principal, err := h.cookies.Session(r); err == nil {
		return principal, nil
	}

	caller := chi.URLParam(r, "caller")
	if !hashutil.IsValidName(caller) {
		return identity.Principal{}, errInvalidCaller
	}
	return identity.NewAnonymous(caller), nil
}

var errInvalidCaller = httpError("invalid caller name")

type httpError string

func (e httpError) Error() string { return string(e) }

// handleSocket runs the inbound and outbound legs concurrently until either
// side closes. The outbound leg cancels when the inbound leg observes
// socket closure or a read error; the inbound leg exits on its own EOF.
func (h *Handler) handleSocket(conn *websocket.Conn, principal identity.Principal) {
	sub := h.bus.Subscribe()
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.outboundLoop(conn, sub, principal)
	}()

	h.inboundLoop(conn, principal)

	// The inbound leg observed EOF or a socket error; unsubscribing closes
	// the outbound leg's event channel so its range loop exits too.
	sub.Unsubscribe()
	<-done
}

// inboundLoop parses each text frame as an Event. Client-origin events are
// re-stamped with principal and published to the bus; anything else is
// logged and discarded.
func (h *Handler) inboundLoop(conn *websocket.Conn, principal identity.Principal) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var event events.Event
		if err := event.UnmarshalJSON(data); err != nil {
			h.log.Error().Err(err).Msg("invalid event from observer")
			continue
		}

		if !event.IsClientEvent() {
			h.log.Error().Str("event", event.Name()).Msg("invalid client event")
			continue
		}

		h.bus.Publish(event.UpdateUser(principal))
	}
}

// outboundLoop forwards bus events admitted by the filter policy.
func (h *Handler) outboundLoop(conn *websocket.Conn, sub *eventbus.Subscription, principal identity.Principal) {
	for event := range sub.Events() {
		if !event.ShouldForward(principal) {
			continue
		}

		data, err := event.MarshalJSON()
		if err != nil {
			h.log.Error().Err(err).Msg("failed to serialize event")
			continue
		}

		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}
