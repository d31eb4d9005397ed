// Package wsgateway owns the lifetime of one WebSocket connection: token
// resolution, group authorization, the welcome/queue_state handshake,
// ping/pong keepalive, and inbound message dispatch. Membership and
// fan-out live in hub; wsgateway only knows the wire protocol.
package wsgateway

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/queuemesh/hybridqueue/auth"
	"github.com/queuemesh/hybridqueue/cache"
	"github.com/queuemesh/hybridqueue/config"
	"github.com/queuemesh/hybridqueue/domain"
	"github.com/queuemesh/hybridqueue/hub"
	"github.com/queuemesh/hybridqueue/queueengine"
	"github.com/queuemesh/hybridqueue/scheduler"
	"github.com/queuemesh/hybridqueue/store"
)

// closeProtocolError mirrors the original consumer's custom 4xxx close
// codes for malformed client frames; missing-target and forbidden-access
// rejections happen before the upgrade here, so they surface as plain HTTP
// statuses instead of a dedicated close code.
const closeProtocolError = 4001

// Gateway upgrades and runs queue WebSocket connections.
type Gateway struct {
	cfg    config.Data
	log    *zap.Logger
	secret []byte

	hub     *hub.Hub
	engine  *queueengine.Engine
	sched   *scheduler.Scheduler
	queues  store.QueueStore
	snaps   *cache.SnapshotCache

	upgrader websocket.Upgrader
}

func New(cfg config.Data, log *zap.Logger, secret []byte, h *hub.Hub, engine *queueengine.Engine, sched *scheduler.Scheduler, queues store.QueueStore, snaps *cache.SnapshotCache) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		cfg: cfg, log: log, secret: secret,
		hub: h, engine: engine, sched: sched, queues: queues, snaps: snaps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			EnableCompression: true,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// HandleConnect is the http.HandlerFunc for the WS upgrade endpoint. It
// validates target/auth before upgrading: an unauthorized request never
// occupies a socket, so rejection is a plain HTTP status rather than an
// upgrade-then-close round trip.
func (g *Gateway) HandleConnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	queueIDStr := r.URL.Query().Get("queue_id")
	shopIDStr := r.URL.Query().Get("shop_id")
	if queueIDStr == "" && shopIDStr == "" {
		http.Error(w, "queue_id or shop_id required", http.StatusBadRequest)
		return
	}

	claims, authenticated := g.resolveClaims(r)

	var queueID uuid.UUID
	if queueIDStr != "" {
		id, err := uuid.Parse(queueIDStr)
		if err != nil {
			http.Error(w, "invalid queue_id", http.StatusBadRequest)
			return
		}
		if _, err := g.queues.GetQueue(ctx, id); err != nil {
			http.Error(w, "queue not found", http.StatusNotFound)
			return
		}
		queueID = id
	}

	var shopID uuid.UUID
	if shopIDStr != "" {
		id, err := uuid.Parse(shopIDStr)
		if err != nil {
			http.Error(w, "invalid shop_id", http.StatusBadRequest)
			return
		}
		if !hasShopAccess(claims, authenticated, id) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		shopID = id
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	info := sessionInfo(claims, authenticated)
	sess := g.hub.Register(info)
	if queueID != uuid.Nil && hasQueueAccess() {
		g.hub.Subscribe(info.ID, hub.QueueGroup(queueID))
	}
	if shopID != uuid.Nil {
		g.hub.Subscribe(info.ID, hub.ShopGroup(shopID))
	}

	compression := r.URL.Query().Get("compression") == "true"
	g.runConnection(ctx, conn, sess, queueID, compression)
}

// hasQueueAccess mirrors the original consumer's default policy: queue-scoped
// updates are public, for anonymous and authenticated callers alike.
func hasQueueAccess() bool { return true }

// hasShopAccess requires an authenticated employee or admin scoped to shopID.
func hasShopAccess(claims *auth.Claims, authenticated bool, shopID uuid.UUID) bool {
	if !authenticated || claims == nil {
		return false
	}
	if claims.Role != "employee" && claims.Role != "admin" {
		return false
	}
	return claims.ShopID == shopID
}

func sessionInfo(claims *auth.Claims, authenticated bool) domain.SubscriberSession {
	info := domain.SubscriberSession{ID: uuid.New(), LastAckAt: time.Now(), Role: "customer"}
	if authenticated && claims != nil {
		if uid, err := uuid.Parse(claims.Subject); err == nil {
			info.UserID = uid
		}
		info.Role = claims.Role
		info.ShopID = claims.ShopID
	}
	return info
}

func (g *Gateway) resolveClaims(r *http.Request) (*auth.Claims, bool) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
			raw = strings.TrimPrefix(ah, "Bearer ")
		}
	}
	if raw == "" {
		if c, err := r.Cookie("access_token"); err == nil {
			raw = c.Value
		}
	}
	if raw == "" {
		return nil, false
	}
	claims, err := auth.ParseAccessToken(g.secret, raw)
	if err != nil {
		return nil, false
	}
	return claims, true
}

type inboundMessage struct {
	Type              string     `json:"type"`
	CustomerID        uuid.UUID  `json:"customer_id,omitempty"`
	ServiceID         *uuid.UUID `json:"service_id,omitempty"`
	SpecialistID      *uuid.UUID `json:"specialist_id,omitempty"`
	TicketID          uuid.UUID  `json:"ticket_id,omitempty"`
	AppointmentID     uuid.UUID  `json:"appointment_id,omitempty"`
	Start             time.Time  `json:"start,omitempty"`
	End               time.Time  `json:"end,omitempty"`
	ActiveSpecialists int        `json:"active_specialists,omitempty"`
	Groups            []string   `json:"groups,omitempty"`
	NotificationID    uuid.UUID  `json:"notification_id,omitempty"`
}

type outboundMessage struct {
	Type    string    `json:"type"`
	Action  string    `json:"action,omitempty"`
	Payload any       `json:"payload,omitempty"`
	TS      time.Time `json:"ts"`
}

// connWriter serializes every write to one connection: gorilla/websocket
// forbids concurrent writers, and both the read loop (control frames on
// protocol errors) and the write loop (events, pings) write to the same
// conn here.
type connWriter struct {
	mu               sync.Mutex
	conn             *websocket.Conn
	compression      bool
	compressionFloor int
}

func (w *connWriter) writeMessage(data []byte) error {
	if w.compression && len(data) > w.compressionFloor {
		if packed, ok := packCompressed(data); ok {
			data = packed
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// packCompressed wraps data per spec §6: {"compressed":true,"data":"<base64-zlib(json)>"}.
func packCompressed(data []byte) ([]byte, bool) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, false
	}
	if err := zw.Close(); err != nil {
		return nil, false
	}
	envelope := struct {
		Compressed bool   `json:"compressed"`
		Data       string `json:"data"`
	}{Compressed: true, Data: base64.StdEncoding.EncodeToString(buf.Bytes())}
	packed, err := json.Marshal(envelope)
	if err != nil {
		return nil, false
	}
	return packed, true
}

func (w *connWriter) writeControl(messageType int, data []byte, deadline time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(messageType, data, deadline)
}

func (g *Gateway) runConnection(ctx context.Context, conn *websocket.Conn, sess *hub.Session, queueID uuid.UUID, compression bool) {
	defer func() {
		g.hub.Remove(sess.Info().ID)
		conn.Close()
	}()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(g.cfg.PongTimeout()))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(g.cfg.PongTimeout()))
	})

	w := &connWriter{conn: conn, compression: compression, compressionFloor: g.cfg.CompressionMinBytes}

	g.sendJSON(w, outboundMessage{Type: "welcome", Payload: sess.Info().ID, TS: time.Now()})
	if queueID != uuid.Nil {
		g.sendSnapshot(ctx, w, queueID)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.writePump(connCtx, w, sess)
	g.readPump(ctx, conn, w, sess, queueID)
}

func (g *Gateway) writePump(ctx context.Context, w *connWriter, sess *hub.Session) {
	ticker := time.NewTicker(g.cfg.PingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.writeControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case ev, ok := <-sess.Events():
			if !ok {
				return
			}
			if sess.TakeResync() {
				g.sendJSON(w, outboundMessage{Type: "resync_required", TS: time.Now()})
				continue
			}
			g.sendJSON(w, outboundMessage{Type: string(ev.Type), Action: string(ev.Action), Payload: ev.Payload, TS: ev.TS})
		}
	}
}

func (g *Gateway) readPump(ctx context.Context, conn *websocket.Conn, w *connWriter, sess *hub.Session, queueID uuid.UUID) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			w.writeControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(closeProtocolError, "malformed message"), time.Now().Add(time.Second))
			return
		}

		switch msg.Type {
		case "request_status", "get_queue_state":
			if queueID != uuid.Nil {
				g.sendSnapshot(ctx, w, queueID)
			}
		case "ping":
			g.sendJSON(w, outboundMessage{Type: "pong", TS: time.Now()})
		case "join_queue", "call_next", "mark_serving", "mark_served", "cancel_ticket":
			g.handleQueueMessage(ctx, w, queueID, msg)
		case "next_to_serve", "service_sequence", "appointment_arrival", "suggest_actions":
			g.handleSchedulerMessage(ctx, w, sess, queueID, msg)
		case "subscribe", "unsubscribe":
			g.handleSubscriptionMessage(ctx, w, sess, msg)
		case "acknowledge_notification":
			// Acknowledgement is informational only: no delivery-state store
			// backs it in this core, so there is nothing further to persist.
		default:
			// Unknown message types are ignored, matching the original
			// consumer's silent no-op for anything besides status/ping.
		}
	}
}

// handleSchedulerMessage answers the front-desk scheduling requests: who's
// next, how the rest of the day lays out, checking in an early/late
// appointment, and staffing suggestions. Gated to employees/admins
// subscribed to their own shop, since these expose other customers' data
// and mutate appointment state.
func (g *Gateway) handleSchedulerMessage(ctx context.Context, w *connWriter, sess *hub.Session, queueID uuid.UUID, msg inboundMessage) {
	info := sess.Info()
	if g.sched == nil || queueID == uuid.Nil || info.ShopID == uuid.Nil || (info.Role != "employee" && info.Role != "admin") ||
		!info.Groups[hub.ShopGroup(info.ShopID)] {
		g.sendJSON(w, outboundMessage{Type: "error", Action: msg.Type, Payload: "forbidden", TS: time.Now()})
		return
	}

	switch msg.Type {
	case "next_to_serve":
		result, err := g.sched.NextToServe(ctx, info.ShopID, queueID, msg.SpecialistID)
		if err != nil {
			g.log.Warn("next_to_serve failed", zap.Error(err))
			g.sendJSON(w, outboundMessage{Type: "error", Action: msg.Type, Payload: err.Error(), TS: time.Now()})
			return
		}
		g.sendJSON(w, outboundMessage{Type: "next_to_serve", Payload: result, TS: time.Now()})

	case "service_sequence":
		start, end := msg.Start, msg.End
		if start.IsZero() {
			start = time.Now()
		}
		if end.IsZero() || !end.After(start) {
			end = start.Add(2 * time.Hour)
		}
		seq, err := g.sched.ServiceSequence(ctx, info.ShopID, queueID, start, end)
		if err != nil {
			g.log.Warn("service_sequence failed", zap.Error(err))
			g.sendJSON(w, outboundMessage{Type: "error", Action: msg.Type, Payload: err.Error(), TS: time.Now()})
			return
		}
		g.sendJSON(w, outboundMessage{Type: "service_sequence", Payload: seq, TS: time.Now()})

	case "appointment_arrival":
		if msg.AppointmentID == uuid.Nil {
			g.sendJSON(w, outboundMessage{Type: "error", Action: msg.Type, Payload: "appointment_id required", TS: time.Now()})
			return
		}
		appt, ticket, err := g.sched.HandleAppointmentArrival(ctx, msg.AppointmentID, queueID, g.engine)
		if err != nil {
			g.log.Warn("appointment_arrival failed", zap.Error(err))
			g.sendJSON(w, outboundMessage{Type: "error", Action: msg.Type, Payload: err.Error(), TS: time.Now()})
			return
		}
		if ticket != nil {
			g.snaps.Invalidate(ctx, queueID)
		}
		g.sendJSON(w, outboundMessage{Type: "appointment_arrival", Payload: struct {
			Appointment domain.Appointment `json:"appointment"`
			Ticket      *domain.Ticket     `json:"ticket,omitempty"`
		}{appt, ticket}, TS: time.Now()})

	case "suggest_actions":
		active := msg.ActiveSpecialists
		suggestions, err := g.sched.SuggestActions(ctx, info.ShopID, queueID, active)
		if err != nil {
			g.log.Warn("suggest_actions failed", zap.Error(err))
			g.sendJSON(w, outboundMessage{Type: "error", Action: msg.Type, Payload: err.Error(), TS: time.Now()})
			return
		}
		g.sendJSON(w, outboundMessage{Type: "suggest_actions", Payload: suggestions, TS: time.Now()})
	}
}

// handleQueueMessage dispatches the customer/front-desk mutation messages to
// QueueEngine. The engine's own Publish call already fans the resulting
// queue_update/ticket_update event out to every subscriber of this queue
// (including, if subscribed, the caller's own connection) — this handler's
// only remaining job is translating a failed call into an `error` frame, per
// spec §7: a validation/precondition error is surfaced to the caller, never
// partially applied.
func (g *Gateway) handleQueueMessage(ctx context.Context, w *connWriter, queueID uuid.UUID, msg inboundMessage) {
	if queueID == uuid.Nil {
		g.sendJSON(w, outboundMessage{Type: "error", Action: msg.Type, Payload: "not subscribed to a queue", TS: time.Now()})
		return
	}
	defer g.snaps.Invalidate(ctx, queueID)

	switch msg.Type {
	case "join_queue":
		if msg.CustomerID == uuid.Nil {
			g.sendJSON(w, outboundMessage{Type: "error", Action: msg.Type, Payload: "customer_id required", TS: time.Now()})
			return
		}
		ticket, err := g.engine.Join(ctx, queueID, msg.CustomerID, msg.ServiceID, nil, nil)
		g.replyQueueResult(w, msg.Type, "join_queue", ticket, err)

	case "call_next":
		ticket, err := g.engine.CallNext(ctx, queueID, msg.SpecialistID)
		g.replyQueueResult(w, msg.Type, "call_next", ticket, err)

	case "mark_serving":
		if msg.TicketID == uuid.Nil {
			g.sendJSON(w, outboundMessage{Type: "error", Action: msg.Type, Payload: "ticket_id required", TS: time.Now()})
			return
		}
		ticket, err := g.engine.MarkServing(ctx, msg.TicketID, msg.SpecialistID)
		g.replyQueueResult(w, msg.Type, "mark_serving", ticket, err)

	case "mark_served":
		if msg.TicketID == uuid.Nil {
			g.sendJSON(w, outboundMessage{Type: "error", Action: msg.Type, Payload: "ticket_id required", TS: time.Now()})
			return
		}
		ticket, err := g.engine.MarkServed(ctx, msg.TicketID)
		g.replyQueueResult(w, msg.Type, "mark_served", ticket, err)

	case "cancel_ticket":
		if msg.TicketID == uuid.Nil {
			g.sendJSON(w, outboundMessage{Type: "error", Action: msg.Type, Payload: "ticket_id required", TS: time.Now()})
			return
		}
		ticket, err := g.engine.Cancel(ctx, msg.TicketID)
		g.replyQueueResult(w, msg.Type, "cancel_ticket", ticket, err)
	}
}

// replyQueueResult sends an `error` frame on failure. On success it sends
// nothing: the mutation's own broadcast event (already published by the
// engine under its per-queue lock) is this connection's acknowledgement,
// since every queue subscriber — including the caller, when subscribed —
// receives it in the same total order.
func (g *Gateway) replyQueueResult(w *connWriter, msgType, action string, _ domain.Ticket, err error) {
	if err != nil {
		g.log.Warn("queue operation failed", zap.String("type", msgType), zap.Error(err))
		g.sendJSON(w, outboundMessage{Type: "error", Action: action, Payload: err.Error(), TS: time.Now()})
	}
}

// handleSubscriptionMessage admits or removes group memberships requested by
// the client, checking each subscribe against authorizeGroup.
func (g *Gateway) handleSubscriptionMessage(ctx context.Context, w *connWriter, sess *hub.Session, msg inboundMessage) {
	info := sess.Info()
	for _, group := range msg.Groups {
		if msg.Type == "unsubscribe" {
			g.hub.Unsubscribe(info.ID, group)
			continue
		}
		if !g.authorizeGroup(ctx, info, group) {
			g.sendJSON(w, outboundMessage{Type: "error", Action: "subscribe", Payload: "forbidden_group: " + group, TS: time.Now()})
			continue
		}
		g.hub.Subscribe(info.ID, group)
	}
}

// authorizeGroup checks an explicit subscribe request (as opposed to the
// implicit queue_id/shop_id grant made at connect time): queue groups are
// admitted for any caller, anonymous or not, as long as the queue exists (no
// city or shop check applies), shop_queues groups require a matching
// employee/admin, and notifications groups require the matching user.
func (g *Gateway) authorizeGroup(ctx context.Context, info domain.SubscriberSession, group string) bool {
	switch {
	case strings.HasPrefix(group, "queue:"):
		id, err := uuid.Parse(strings.TrimPrefix(group, "queue:"))
		if err != nil {
			return false
		}
		_, err = g.queues.GetQueue(ctx, id)
		return err == nil

	case strings.HasPrefix(group, "shop_queues:"):
		id, err := uuid.Parse(strings.TrimPrefix(group, "shop_queues:"))
		if err != nil {
			return false
		}
		return (info.Role == "employee" || info.Role == "admin") && info.ShopID == id

	case strings.HasPrefix(group, "notifications:"):
		id, err := uuid.Parse(strings.TrimPrefix(group, "notifications:"))
		if err != nil {
			return false
		}
		return info.UserID != uuid.Nil && info.UserID == id

	default:
		return false
	}
}

func (g *Gateway) sendSnapshot(ctx context.Context, w *connWriter, queueID uuid.UUID) {
	if snap, ok := g.snaps.Get(ctx, queueID); ok {
		g.sendJSON(w, outboundMessage{Type: "queue_state", Payload: snap, TS: time.Now()})
		return
	}
	snap, err := g.engine.Snapshot(ctx, queueID)
	if err != nil {
		g.log.Warn("snapshot fetch failed", zap.String("queue_id", queueID.String()), zap.Error(err))
		return
	}
	g.snaps.Set(ctx, snap)
	g.sendJSON(w, outboundMessage{Type: "queue_state", Payload: snap, TS: time.Now()})
}

func (g *Gateway) sendJSON(w *connWriter, msg outboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		g.log.Warn("outbound marshal failed", zap.Error(err))
		return
	}
	if err := w.writeMessage(data); err != nil {
		g.log.Warn("write failed", zap.Error(err))
	}
}

