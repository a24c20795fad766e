package collectord

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"adchain/settlement"
)

const (
	wsWriteTimeout   = 10 * time.Second
	streamBufferSize = 32
)

// Stream fans committed batch records out to websocket subscribers. It is
// registered with the settler as a notifier.
type Stream struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	tenant string
	ch     chan settlement.BatchRecord
}

// NewStream constructs an empty hub.
func NewStream() *Stream {
	return &Stream{subs: make(map[*subscriber]struct{})}
}

// BatchRecorded delivers rec to every subscriber of its tenant. Slow
// subscribers miss records rather than stall settlement.
func (s *Stream) BatchRecorded(rec settlement.BatchRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		if sub.tenant != rec.Tenant {
			continue
		}
		select {
		case sub.ch <- rec:
		default:
		}
	}
}

func (s *Stream) subscribe(tenant string) (*subscriber, func()) {
	sub := &subscriber{tenant: tenant, ch: make(chan settlement.BatchRecord, streamBufferSize)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub, func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}
}

// Subscribers reports the number of open streams.
func (s *Stream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	backlog := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("backlog")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "backlog must be a non-negative integer")
			return
		}
		backlog = parsed
	}
	var history []settlement.BatchRecord
	if backlog > 0 {
		records, err := s.collector.History(r.Context(), tenant, backlog)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		history = records
	}

	// Subscribe before accepting so no record committed during the upgrade is lost.
	sub, cancel := s.stream.subscribe(tenant)
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := streamRecords(ctx, conn, history, sub.ch); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func streamRecords(ctx context.Context, conn *websocket.Conn, backlog []settlement.BatchRecord, updates <-chan settlement.BatchRecord) error {
	for _, rec := range backlog {
		if err := writeRecord(ctx, conn, rec); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec := <-updates:
			if err := writeRecord(ctx, conn, rec); err != nil {
				return err
			}
		}
	}
}

func writeRecord(ctx context.Context, conn *websocket.Conn, rec settlement.BatchRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
