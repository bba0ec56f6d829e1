// Package observer serves streamed chunk meshes to websocket viewers and
// feeds their position and terrain edits back into the streamer.
package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"voxelstream.ai/internal/metrics"
	"voxelstream.ai/internal/observerproto"
	persistlog "voxelstream.ai/internal/persistence/log"
	"voxelstream.ai/internal/terrain/chunk"
	"voxelstream.ai/internal/terrain/stream"
)

// Mover receives world-space viewer positions.
type Mover interface {
	Set(x, y, z float64) bool
}

// Editor applies terrain edits.
type Editor interface {
	Carve(b stream.Brush) ([]chunk.Coord, error)
}

// EditorFunc adapts a plain function to Editor.
type EditorFunc func(b stream.Brush) ([]chunk.Coord, error)

func (f EditorFunc) Carve(b stream.Brush) ([]chunk.Coord, error) { return f(b) }

// EditRecorder persists accepted edits.
type EditRecorder interface {
	WriteEdit(e persistlog.EditEntry) error
}

type Options struct {
	Viewer Mover
	Editor Editor
	Audit  EditRecorder

	Params observerproto.StreamParams
	Tick   func() uint64
	RunID  func() string

	// AllowRemote accepts non-loopback clients.
	AllowRemote bool
	// EditInterval is the refill period of a per-connection edit limiter
	// with a burst of one.
	EditInterval time.Duration
	// QueueSize bounds the frames waiting for one client beyond the
	// initial scene snapshot.
	QueueSize int
}

// Server is a scene.Sink and a metrics.Sink. Apply and ObserveTick are
// called from the ticking goroutine and never block on a client.
type Server struct {
	opts  Options
	log   *log.Logger
	codec *observerproto.MeshCodec

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu      sync.Mutex
	clients map[*client]struct{}
	// frames holds the latest encoded mesh per chunk for late subscribers.
	frames map[chunk.Coord][]byte
	closed bool

	kicked   atomic.Uint64
	encFails atomic.Uint64
}

type client struct {
	id     string
	stats  bool
	mesh   chan []byte
	text   chan []byte
	cancel context.CancelFunc
}

func NewServer(opts Options, logger *log.Logger) (*Server, error) {
	if opts.Viewer == nil {
		return nil, errors.New("observer: nil viewer")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.EditInterval <= 0 {
		opts.EditInterval = 50 * time.Millisecond
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	codec, err := observerproto.NewMeshCodec()
	if err != nil {
		return nil, err
	}
	return &Server{
		opts:  opts,
		log:   logger,
		codec: codec,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		clients: map[*client]struct{}{},
		frames:  map[chunk.Coord][]byte{},
	}, nil
}

// Close disconnects every client and releases the codec. Apply is a no-op
// afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for c := range s.clients {
		c.cancel()
		delete(s.clients, c)
	}
	s.codec.Close()
}

func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Cached is the number of chunks with geometry a new client would receive.
func (s *Server) Cached() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Kicked counts clients dropped because they could not keep up.
func (s *Server) Kicked() uint64 { return s.kicked.Load() }

// Apply encodes p once and queues it for every client. A client whose queue
// is full is disconnected.
func (s *Server) Apply(c chunk.Coord, p chunk.MeshPayload) {
	p.Coord = c

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	frame, err := s.codec.Encode(p)
	if err != nil {
		if s.encFails.Add(1)%100 == 1 {
			s.log.Printf("observer: encode %s: %v", c, err)
		}
		return
	}
	if p.Empty() {
		delete(s.frames, c)
	} else {
		s.frames[c] = frame
	}
	for cl := range s.clients {
		select {
		case cl.mesh <- frame:
		default:
			s.kickLocked(cl, "mesh queue full")
		}
	}
}

// ObserveTick forwards sampled stats to clients that asked for them.
func (s *Server) ObserveTick(st metrics.TickStats) {
	msg := observerproto.StatsMsg{
		Type:              observerproto.TypeStats,
		ProtocolVersion:   observerproto.Version,
		Tick:              st.Tick,
		LoadedChunks:      st.LoadedChunks,
		PendingGeneration: st.PendingGeneration,
		PendingMesh:       st.PendingMesh,
		Buffered:          st.Buffered,
		Applied:           st.Applied,
		StepMS:            st.StepMS,
		Overrun:           st.Overrun,
	}
	var b []byte

	s.mu.Lock()
	defer s.mu.Unlock()
	for cl := range s.clients {
		if !cl.stats {
			continue
		}
		if b == nil {
			var err error
			if b, err = json.Marshal(msg); err != nil {
				return
			}
		}
		select {
		case cl.text <- b:
		default:
			// Stats are advisory; drop under load.
		}
	}
}

func (s *Server) kickLocked(cl *client, why string) {
	delete(s.clients, cl)
	cl.cancel()
	s.kicked.Add(1)
	s.log.Printf("observer: drop client %s: %s", cl.id, why)
}

// register adds cl and queues the current scene in the same critical
// section so no Apply is missed or duplicated.
func (s *Server) register(cl *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	cl.mesh = make(chan []byte, len(s.frames)+s.opts.QueueSize)
	for _, f := range s.frames {
		cl.mesh <- f
	}
	s.clients[cl] = struct{}{}
	return true
}

func (s *Server) unregister(cl *client) {
	s.mu.Lock()
	delete(s.clients, cl)
	s.mu.Unlock()
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.opts.AllowRemote && !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			StreamParams:    s.opts.Params,
		}
		if s.opts.Tick != nil {
			resp.Tick = s.opts.Tick()
		}
		if s.opts.RunID != nil {
			resp.RunID = s.opts.RunID()
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.opts.AllowRemote && !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sub, ok := s.handshake(conn)
		if !ok {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		cl := &client{
			id:     fmt.Sprintf("O%d", s.nextID.Add(1)),
			stats:  sub.Stats,
			text:   make(chan []byte, 64),
			cancel: cancel,
		}
		if sub.Name != "" {
			cl.id += ":" + sub.Name
		}
		if !s.register(cl) {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server closing"), time.Now().Add(time.Second))
			return
		}
		defer s.unregister(cl)
		s.log.Printf("observer: client %s connected", cl.id)

		writeDone := make(chan struct{})
		go func() {
			defer close(writeDone)
			s.writeLoop(ctx, conn, cl)
			cancel()
			// Unblock the reader when the writer ends first (kick, write error).
			_ = conn.SetReadDeadline(time.Now())
		}()

		s.readLoop(ctx, conn, cl)
		cancel()
		<-writeDone
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		s.log.Printf("observer: client %s disconnected", cl.id)
	}
}

func (s *Server) handshake(conn *websocket.Conn) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return sub, false
	}
	base, err := observerproto.DecodeBase(msg)
	if err != nil || base.Type != observerproto.TypeSubscribe {
		closeWith(conn, websocket.ClosePolicyViolation, "expected SUBSCRIBE")
		return sub, false
	}
	if err := json.Unmarshal(msg, &sub); err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "bad SUBSCRIBE")
		return sub, false
	}
	if sub.ProtocolVersion != observerproto.Version {
		closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return sub, false
	}
	if len(sub.Name) > 64 {
		sub.Name = sub.Name[:64]
	}
	if sub.Pos != nil {
		s.opts.Viewer.Set(sub.Pos[0], sub.Pos[1], sub.Pos[2])
	}
	return sub, true
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, cl *client) {
	for {
		var (
			kind int
			b    []byte
		)
		select {
		case <-ctx.Done():
			return
		case b = <-cl.text:
			kind = websocket.TextMessage
		case b = <-cl.mesh:
			kind = websocket.BinaryMessage
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(kind, b); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, cl *client) {
	edits := rate.NewLimiter(rate.Every(s.opts.EditInterval), 1)
	for ctx.Err() == nil {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := observerproto.DecodeBase(msg)
		if err != nil || base.ProtocolVersion != observerproto.Version {
			s.reply(cl, observerproto.AckMsg{Code: observerproto.ErrProtoVersion, Message: "bad protocol_version"})
			continue
		}
		switch base.Type {
		case observerproto.TypeViewer:
			var m observerproto.ViewerMsg
			if err := json.Unmarshal(msg, &m); err != nil {
				s.reply(cl, observerproto.AckMsg{Code: observerproto.ErrProtoBadRequest, Message: "bad VIEWER"})
				continue
			}
			if !s.opts.Viewer.Set(m.Pos[0], m.Pos[1], m.Pos[2]) {
				s.reply(cl, observerproto.AckMsg{Code: observerproto.ErrInvalidTarget, Message: "position out of range"})
			}

		case observerproto.TypeEdit:
			var m observerproto.EditMsg
			if err := json.Unmarshal(msg, &m); err != nil {
				s.reply(cl, observerproto.AckMsg{Code: observerproto.ErrProtoBadRequest, Message: "bad EDIT"})
				continue
			}
			if !edits.Allow() {
				s.reply(cl, observerproto.AckMsg{ReqID: m.ReqID, Code: observerproto.ErrRateLimit, Message: "edits too frequent"})
				continue
			}
			s.reply(cl, s.edit(cl, m))

		default:
			s.reply(cl, observerproto.AckMsg{Code: observerproto.ErrProtoBadRequest, Message: "unknown type " + base.Type})
		}
	}
}

func (s *Server) edit(cl *client, m observerproto.EditMsg) observerproto.AckMsg {
	ack := observerproto.AckMsg{ReqID: m.ReqID}
	if s.opts.Editor == nil {
		ack.Code, ack.Message = observerproto.ErrBusy, "edits disabled"
		return ack
	}
	b := stream.Brush{Center: m.Center, Radius: m.Radius, Delta: m.Delta}
	changed, err := s.opts.Editor.Carve(b)
	switch {
	case errors.Is(err, stream.ErrInvalidEdit):
		ack.Code, ack.Message = observerproto.ErrInvalidTarget, err.Error()
		return ack
	case err != nil:
		ack.Code, ack.Message = observerproto.ErrInternal, err.Error()
		return ack
	case len(changed) == 0:
		ack.Code, ack.Message = observerproto.ErrNotLoaded, "no loaded chunk changed"
		return ack
	}

	if s.opts.Audit != nil {
		e := persistlog.EditEntry{
			At:     time.Now().UTC(),
			Source: cl.id,
			Center: m.Center,
			Radius: m.Radius,
			Delta:  m.Delta,
			Chunks: make([][3]int, 0, len(changed)),
		}
		for _, c := range changed {
			e.Chunks = append(e.Chunks, [3]int{int(c.X), int(c.Y), int(c.Z)})
		}
		if err := s.opts.Audit.WriteEdit(e); err != nil {
			s.log.Printf("observer: audit edit %s: %v", m.ReqID, err)
		}
	}
	ack.OK = true
	ack.Chunks = len(changed)
	return ack
}

func (s *Server) reply(cl *client, ack observerproto.AckMsg) {
	ack.Type = observerproto.TypeAck
	ack.ProtocolVersion = observerproto.Version
	b, err := json.Marshal(ack)
	if err != nil {
		return
	}
	select {
	case cl.text <- b:
	default:
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
