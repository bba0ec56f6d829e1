package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"voxelstream.ai/internal/observerproto"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/observer/ws", "observer ws url")
		name     = flag.String("name", "bot", "client name")
		speed    = flag.Float64("speed", 16, "walk speed along +x in world units per second")
		height   = flag.Float64("y", 40, "viewer height")
		digEvery = flag.Duration("dig_every", 0, "send a digging EDIT at this interval (0 disables)")
		duration = flag.Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	codec, err := observerproto.NewMeshCodec()
	if err != nil {
		logger.Fatalf("codec: %v", err)
	}
	defer codec.Close()

	pos := [3]float64{0, *height, 0}
	sub := observerproto.SubscribeMsg{
		Type:            observerproto.TypeSubscribe,
		ProtocolVersion: observerproto.Version,
		Name:            *name,
		Pos:             &pos,
		Stats:           true,
	}
	if err := conn.WriteJSON(sub); err != nil {
		logger.Fatalf("send SUBSCRIBE: %v", err)
	}

	var c counters
	done := make(chan struct{})
	go func() {
		defer close(done)
		readLoop(conn, codec, logger, &c)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	var deadline <-chan time.Time
	if *duration > 0 {
		deadline = time.After(*duration)
	}

	const step = 100 * time.Millisecond
	move := time.NewTicker(step)
	defer move.Stop()
	var dig <-chan time.Time
	if *digEvery > 0 {
		t := time.NewTicker(*digEvery)
		defer t.Stop()
		dig = t.C
	}

	seq := 0
	for {
		select {
		case <-stop:
			c.report(logger)
			return
		case <-deadline:
			c.report(logger)
			return
		case <-done:
			c.report(logger)
			return
		case <-move.C:
			pos[0] += *speed * step.Seconds()
			msg := observerproto.ViewerMsg{Type: observerproto.TypeViewer, ProtocolVersion: observerproto.Version, Pos: pos}
			if err := conn.WriteJSON(msg); err != nil {
				logger.Printf("send VIEWER: %v", err)
				return
			}
		case <-dig:
			seq++
			msg := observerproto.EditMsg{
				Type:            observerproto.TypeEdit,
				ProtocolVersion: observerproto.Version,
				ReqID:           fmt.Sprintf("dig_%d", seq),
				Center:          [3]float64{pos[0], pos[1] - 8, pos[2]},
				Radius:          4,
				Delta:           -0.5,
			}
			if err := conn.WriteJSON(msg); err != nil {
				logger.Printf("send EDIT: %v", err)
				return
			}
		}
	}
}

type counters struct {
	meshes   atomic.Int64
	cleared  atomic.Int64
	vertices atomic.Int64
	acks     atomic.Int64
	rejected atomic.Int64
}

func (c *counters) report(logger *log.Logger) {
	logger.Printf("meshes=%d cleared=%d vertices=%d acks=%d rejected=%d",
		c.meshes.Load(), c.cleared.Load(), c.vertices.Load(), c.acks.Load(), c.rejected.Load())
}

func readLoop(conn *websocket.Conn, codec *observerproto.MeshCodec, logger *log.Logger, c *counters) {
	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Printf("read: %v", err)
			return
		}
		if kind == websocket.BinaryMessage {
			p, err := codec.Decode(msg)
			if err != nil {
				logger.Printf("mesh: %v", err)
				continue
			}
			if p.Empty() {
				c.cleared.Add(1)
				continue
			}
			c.meshes.Add(1)
			c.vertices.Add(int64(p.VertexCount))
			continue
		}

		base, err := observerproto.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case observerproto.TypeAck:
			var ack observerproto.AckMsg
			if err := json.Unmarshal(msg, &ack); err != nil {
				continue
			}
			if ack.OK {
				c.acks.Add(1)
			} else {
				c.rejected.Add(1)
				logger.Printf("ACK %s rejected code=%s msg=%s", ack.ReqID, ack.Code, ack.Message)
			}
		case observerproto.TypeStats:
			var st observerproto.StatsMsg
			if err := json.Unmarshal(msg, &st); err != nil {
				continue
			}
			logger.Printf("STATS tick=%d loaded=%d gen=%d mesh=%d step=%.2fms", st.Tick, st.LoadedChunks, st.PendingGeneration, st.PendingMesh, st.StepMS)
		}
	}
}
