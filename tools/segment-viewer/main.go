// Segment Viewer - live table of voice segments and their transcripts.
// Reads the service's Kafka topics and fans events out to browsers over
// WebSocket.
package main

import (
	"context"
	"embed"
	"encoding/json"
	"flag"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
)

//go:embed static/*
var staticFiles embed.FS

const startedEvent = "voice.segment.started"

// VoiceEvent is the union of the segment and transcript events the
// service publishes. Fields absent from an event stay zero.
type VoiceEvent struct {
	EventType  string  `json:"eventType"`
	SessionID  string  `json:"sessionId"`
	SegmentID  string  `json:"segmentId"`
	Timestamp  int64   `json:"timestamp"`
	StartIndex uint64  `json:"startIndex,omitempty"`
	Samples    int     `json:"samples,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Label      string  `json:"label,omitempty"`
	Energy     float64 `json:"energy,omitempty"`
	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// viewers is the set of connected browsers.
type viewers struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func (v *viewers) add(c *websocket.Conn) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.conns[c] = struct{}{}
	return len(v.conns)
}

func (v *viewers) remove(c *websocket.Conn) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.conns[c]; ok {
		delete(v.conns, c)
		c.Close()
	}
	return len(v.conns)
}

// send writes ev to every viewer, dropping the ones that fail.
func (v *viewers) send(ev VoiceEvent) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for c := range v.conns {
		c.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := c.WriteJSON(ev); err != nil {
			log.Printf("Dropping viewer: %v", err)
			delete(v.conns, c)
			c.Close()
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // local tool
}

func serveWS(v *viewers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WebSocket upgrade error: %v", err)
			return
		}
		log.Printf("Viewer connected. Total: %d", v.add(conn))

		// Browsers never send; reading only detects the disconnect.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					log.Printf("Viewer disconnected. Total: %d", v.remove(conn))
					return
				}
			}
		}()
	}
}

// follow forwards events from one topic until ctx ends. A partition reader
// is used so no consumer group state is left behind on the broker.
func follow(ctx context.Context, out chan<- VoiceEvent, brokers []string, topic string, keep func(VoiceEvent) bool) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	if err := reader.SetOffsetAt(ctx, time.Now().Add(-time.Hour)); err != nil {
		log.Printf("Seek on %s failed, reading from the start: %v", topic, err)
	}
	log.Printf("Following %s (last hour)", topic)

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Kafka read error on %s: %v", topic, err)
			time.Sleep(time.Second)
			continue
		}

		var ev VoiceEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			log.Printf("Skipping malformed event on %s: %v", topic, err)
			continue
		}
		if !keep(ev) {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func main() {
	port := flag.String("port", "8081", "HTTP server port")
	brokerList := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topicSegments := flag.String("topic-segments", "voice.segments", "Segment event topic")
	topicTranscripts := flag.String("topic-transcripts", "voice.transcripts", "Transcript topic")
	showStarts := flag.Bool("starts", false, "Also show segment start events")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	keep := func(ev VoiceEvent) bool {
		return *showStarts || ev.EventType != startedEvent
	}
	brokers := strings.Split(*brokerList, ",")
	events := make(chan VoiceEvent, 100)
	go follow(ctx, events, brokers, *topicSegments, keep)
	go follow(ctx, events, brokers, *topicTranscripts, keep)

	v := &viewers{conns: make(map[*websocket.Conn]struct{})}
	go func() {
		for ev := range events {
			log.Printf("%s segment=%s label=%q text=%q", ev.EventType, ev.SegmentID, ev.Label, ev.Text)
			v.send(ev)
		}
	}()

	staticFS, _ := fs.Sub(staticFiles, "static")
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(staticFS)))
	mux.HandleFunc("/ws", serveWS(v))
	srv := &http.Server{Addr: ":" + *port, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("Segment Viewer on http://localhost:%s (brokers %s)", *port, *brokerList)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
