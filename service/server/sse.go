package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	natspkg "github.com/brojonat/solexport/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// SSEConsumer manages Server-Sent Events connections for export
// progress streaming. It reads export events back out of JetStream.
type SSEConsumer struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSSEConsumer creates a new SSE consumer that subscribes to NATS internally.
func NewSSEConsumer(natsURL string, logger *slog.Logger) (*SSEConsumer, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("solexport-sse-consumer"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("SSE consumer initialized", "nats_url", natsURL)

	return &SSEConsumer{
		nc:     nc,
		js:     js,
		logger: logger,
	}, nil
}

// Close closes the NATS connection.
func (c *SSEConsumer) Close() error {
	if c.nc != nil {
		c.nc.Close()
		c.logger.Info("SSE consumer closed")
	}
	return nil
}

// handleStreamExportEvents handles SSE streaming of one job's progress.
// The stream ends after the terminal event (complete or failed).
func handleStreamExportEvents(consumer *SSEConsumer, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jobID := r.PathValue("id")
		subject := fmt.Sprintf("exports.%s", jobID)

		// Set SSE headers
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}

		logger.DebugContext(r.Context(), "SSE client connected",
			"job_id", jobID,
			"remote_addr", r.RemoteAddr,
		)

		// Ephemeral consumer for this connection. DeliverAllPolicy so a
		// client that connects mid-run still sees the earlier pages.
		cons, err := consumer.js.CreateOrUpdateConsumer(r.Context(), natspkg.StreamName, jetstream.ConsumerConfig{
			FilterSubject: subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to create consumer",
				"job_id", jobID,
				"error", err,
			)
			fmt.Fprintf(w, "event: error\ndata: {\"error\": \"failed to subscribe\"}\n\n")
			return
		}

		msgChan := make(chan jetstream.Msg, 10)
		doneChan := make(chan struct{})

		go func() {
			defer close(doneChan)
			cc, err := cons.Consume(func(msg jetstream.Msg) {
				select {
				case msgChan <- msg:
				case <-r.Context().Done():
					return
				}
			})
			if err != nil {
				logger.ErrorContext(r.Context(), "failed to start consuming messages",
					"error", err,
				)
				return
			}
			<-r.Context().Done()
			cc.Stop()
		}()

		// Send initial connection event
		fmt.Fprintf(w, "event: connected\ndata: {\"job_id\":\"%s\"}\n\n", jobID)
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}

		// Keepalive comments prevent proxies from timing the stream out
		keepalive := time.NewTicker(10 * time.Second)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				if flusher, ok := w.(http.Flusher); ok {
					flusher.Flush()
				}

			case msg := <-msgChan:
				var event natspkg.ExportEvent
				if err := json.Unmarshal(msg.Data(), &event); err != nil {
					logger.WarnContext(r.Context(), "failed to unmarshal event",
						"error", err,
					)
					msg.Ack()
					continue
				}

				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, msg.Data())
				if flusher, ok := w.(http.Flusher); ok {
					flusher.Flush()
				}

				msg.Ack()

				logger.DebugContext(r.Context(), "sent export event",
					"job_id", jobID,
					"type", event.Type,
					"pages", event.Pages,
				)

				if event.Type == natspkg.EventComplete || event.Type == natspkg.EventFailed {
					logger.DebugContext(r.Context(), "export finished, closing stream",
						"job_id", jobID,
					)
					return
				}

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE client disconnected",
					"job_id", jobID,
					"remote_addr", r.RemoteAddr,
				)
				return

			case <-doneChan:
				return
			}
		}
	})
}
