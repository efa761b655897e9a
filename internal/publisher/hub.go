// Package publisher delivers each completed SectionResult to the
// caller immediately via a configured sink (callback or stream), with
// at-least-once retries, idempotent by (conversation_id, section_id).
// Hub fans out
// in-process; Bus fans out cross-process over Redis pub/sub.
package publisher

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/clinext/extraction-engine/internal/domain"
	"github.com/clinext/extraction-engine/internal/platform/logger"
)

// Event is the outbound publication payload delivered for each
// completed, validated section.
type Event struct {
	TemplateType        string                 `json:"template_type"`
	SectionType          string                 `json:"section_type"`
	SectionContent       string                 `json:"section_content"`
	SectionID             string                 `json:"section_id"`
	LineReferences         []domain.LineReference `json:"line_references"`
	SnomedMappings         []domain.ConceptMapping `json:"snomed_mappings"`
	ConfidenceScore        float64                `json:"confidence_score"`
	ExtractedLanguage      string                 `json:"extracted_language"`
	// ProcessingMetadata uses gorm.io/datatypes.JSONMap as a JSON-able
	// map type, even though no SQL row is ever written here.
	ProcessingMetadata     datatypes.JSONMap      `json:"processing_metadata,omitempty"`
	ValidationStatus       domain.ValidationStatus `json:"validation_status"`
	Error                  string                 `json:"error,omitempty"`
}

// Message wraps an Event for channel-based fan-out.
type Message struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Data    Event  `json:"data"`
}

// Client is one subscriber of a job's publication stream.
type Client struct {
	ID       uuid.UUID
	Channels map[string]bool
	Outbound chan Message
	done     chan struct{}
}

// Hub fans Messages out to subscribed Clients by channel (one channel
// per job_id, by convention).
type Hub struct {
	mu            sync.RWMutex
	log           *logger.Logger
	subscriptions map[string]map[*Client]bool
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{log: log.With("component", "PublisherHub"), subscriptions: make(map[string]map[*Client]bool)}
}

func (h *Hub) NewClient() *Client {
	return &Client{
		ID:       uuid.New(),
		Channels: make(map[string]bool),
		Outbound: make(chan Message, 32),
		done:     make(chan struct{}),
	}
}

func (h *Hub) Subscribe(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return
	}
	c.Channels[channel] = true
	clients, ok := h.subscriptions[channel]
	if !ok {
		clients = make(map[*Client]bool)
		h.subscriptions[channel] = clients
	}
	clients[c] = true
}

func (h *Hub) Unsubscribe(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.Channels, channel)
	if clients, ok := h.subscriptions[channel]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.subscriptions, channel)
		}
	}
}

func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range c.Channels {
		if clients, ok := h.subscriptions[ch]; ok {
			delete(clients, c)
			if len(clients) == 0 {
				delete(h.subscriptions, ch)
			}
		}
	}
	c.Channels = make(map[string]bool)
}

func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if msg.Channel == "" {
		return
	}
	clients, ok := h.subscriptions[msg.Channel]
	if !ok {
		return
	}
	for c := range clients {
		select {
		case c.Outbound <- msg:
		default:
			h.log.Warn("dropping publisher message; outbound buffer full", "client_id", c.ID)
		}
	}
}

// ServeHTTP streams a single client's channel as SSE, used by the
// reference cmd/server transport.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, c *Client) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case msg := <-c.Outbound:
			raw, err := json.Marshal(msg.Data)
			if err != nil {
				h.log.Warn("failed to marshal publisher message", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\n", msg.Event)
			fmt.Fprintf(w, "data: %s\n\n", raw)
			flusher.Flush()
		}
	}
}

func (h *Hub) CloseClient(c *Client) {
	close(c.done)
	h.RemoveClient(c)
	close(c.Outbound)
}
