// Package broadcast carries "record committed" notifications between sibling
// engine instances that share a local store: several processes on one
// machine, or several engines in one process.
//
// Delivery is best effort. Receivers never see messages from their own
// origin, and a lost message only delays convergence until the next local
// read or remote pull.
//
// Backends:
//   - Local: in-process fan-out between endpoints of a LocalHub
//   - Hub and WSClient: a websocket relay and its reconnecting client
//   - DirBus: a shared directory watched with fsnotify
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/daysync/daysync/internal/record"
)

const (
	// DayTopic is the topic of day record updates.
	DayTopic = "daysync_day_updates"

	// TypeRecordUpdate announces a committed record.
	TypeRecordUpdate = "record:update"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("broadcast bus closed")

// Message is one broadcast notification.
type Message struct {
	Topic     string          `json:"topic"`
	Type      string          `json:"type"`
	Origin    string          `json:"origin"`
	Key       string          `json:"key,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler receives messages. Handlers must not block for long.
type Handler func(Message)

// Bus is a broadcast endpoint bound to one origin.
type Bus interface {
	// Publish sends msg to every other endpoint subscribed to topic. The
	// message's Topic and Origin are filled in by the bus.
	Publish(ctx context.Context, topic string, msg Message) error

	// Subscribe registers h for topic.
	Subscribe(topic string, h Handler) (unsubscribe func())

	Close() error
}

// NewRecordUpdate builds the message announcing rec.
func NewRecordUpdate(rec *record.Record) (Message, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode record %s: %w", rec.Key, err)
	}
	return Message{
		Type:    TypeRecordUpdate,
		Key:     rec.Key,
		Payload: data,
	}, nil
}

// Record decodes the record carried by a record:update message.
func (m Message) Record() (*record.Record, error) {
	if m.Type != TypeRecordUpdate {
		return nil, fmt.Errorf("message type %q carries no record", m.Type)
	}
	if m.Key == "" {
		return nil, fmt.Errorf("record update without key")
	}
	return record.Decode(m.Key, m.Payload)
}

// registry holds the subscriptions of one endpoint.
type registry struct {
	origin string
	logger *log.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]Handler
}

func newRegistry(origin string, logger *log.Logger) *registry {
	return &registry{
		origin: origin,
		logger: logger,
		subs:   make(map[string]map[uint64]Handler),
	}
}

func (r *registry) subscribe(topic string, h Handler) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	if r.subs[topic] == nil {
		r.subs[topic] = make(map[uint64]Handler)
	}
	r.subs[topic][id] = h
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs[topic], id)
			r.mu.Unlock()
		})
	}
}

// dispatch delivers msg to local handlers unless it came from this origin.
// It reports whether any handler ran.
func (r *registry) dispatch(msg Message) bool {
	if msg.Origin == r.origin {
		return false
	}
	r.mu.RLock()
	handlers := make([]Handler, 0, len(r.subs[msg.Topic]))
	for _, h := range r.subs[msg.Topic] {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		r.deliver(h, msg)
	}
	return len(handlers) > 0
}

func (r *registry) deliver(h Handler, msg Message) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Printf("Broadcast handler for %s panicked: %v", msg.Topic, p)
		}
	}()
	h(msg)
}

func stamp(origin, topic string, msg Message) Message {
	msg.Topic = topic
	msg.Origin = origin
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return msg
}
