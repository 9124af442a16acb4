package amqptest

import (
	"strings"

	"github.com/israelio/amqpcore/internal/method"
)

type binding struct {
	exchange string
	key      string
	queue    string
}

type consumer struct {
	conn    *serverConn
	channel uint16
	tag     string
	noAck   bool
}

type queue struct {
	name      string
	messages  []*Message
	consumers []*consumer
	next      int
}

// DeclareExchange creates an exchange of the given type
func (s *Server) DeclareExchange(name, kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchanges[name] = kind
}

// HasExchange reports whether an exchange exists
func (s *Server) HasExchange(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.exchanges[name]
	return ok
}

// DeclareQueue creates an empty queue
func (s *Server) DeclareQueue(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueLocked(name)
}

// Bind routes messages published to exchange with key into queue,
// creating the queue, and a direct exchange if needed.
func (s *Server) Bind(exchange, key, queue string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.exchanges[exchange]; !ok {
		s.exchanges[exchange] = "direct"
	}
	s.queueLocked(queue)
	s.bindings = append(s.bindings, binding{exchange: exchange, key: key, queue: queue})
}

// Enqueue puts a message straight onto a queue
func (s *Server) Enqueue(queueName string, msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queueLocked(queueName)
	q.messages = append(q.messages, msg)
	s.dispatchLocked(q)
}

// QueueDepth returns the number of messages waiting in a queue
func (s *Server) QueueDepth(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[name]; ok {
		return len(q.messages)
	}
	return 0
}

func (s *Server) queueLocked(name string) *queue {
	q, ok := s.queues[name]
	if !ok {
		q = &queue{name: name}
		s.queues[name] = q
	}
	return q
}

// routeLocked returns the queues a message reaches
func (s *Server) routeLocked(msg *Message) []*queue {
	if msg.Exchange == "" {
		if q, ok := s.queues[msg.RoutingKey]; ok {
			return []*queue{q}
		}
		return nil
	}

	kind := s.exchanges[msg.Exchange]
	seen := map[string]bool{}
	var out []*queue
	for _, b := range s.bindings {
		if b.exchange != msg.Exchange || seen[b.queue] {
			continue
		}
		if !bindingMatches(kind, b.key, msg.RoutingKey) {
			continue
		}
		seen[b.queue] = true
		out = append(out, s.queues[b.queue])
	}
	return out
}

func bindingMatches(kind, pattern, key string) bool {
	switch kind {
	case "fanout", "headers":
		return true
	case "topic":
		return topicMatch(strings.Split(pattern, "."), strings.Split(key, "."))
	default:
		return pattern == key
	}
}

func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}

// dispatchLocked hands waiting messages to consumers round robin
func (s *Server) dispatchLocked(q *queue) {
	for len(q.messages) > 0 && len(q.consumers) > 0 {
		cons := q.consumers[q.next%len(q.consumers)]
		q.next++

		ch := cons.conn.channels[cons.channel]
		if ch == nil || ch.closing {
			s.removeConsumersLocked(cons.conn, cons.channel, "")
			continue
		}

		msg := q.messages[0]
		q.messages = q.messages[1:]

		ch.nextTag++
		tag := ch.nextTag
		if !cons.noAck {
			ch.unacked[tag] = &pending{queue: q.name, msg: msg}
		}

		deliver := &method.BasicDeliver{
			ConsumerTag: cons.tag,
			DeliveryTag: tag,
			Redelivered: msg.Redelivered,
			Exchange:    msg.Exchange,
			RoutingKey:  msg.RoutingKey,
		}
		if err := cons.conn.sendContent(cons.channel, deliver, msg.Properties, msg.Body); err != nil {
			s.log.WithError(err).Debug("deliver failed")
		}
	}
}

func (s *Server) removeConsumersLocked(c *serverConn, channel uint16, tag string) {
	for _, q := range s.queues {
		kept := q.consumers[:0]
		for _, cons := range q.consumers {
			if cons.conn == c && (channel == 0 || cons.channel == channel) && (tag == "" || cons.tag == tag) {
				continue
			}
			kept = append(kept, cons)
		}
		q.consumers = kept
	}
}

// requeueLocked puts a delivered message back at the head of its queue
func (s *Server) requeueLocked(p *pending) {
	q := s.queueLocked(p.queue)
	msg := *p.msg
	msg.Redelivered = true
	q.messages = append([]*Message{&msg}, q.messages...)
}
