package eventlog

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// MemoryConfig memory log configuration
type MemoryConfig struct {
	Partitions int
	// Retention is how many messages each partition keeps; older ones are dropped
	Retention int
}

// MemoryLog is an in-process Log for development and tests. Consumer groups
// keep their own committed offsets, so a handler error followed by another
// Run redelivers the failed message just like a broker would.
type MemoryLog struct {
	config MemoryConfig

	mu     sync.RWMutex
	topics map[string]*memTopic
	groups map[string]*memGroup
	closed bool
	done   chan struct{}
}

type memTopic struct {
	partitions []*memPartition
	next       uint32
}

type memPartition struct {
	mu       sync.Mutex
	base     int64
	messages []Message
	notify   chan struct{}
}

type memGroup struct {
	mu      sync.Mutex
	offsets []int64
	claims  []chan struct{}
}

// NewMemoryLog creates an empty in-memory log
func NewMemoryLog(cfg MemoryConfig) *MemoryLog {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 3
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 10000
	}
	return &MemoryLog{
		config: cfg,
		topics: make(map[string]*memTopic),
		groups: make(map[string]*memGroup),
		done:   make(chan struct{}),
	}
}

// Publish appends msgs to their topics
func (m *MemoryLog) Publish(ctx context.Context, msgs ...Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, msg := range msgs {
		t, err := m.topic(msg.Topic)
		if err != nil {
			return err
		}
		idx := t.partitionFor(msg.Key)
		msg = inject(ctx, msg)
		msg.Partition = idx
		t.partitions[idx].append(msg, m.config.Retention)
	}
	return nil
}

// Consumer returns a consumer for topic in groupID
func (m *MemoryLog) Consumer(topic, groupID string) Consumer {
	return &memConsumer{log: m, topic: topic, groupID: groupID}
}

// Close wakes every waiting consumer; their Run calls return nil
func (m *MemoryLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	return nil
}

// Len returns how many messages topic currently retains
func (m *MemoryLog) Len(topic string) int {
	m.mu.RLock()
	t, ok := m.topics[topic]
	m.mu.RUnlock()
	if !ok {
		return 0
	}

	n := 0
	for _, p := range t.partitions {
		p.mu.Lock()
		n += len(p.messages)
		p.mu.Unlock()
	}
	return n
}

// Messages returns a copy of everything topic retains, partition by partition
func (m *MemoryLog) Messages(topic string) []Message {
	m.mu.RLock()
	t, ok := m.topics[topic]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	var out []Message
	for _, p := range t.partitions {
		p.mu.Lock()
		out = append(out, p.messages...)
		p.mu.Unlock()
	}
	return out
}

func (m *MemoryLog) topic(name string) (*memTopic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	t, ok := m.topics[name]
	if !ok {
		t = &memTopic{partitions: make([]*memPartition, m.config.Partitions)}
		for i := range t.partitions {
			t.partitions[i] = &memPartition{notify: make(chan struct{})}
		}
		m.topics[name] = t
	}
	return t, nil
}

func (m *MemoryLog) group(topic, groupID string) *memGroup {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := topic + "/" + groupID
	g, ok := m.groups[key]
	if !ok {
		g = &memGroup{
			offsets: make([]int64, m.config.Partitions),
			claims:  make([]chan struct{}, m.config.Partitions),
		}
		for i := range g.claims {
			g.claims[i] = make(chan struct{}, 1)
		}
		m.groups[key] = g
	}
	return g
}

func (t *memTopic) partitionFor(key []byte) int {
	n := uint32(len(t.partitions))
	if len(key) == 0 {
		return int(atomic.AddUint32(&t.next, 1) % n)
	}
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % n)
}

func (p *memPartition) append(msg Message, retention int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg.Offset = p.base + int64(len(p.messages))
	msg.Time = time.Now()
	p.messages = append(p.messages, msg)
	if over := len(p.messages) - retention; over > 0 {
		p.messages = append(p.messages[:0:0], p.messages[over:]...)
		p.base += int64(over)
	}

	close(p.notify)
	p.notify = make(chan struct{})
}

// at returns the message at offset, or a channel closed on the next append.
// An offset already dropped by retention skips forward to the oldest kept.
func (p *memPartition) at(offset int64) (Message, bool, <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if offset < p.base {
		offset = p.base
	}
	idx := offset - p.base
	if idx < int64(len(p.messages)) {
		return p.messages[idx], true, nil
	}
	return Message{}, false, p.notify
}

type memConsumer struct {
	log     *MemoryLog
	topic   string
	groupID string
}

// Run drives every partition of the topic. Within a group a partition is
// claimed by at most one Run at a time.
func (c *memConsumer) Run(ctx context.Context, h Handler) error {
	t, err := c.log.topic(c.topic)
	if err != nil {
		return nil
	}
	grp := c.log.group(c.topic, c.groupID)

	g, ctx := errgroup.WithContext(ctx)
	for i := range t.partitions {
		i := i
		g.Go(func() error {
			return c.consumePartition(ctx, grp, i, t.partitions[i], h)
		})
	}
	return g.Wait()
}

func (c *memConsumer) consumePartition(ctx context.Context, grp *memGroup, idx int, p *memPartition, h Handler) error {
	select {
	case grp.claims[idx] <- struct{}{}:
	case <-ctx.Done():
		return nil
	case <-c.log.done:
		return nil
	}
	defer func() { <-grp.claims[idx] }()

	for {
		grp.mu.Lock()
		offset := grp.offsets[idx]
		grp.mu.Unlock()

		msg, ok, wait := p.at(offset)
		if !ok {
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil
			case <-c.log.done:
				return nil
			}
		}

		if err := h(extract(ctx, msg), msg); err != nil {
			return err
		}

		grp.mu.Lock()
		grp.offsets[idx] = msg.Offset + 1
		grp.mu.Unlock()
	}
}

func (c *memConsumer) Close() error {
	return nil
}
