package kernelbridge

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rtcjupyter/gateway/common"
	"k8s.io/klog/v2"
)

// DefaultOutboundQueueSize bounds the number of frames buffered for send on
// one kernelLink before the drop-oldest-non-request overflow policy kicks
// in.
const DefaultOutboundQueueSize = 256

// outboundItem is one frame waiting to be written to a kernel's channel
// WebSocket. isRequest marks frames that have a PendingReply associated with
// them -- these are the ones the overflow policy protects.
type outboundItem struct {
	data      []byte
	isRequest bool
}

// outboundQueue is a bounded FIFO with a drop-oldest-non-request overflow
// policy: when full, the oldest non-request item is evicted to make room;
// only if every queued item is itself a request does a new non-request item
// get silently dropped instead.
type outboundQueue struct {
	mu      sync.Mutex
	items   []outboundItem
	maxSize int
	notify  chan struct{}
}

func newOutboundQueue(maxSize int) *outboundQueue {
	return &outboundQueue{maxSize: maxSize, notify: make(chan struct{}, 1)}
}

func (q *outboundQueue) push(item outboundItem) {
	q.mu.Lock()
	if len(q.items) >= q.maxSize {
		evicted := false
		for i, it := range q.items {
			if !it.isRequest {
				q.items = append(q.items[:i], q.items[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			if !item.isRequest {
				q.mu.Unlock()
				return
			}
			// Queue is saturated with pending requests; drop the oldest one
			// outright rather than refuse a new request frame.
			q.items = q.items[1:]
		}
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *outboundQueue) pop() (outboundItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return outboundItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// kernelLink is one outbound wire-protocol connection to a Jupyter kernel's
// multiplexed channel endpoint. Its instance set is guarded
// by its own lock -- never the Bridge's -- so a slow kernel write can never
// block another kernel's bookkeeping.
type kernelLink struct {
	kernelID string
	conn     *websocket.Conn
	queue    *outboundQueue

	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	instances common.Set[string]
}

func newKernelLink(kernelID string, conn *websocket.Conn) *kernelLink {
	return &kernelLink{
		kernelID:  kernelID,
		conn:      conn,
		queue:     newOutboundQueue(DefaultOutboundQueueSize),
		done:      make(chan struct{}),
		instances: common.MakeSet[string](),
	}
}

func (l *kernelLink) addInstance(id string) {
	l.mu.Lock()
	l.instances.Insert(id)
	l.mu.Unlock()
}

func (l *kernelLink) removeInstance(id string) {
	l.mu.Lock()
	l.instances.Delete(id)
	l.mu.Unlock()
}

func (l *kernelLink) instanceCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.instances)
}

func (l *kernelLink) instanceIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.instances))
	for id := range l.instances {
		ids = append(ids, id)
	}
	return ids
}

// enqueue schedules data for send on the link's writer goroutine. It never
// blocks: a full queue falls back to the overflow policy in outboundQueue,
// and a closed link silently drops the frame -- nothing is ever written to
// a connection whose reader has terminated.
func (l *kernelLink) enqueue(data []byte, isRequest bool) {
	select {
	case <-l.done:
		return
	default:
	}
	l.queue.push(outboundItem{data: data, isRequest: isRequest})
}

// start launches the link's write and read goroutines. onMessage is invoked
// for every frame the kernel sends; onClosed is invoked exactly once, when
// the read loop ends for any reason.
func (l *kernelLink) start(onMessage func(*kernelLink, []byte), onClosed func(*kernelLink)) {
	go l.writeLoop()
	go l.readLoop(onMessage, onClosed)
}

func (l *kernelLink) writeLoop() {
	for {
		select {
		case <-l.done:
			return
		case <-l.queue.notify:
		}
		for {
			item, ok := l.queue.pop()
			if !ok {
				break
			}
			if err := l.conn.WriteMessage(websocket.TextMessage, item.data); err != nil {
				klog.Warningf("kernelbridge: write to kernel %s failed: %v", l.kernelID, err)
				l.close()
				return
			}
		}
	}
}

func (l *kernelLink) readLoop(onMessage func(*kernelLink, []byte), onClosed func(*kernelLink)) {
	defer func() {
		l.close()
		onClosed(l)
	}()
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			klog.V(1).Infof("kernelbridge: read loop for kernel %s ending: %v", l.kernelID, err)
			return
		}
		onMessage(l, data)
	}
}

func (l *kernelLink) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}
