package webhooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Dispatcher sends webhook events to registered subscribers asynchronously
// through a bounded queue and a background worker pool. Retries wait outside
// the workers so a backoff never stalls other deliveries.
type Dispatcher struct {
	registry   *Registry
	httpClient *http.Client
	queue      chan *deliveryJob
	done       chan struct{}
	logger     *log.Logger
	wg         sync.WaitGroup
	retryWg    sync.WaitGroup
}

type deliveryJob struct {
	subscriber *Subscription
	event      *Event
	attempt    int
}

// NewDispatcher creates a dispatcher and starts its worker pool.
func NewDispatcher(registry *Registry, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		registry:   registry,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan *deliveryJob, 1000),
		done:       make(chan struct{}),
		logger:     log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Emit queues an event for every matching subscription. Entity-scoped
// subscriptions only receive their own entity's events.
func (d *Dispatcher) Emit(eventType EventType, entityID string, data map[string]interface{}) {
	select {
	case <-d.done:
		return
	default:
	}

	subscribers := d.registry.Subscribers(eventType)
	if len(subscribers) == 0 {
		return
	}

	event := &Event{
		ID:        "evt_" + uuid.NewString(),
		Type:      eventType,
		Source:    "/v1/enforce",
		Timestamp: time.Now().UTC(),
		EntityID:  entityID,
		Data:      data,
	}

	for _, sub := range subscribers {
		if sub.EntityID != "" && sub.EntityID != entityID {
			continue
		}
		select {
		case d.queue <- &deliveryJob{subscriber: sub, event: event, attempt: 1}:
		default:
			d.logger.Printf("queue full, dropping event %s for %s", event.ID, sub.ID)
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	payload, err := json.Marshal(job.event)
	if err != nil {
		d.logger.Printf("marshal event failed: %v", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, job.subscriber.URL, bytes.NewReader(payload))
	if err != nil {
		d.logger.Printf("build request failed: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Basis-Event-Type", string(job.event.Type))
	req.Header.Set("X-Basis-Event-ID", job.event.ID)
	req.Header.Set("X-Basis-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))
	if job.subscriber.Secret != "" {
		req.Header.Set("X-Basis-Signature", "sha256="+SignPayload(payload, job.subscriber.Secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Printf("delivery failed: %s -> %v", job.subscriber.URL, err)
		d.registry.MarkFailed(job.subscriber.ID)
		// Retry up to 3 times with quadratic backoff.
		if job.attempt < 3 {
			delay := time.Duration(job.attempt*job.attempt) * time.Second
			job.attempt++
			d.retryWg.Add(1)
			go d.requeue(job, delay)
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.logger.Printf("subscriber returned %d: %s -> %s", resp.StatusCode, job.subscriber.URL, job.event.Type)
		d.registry.MarkFailed(job.subscriber.ID)
		return
	}
	d.registry.MarkDelivered(job.subscriber.ID)
}

// requeue re-enqueues a failed job after its backoff. Shutdown aborts the
// wait and the send; the queue is only closed once every requeue has exited.
func (d *Dispatcher) requeue(job *deliveryJob, delay time.Duration) {
	defer d.retryWg.Done()
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-d.done:
		return
	}
	select {
	case d.queue <- job:
	case <-d.done:
	}
}

// Shutdown stops retries, drains the queue and waits for the workers.
func (d *Dispatcher) Shutdown() {
	close(d.done)
	d.retryWg.Wait()
	close(d.queue)
	d.wg.Wait()
}
