package kikebot

import (
	"context"
	"github.com/google/uuid"
	"log/slog"
	"sync"
	"time"
)

type JobKind string

const (
	// JobReply generates a reply to a user's message
	JobReply JobKind = "reply"

	// JobReset clears the conversation history
	JobReset JobKind = "reset"

	// JobPersona switches to another persona
	JobPersona JobKind = "persona"

	// JobStartPrompt generates a reply to the starting prompt and posts
	// it to the notification channel
	JobStartPrompt JobKind = "start_prompt"
)

// Job is a pending request for the reply worker
type Job struct {
	ID        string
	Kind      JobKind
	Text      string
	Target    ReplyTarget
	CreatedAt time.Time
}

// NewJob returns a Job with a fresh request ID
func NewJob(kind JobKind, text string, target ReplyTarget) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Text:      text,
		Target:    target,
		CreatedAt: time.Now(),
	}
}

func (j *Job) Age() time.Duration {
	return time.Since(j.CreatedAt)
}

func (j *Job) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("id", j.ID),
		slog.String("kind", string(j.Kind)),
		slog.String("text", truncate(j.Text, 50)),
	}
	if j.Target != nil {
		attrs = append(
			attrs,
			slog.String("channel_id", j.Target.ChannelID()),
			slog.String("author_id", j.Target.AuthorID()),
		)
	}
	return slog.GroupValue(attrs...)
}

// ReplyQueue is an in-memory FIFO of jobs. Push never blocks, and Pop
// blocks until a job is available.
type ReplyQueue struct {
	config *QueueConfig
	logger *slog.Logger

	mu    sync.Mutex
	items []*Job

	// ready receives a value whenever a job is pushed to an empty queue
	ready chan struct{}

	// unfinished counts jobs pushed but not yet marked done. idle is
	// closed whenever it drops to zero.
	unfinished int
	idle       chan struct{}
}

func NewReplyQueue(config *QueueConfig, logger *slog.Logger) *ReplyQueue {
	if config == nil {
		config = &QueueConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	idle := make(chan struct{})
	close(idle)
	return &ReplyQueue{
		config: config,
		logger: logger,
		ready:  make(chan struct{}, 1),
		idle:   idle,
	}
}

// Push adds a job to the back of the queue. If the queue is at its
// configured size, the oldest job is discarded to make room.
func (q *ReplyQueue) Push(ctx context.Context, job *Job) {
	logger := contextLoggerOr(ctx, q.logger)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.config.Size > 0 && len(q.items) >= q.config.Size {
		removed := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.markDone()
		logger.WarnContext(
			ctx,
			"queue full, discarded oldest job",
			"removed", removed,
			"size", q.config.Size,
		)
	}

	if q.unfinished == 0 {
		q.idle = make(chan struct{})
	}
	q.unfinished++
	q.items = append(q.items, job)
	logger.InfoContext(ctx, "queued job", "job", job, "queue_size", len(q.items))

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pop removes and returns the job at the front of the queue, waiting
// for one to be pushed if the queue is empty. Jobs older than the
// configured max age are discarded (and marked done) rather than returned.
// An error is returned only if ctx is done first.
func (q *ReplyQueue) Pop(ctx context.Context) (*Job, error) {
	for {
		if job := q.popNext(ctx); job != nil {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.ready:
		}
	}
}

func (q *ReplyQueue) popNext(ctx context.Context) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) > 0 {
		job := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]

		if q.config.MaxAge > 0 && job.Age() > q.config.MaxAge {
			q.markDone()
			q.logger.WarnContext(
				ctx,
				"discarded old job",
				"job", job,
				"max_age", q.config.MaxAge,
				"age", job.Age(),
			)
			continue
		}
		q.logger.DebugContext(ctx, "popped job", "job", job, "queue_size", len(q.items))
		return job
	}
	return nil
}

// Done marks a popped job as finished, whether it succeeded or not
func (q *ReplyQueue) Done(_ *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.markDone()
}

// markDone must be called with the lock held
func (q *ReplyQueue) markDone() {
	if q.unfinished == 0 {
		return
	}
	q.unfinished--
	if q.unfinished == 0 {
		close(q.idle)
	}
}

// Join blocks until every pushed job has been marked done, or ctx is done.
func (q *ReplyQueue) Join(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of jobs waiting to be popped
func (q *ReplyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear discards all waiting jobs and returns them
func (q *ReplyQueue) Clear() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	cleared := q.items
	for range cleared {
		q.markDone()
	}
	q.items = nil
	return cleared
}
