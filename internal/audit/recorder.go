package audit

import (
	"context"
	"sync"
)

// recorderChanSize is the buffer size for pending entries. Entries beyond
// this are dropped so a slow disk never stalls instrument commands.
const recorderChanSize = 256

// SourceAPI marks entries created by the control API.
const SourceAPI = "api"

// Logger is the logging surface the Recorder needs.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type requestIDKey struct{}

// WithRequestID returns a context carrying the HTTP request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request ID stored by WithRequestID, if any.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string) //nolint:errcheck // Missing value yields ""
	return id
}

// Recorder queues entries and writes them serially to a Repository.
//
// Thread Safety: Record is safe for concurrent use. Run must be called
// exactly once.
type Recorder struct {
	repo   Repository
	source string
	ch     chan *Entry
	done   chan struct{}

	mu     sync.RWMutex
	logger Logger
}

// NewRecorder creates a recorder writing to repo. Entries are tagged with source.
func NewRecorder(repo Repository, source string) *Recorder {
	return &Recorder{
		repo:   repo,
		source: source,
		ch:     make(chan *Entry, recorderChanSize),
		done:   make(chan struct{}),
		logger: nopLogger{},
	}
}

// SetLogger sets the logger for write failures and dropped entries.
func (r *Recorder) SetLogger(logger Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if logger == nil {
		logger = nopLogger{}
	}
	r.logger = logger
}

func (r *Recorder) log() Logger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.logger
}

// Record enqueues an entry for an operator command. A nil err records a
// success; otherwise the error text is stored and the outcome is failure.
// A nil Recorder ignores the call.
func (r *Recorder) Record(ctx context.Context, action, entity string, details map[string]any, err error) {
	if r == nil {
		return
	}

	e := &Entry{
		Action:    action,
		Entity:    entity,
		Source:    r.source,
		RequestID: RequestIDFrom(ctx),
		Outcome:   OutcomeSuccess,
		Details:   details,
	}
	if err != nil {
		e.Outcome = OutcomeFailure
		e.Error = err.Error()
	}

	select {
	case r.ch <- e:
	default:
		r.log().Warn("audit channel full, dropping entry",
			"action", action,
			"entity", entity,
		)
	}
}

// Run writes queued entries until ctx is cancelled, then drains whatever is
// still buffered and returns.
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case e := <-r.ch:
			r.write(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-r.ch:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

// Done is closed once Run has drained the queue and returned.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

func (r *Recorder) write(e *Entry) {
	if err := r.repo.Create(context.Background(), e); err != nil {
		r.log().Error("audit log write failed",
			"action", e.Action,
			"entity", e.Entity,
			"error", err,
		)
	}
}
