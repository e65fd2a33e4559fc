// Package rawqueue is a thin wrapper around maragu.dev/goqite, adapted from
// the teacher's internal/queue/manager.go "ONLY queue operations, no
// business logic" Manager. A push enqueues a notification here naming the
// job's tag. The dispatcher does not read these notifications: it polls the
// jobs/queue_entries tables on its own ticker, and those tables hold the
// authoritative dispatch state (spec §4.1).
package rawqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"maragu.dev/goqite"
)

// ErrEmpty is returned when nothing is waiting in the notification queue.
var ErrEmpty = errors.New("rawqueue: no messages")

// Notification is the message body: which tags got new dispatchable work.
type Notification struct {
	Tags []string `json:"tags"`
}

// Queue wraps a single named goqite queue.
type Queue struct {
	q *goqite.Queue
}

// Open creates (or reuses) the named goqite queue on db. The "goqite" table
// itself is set up once by internal/store/sqlite.Open.
func Open(db *sql.DB, name string) (*Queue, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := goqite.Setup(ctx, db); err != nil && !strings.Contains(err.Error(), "already exists") {
		return nil, err
	}
	return &Queue{q: goqite.New(goqite.NewOpts{DB: db, Name: name})}, nil
}

// Notify enqueues a wakeup notification for tags.
func (q *Queue) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return q.q.Send(ctx, goqite.Message{Body: body})
}

// Receive pulls the next notification, if any. The returned delete func
// must be called once the caller has acted on it (or decided to drop it).
func (q *Queue) Receive(ctx context.Context) (*Notification, func() error, error) {
	msg, err := q.q.Receive(ctx)
	if err != nil {
		return nil, nil, err
	}
	if msg == nil {
		return nil, nil, ErrEmpty
	}
	var n Notification
	if err := json.Unmarshal(msg.Body, &n); err != nil {
		return nil, nil, err
	}
	deleteFn := func() error {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return q.q.Delete(dctx, msg.ID)
	}
	return &n, deleteFn, nil
}
