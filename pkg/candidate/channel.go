// Package candidate streams the network candidates produced by one role of a
// call to the other role.
package candidate

import (
	"context"

	"p2pcall/pkg/signal"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Channel is the append-only candidate stream of one role within one call
// session. The owner of the role publishes on it, the other side subscribes.
type Channel struct {
	store signal.Store
	role  signal.Role
	key   string
}

func NewChannel(store signal.Store, roomID, session string, role signal.Role) *Channel {
	return &Channel{
		store: store,
		role:  role,
		key:   signal.CandidateStreamKey(roomID, session, role),
	}
}

func (c *Channel) Role() signal.Role {
	return c.role
}

func (c *Channel) Key() string {
	return c.key
}

// Publish appends a locally discovered candidate. Store failures are returned
// as they are, without retrying.
func (c *Channel) Publish(ctx context.Context, payload string) (signal.Candidate, error) {
	candidate := signal.Candidate{
		ID:      uuid.NewString(),
		Role:    c.role,
		Payload: payload,
	}

	data, err := signal.EncodeCandidate(candidate)
	if err != nil {
		return signal.Candidate{}, errors.Wrap(err, "encode candidate")
	}

	if err := c.store.AppendToStream(ctx, c.key, data); err != nil {
		return signal.Candidate{}, errors.Wrapf(err, "publish %s candidate", c.role)
	}

	return candidate, nil
}

// Subscribe delivers every candidate already on the stream and every later
// one, in publish order. A candidate may be delivered more than once.
// Records that cannot be decoded, and a broken subscription, are reported
// through onErr. The returned function cancels the subscription.
func (c *Channel) Subscribe(ctx context.Context, onCandidate func(signal.Candidate), onErr func(error)) (signal.CancelFunc, error) {
	cancel, err := c.store.SubscribeStream(ctx, c.key, func(ev signal.StreamEvent) {
		if ev.Err != nil {
			onErr(errors.Wrapf(ev.Err, "%s candidate stream", c.role))

			return
		}

		candidate, err := signal.DecodeCandidate(ev.Record.Data)
		if err != nil {
			onErr(errors.Wrapf(err, "%s candidate #%d", c.role, ev.Record.Seq))

			return
		}

		if candidate.Role != c.role {
			onErr(errors.Errorf("%s candidate stream carries a %s candidate", c.role, candidate.Role))

			return
		}

		onCandidate(candidate)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s candidates", c.role)
	}

	return cancel, nil
}
