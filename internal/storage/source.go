package storage

import (
	"context"

	"moontele/internal/transport"
)

// Archive adapts a Store to the read side of the message service and to
// username resolution.
type Archive struct {
	store Store
}

var (
	_ transport.Source       = (*Archive)(nil)
	_ transport.ChatResolver = (*Archive)(nil)
)

func NewSource(st Store) *Archive { return &Archive{store: st} }

func (a *Archive) FetchLatest(ctx context.Context, chatID int64) (transport.Message, error) {
	return a.store.LatestMessage(ctx, chatID)
}

func (a *Archive) FetchSince(ctx context.Context, chatID int64, minID int, limit int) ([]transport.Message, error) {
	return a.store.MessagesSince(ctx, chatID, minID, limit)
}

func (a *Archive) FetchByIDs(ctx context.Context, chatID int64, ids []int) ([]transport.Message, error) {
	return a.store.MessagesByIDs(ctx, chatID, ids)
}

func (a *Archive) ResolveUsername(ctx context.Context, username string) (int64, error) {
	c, err := a.store.ChatByUsername(ctx, username)
	if err != nil {
		return 0, err
	}
	return c.ID, nil
}

// Record archives an inbound update: the message and, when present, the
// chat it was seen in.
func (a *Archive) Record(ctx context.Context, u transport.Update) error {
	if u.Chat != nil {
		if err := a.store.PutChat(ctx, *u.Chat); err != nil {
			return err
		}
	}
	if u.Message == nil {
		return nil
	}
	return a.store.PutMessages(ctx, []transport.Message{*u.Message})
}
