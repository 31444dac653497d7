// Package history pages through a room's message log.
package history

import (
	"context"
	"fmt"
	"slices"

	"github.com/npezzotti/go-chatrelay/internal/types"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Store interface {
	ListMessagesBefore(ctx context.Context, roomId, before int64, limit int) ([]types.Message, error)
}

type Page struct {
	Messages []types.Message `json:"messages"`
	HasMore  bool            `json:"has_more"`
}

// ReadBefore returns up to limit messages of roomId with an id strictly
// below before (0 for the newest page), oldest first. A limit outside
// [1, MaxLimit] is clamped, zero selects DefaultLimit.
func ReadBefore(ctx context.Context, store Store, roomId, before int64, limit int) (Page, error) {
	if before < 0 {
		return Page{}, fmt.Errorf("read history: negative cursor: %w", types.ErrInvalidPayload)
	}
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	// one extra row tells us whether an older page exists
	msgs, err := store.ListMessagesBefore(ctx, roomId, before, limit+1)
	if err != nil {
		return Page{}, fmt.Errorf("read history: %w", err)
	}

	page := Page{HasMore: len(msgs) > limit}
	if page.HasMore {
		msgs = msgs[:limit]
	}
	slices.Reverse(msgs)
	if msgs == nil {
		msgs = []types.Message{}
	}
	page.Messages = msgs

	return page, nil
}
