package conversation

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"go.uber.org/zap"
)

// copiedHistoryLimit bounds how many recent messages are carried over when
// a direct room becomes a group.
const copiedHistoryLimit = 50

type ConvertParams struct {
	DirectRoomId int64
	RequestedBy  int64
	Name         string
	AddUserIds   []int64
	CopyHistory  bool
}

// ConvertToGroup creates a new group room holding the participants of a
// direct room plus AddUserIds. The group, its copied history and the
// announcement are written together, so a failed conversion leaves nothing
// behind and can be retried. The direct room itself is left untouched.
func (r *Resolver) ConvertToGroup(ctx context.Context, params ConvertParams) (types.Room, error) {
	direct, err := r.store.GetRoom(ctx, params.DirectRoomId)
	if err != nil {
		return types.Room{}, fmt.Errorf("convert to group: %w", err)
	}
	if direct.IsGroup {
		return types.Room{}, fmt.Errorf("convert to group: room %d is already a group: %w", direct.Id, types.ErrInvalidPayload)
	}
	if !direct.HasParticipant(params.RequestedBy) {
		return types.Room{}, fmt.Errorf("convert to group: %w", types.ErrNotFound)
	}

	var (
		members []int64
		names   []string
	)
	for _, p := range direct.Participants {
		members = append(members, p.Id)
		names = append(names, p.Username)
	}
	for _, id := range params.AddUserIds {
		if slices.Contains(members, id) {
			continue
		}
		u, err := r.store.GetUser(ctx, id)
		if err != nil {
			return types.Room{}, fmt.Errorf("convert to group: user %d: %w", id, err)
		}
		members = append(members, u.Id)
		names = append(names, u.Username)
	}

	name := strings.TrimSpace(params.Name)
	if name == "" {
		name = strings.Join(names, ", ")
	}

	requester := ""
	for _, p := range direct.Participants {
		if p.Id == params.RequestedBy {
			requester = p.Username
		}
	}

	create := database.CreateGroupRoomParams{
		Name:         name,
		CreatedBy:    params.RequestedBy,
		UserIds:      members,
		SourceRoomId: direct.Id,
		Announcement: fmt.Sprintf("%s created the group %q", requester, name),
	}
	if params.CopyHistory {
		create.CopyLimit = copiedHistoryLimit
	}

	group, err := r.store.CreateGroupRoom(ctx, create)
	if err != nil {
		return types.Room{}, fmt.Errorf("convert to group: %w", err)
	}

	r.log.Info("converted direct room to group",
		zap.Int64("room_id", direct.Id),
		zap.Int64("group_id", group.Id),
		zap.Int("members", len(members)),
	)

	return group, nil
}
