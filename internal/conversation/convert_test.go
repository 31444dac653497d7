package conversation

import (
	"context"
	"fmt"
	"testing"

	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/testutil"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestResolver_ConvertToGroup(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, "alice", "bob", "carol")
	r := NewResolver(repo, testutil.TestLogger(t))

	direct, err := r.Resolve(ctx, 1, 2)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := repo.CreateMessage(ctx, database.CreateMessageParams{RoomId: direct.Id, SenderId: int64(i%2 + 1), Body: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	group, err := r.ConvertToGroup(ctx, ConvertParams{
		DirectRoomId: direct.Id,
		RequestedBy:  1,
		AddUserIds:   []int64{3, 2},
		CopyHistory:  true,
	})
	require.NoError(t, err)
	assert.True(t, group.IsGroup)
	assert.NotEqual(t, direct.Id, group.Id, "expected a new room")
	assert.Equal(t, "alice, bob, carol", group.Name)
	assert.Len(t, group.Participants, 3)

	msgs, err := repo.ListMessagesBefore(ctx, group.Id, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 4, "expected copied history plus announcement")
	assert.Equal(t, types.MessageKindSystem, msgs[0].Kind, "expected announcement to be newest")
	assert.Equal(t, "m2", msgs[1].Body)
	assert.Equal(t, types.MessageKindCopy, msgs[1].Kind)
	assert.Equal(t, "m0", msgs[3].Body)

	untouched, err := repo.GetRoom(ctx, direct.Id)
	require.NoError(t, err)
	assert.False(t, untouched.IsGroup, "expected direct room to be left intact")
}

func TestResolver_ConvertToGroupErrors(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, "alice", "bob", "carol")
	r := NewResolver(repo, testutil.TestLogger(t))

	direct, err := r.Resolve(ctx, 1, 2)
	require.NoError(t, err)

	_, err = r.ConvertToGroup(ctx, ConvertParams{DirectRoomId: direct.Id, RequestedBy: 3})
	assert.ErrorIs(t, err, types.ErrNotFound, "expected outsider to be rejected")

	_, err = r.ConvertToGroup(ctx, ConvertParams{DirectRoomId: direct.Id, RequestedBy: 1, AddUserIds: []int64{99}})
	assert.ErrorIs(t, err, types.ErrNotFound, "expected unknown member to be rejected")

	group, err := r.ConvertToGroup(ctx, ConvertParams{DirectRoomId: direct.Id, RequestedBy: 1, Name: "team"})
	require.NoError(t, err)
	assert.Equal(t, "team", group.Name)

	_, err = r.ConvertToGroup(ctx, ConvertParams{DirectRoomId: group.Id, RequestedBy: 1})
	assert.ErrorIs(t, err, types.ErrInvalidPayload, "expected group rooms to be rejected")
}

func TestResolver_ConvertToGroupSingleWrite(t *testing.T) {
	ctx := context.Background()
	store := new(database.MockChatRepository)
	r := NewResolver(store, testutil.TestLogger(t))

	direct := types.Room{Id: 7, Participants: []types.User{{Id: 1, Username: "alice"}, {Id: 2, Username: "bob"}}}
	store.On("GetRoom", mock.Anything, int64(7)).Return(direct, nil)
	store.On("CreateGroupRoom", mock.Anything, database.CreateGroupRoomParams{
		Name:         "alice, bob",
		CreatedBy:    1,
		UserIds:      []int64{1, 2},
		SourceRoomId: 7,
		CopyLimit:    copiedHistoryLimit,
		Announcement: `alice created the group "alice, bob"`,
	}).Return(types.Room{}, fmt.Errorf("copy messages: %w", types.ErrUnavailable)).Once()

	_, err := r.ConvertToGroup(ctx, ConvertParams{DirectRoomId: 7, RequestedBy: 1, CopyHistory: true})
	assert.ErrorIs(t, err, types.ErrUnavailable)
	// a failure is reported from the single store call, nothing else was written
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
}
