package devstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsievert/federation/internal/common"
	"github.com/dsievert/federation/internal/server/models"
)

func TestItems_DuplicateGUIDRefused(t *testing.T) {
	s := NewItems()
	ctx := context.Background()

	id, err := s.Store(ctx, &models.Item{UID: 1, GUID: "g1"})
	require.NoError(t, err)

	dupID, err := s.Store(ctx, &models.Item{UID: 1, GUID: "g1"})
	assert.ErrorIs(t, err, common.ErrDuplicateMessage)
	assert.Equal(t, id, dupID)

	// same guid under another uid is a distinct row
	_, err = s.Store(ctx, &models.Item{UID: 2, GUID: "g1"})
	assert.NoError(t, err)
}

func TestItems_RetractSoftDeletes(t *testing.T) {
	s := NewItems()
	ctx := context.Background()

	item := &models.Item{UID: 1, GUID: "g1", Body: "secret"}
	_, err := s.Store(ctx, item)
	require.NoError(t, err)

	require.NoError(t, s.Retract(ctx, item))

	got, err := s.FindByGUID(ctx, 1, "g1")
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Empty(t, got.Body)
}

func TestAccounts_ThreadRecipientsSkipsDeadAndExcluded(t *testing.T) {
	s := NewAccounts()
	ctx := context.Background()

	c1, err := s.CreateContact(ctx, 1, &models.Person{Handle: "a@x.example", NotifyURL: "https://x.example/a"}, models.RelFriend)
	require.NoError(t, err)
	_, err = s.CreateContact(ctx, 1, &models.Person{Handle: "b@x.example", NotifyURL: "https://x.example/b"}, models.RelFriend)
	require.NoError(t, err)
	_, err = s.CreateContact(ctx, 2, &models.Person{Handle: "c@x.example"}, models.RelFriend)
	require.NoError(t, err)

	require.NoError(t, s.SetDead(ctx, c1.ID, true))

	targets, err := s.ThreadRecipients(ctx, 1, nil, "b@x.example")
	require.NoError(t, err)
	assert.Empty(t, targets)

	require.NoError(t, s.SetDead(ctx, c1.ID, false))
	targets, err = s.ThreadRecipients(ctx, 1, nil, "b@x.example")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "a@x.example", targets[0].Handle)
}

func TestAccounts_RemoveAccountDropsAllRelationships(t *testing.T) {
	s := NewAccounts()
	ctx := context.Background()

	_, err := s.CreateContact(ctx, 1, &models.Person{Handle: "gone@x.example"}, models.RelFriend)
	require.NoError(t, err)
	_, err = s.CreateContact(ctx, 2, &models.Person{Handle: "gone@x.example"}, models.RelSharing)
	require.NoError(t, err)

	require.NoError(t, s.RemoveAccount(ctx, "Gone@x.example"))

	_, err = s.ContactFor(ctx, 1, "gone@x.example")
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = s.ContactFor(ctx, 2, "gone@x.example")
	assert.ErrorIs(t, err, common.ErrNotFound)
}
