package mergehistory_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/thistle/internal/repositories/mergehistory"
	"github.com/Ramsey-B/thistle/internal/repositories/repotest"
	"github.com/Ramsey-B/thistle/pkg/models"
)

func TestMergeHistoryRepository_AppendAndList(t *testing.T) {
	db := repotest.GetTestDB(t)
	repo := mergehistory.NewRepository(db, repotest.GetTestLogger())
	ctx := context.Background()

	candidateID := uuid.New().String()
	msg := "intel platform: merge_entities returned HTTP 502"
	_, err := repo.Append(ctx, &models.MergeHistoryEntry{
		CandidateID: candidateID, KeptEntityID: "is--1", KeptEntityName: "APT29",
		MergedEntityID: "is--2", MergedEntityName: "Cozy Bear", MergedBy: "admin", ErrorMessage: &msg,
	})
	require.NoError(t, err)
	_, err = repo.Append(ctx, &models.MergeHistoryEntry{
		CandidateID: candidateID, KeptEntityID: "is--1", MergedEntityID: "is--2", MergedBy: "admin", Success: true,
	})
	require.NoError(t, err)
	_, err = repo.Append(ctx, &models.MergeHistoryEntry{
		CandidateID: uuid.New().String(), KeptEntityID: "is--3", MergedEntityID: "is--4", MergedBy: "admin", Success: true,
	})
	require.NoError(t, err)

	entries, err := repo.List(ctx, candidateID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Success, "newest first")
	assert.False(t, entries[1].Success)
	assert.Equal(t, msg, *entries[1].ErrorMessage)

	all, err := repo.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := repo.List(ctx, "bogus", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
