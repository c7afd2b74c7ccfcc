package content

import (
	"math"
	"sort"

	"github.com/MarcoPoloResearchLab/shelfsync/internal/activity"
)

const hotScoreDecaySeconds = 45000

// hotScore ranks posts and comments by net votes plus replies, decayed by age.
// It is always recomputed from the stored aggregates.
func hotScore(likes, dislikes, comments, createdNanos int64) float64 {
	score := float64(likes - dislikes + comments)
	order := math.Log10(math.Max(math.Abs(score), 1))
	sign := 0.0
	switch {
	case score > 0:
		sign = 1
	case score < 0:
		sign = -1
	}
	return sign*order + float64(createdNanos)/1e9/hotScoreDecaySeconds
}

// tally is the mutable aggregate state shared by posts and comments.
type tally struct {
	Likes    int64
	Dislikes int64
	Comments int64
	Liked    bool
	Disliked bool
}

// vote is one user's standing on one object.
type vote struct {
	Liked    bool
	Disliked bool
}

// foldVotes replays a user's counters on one object in timestamp order, so
// the result does not depend on arrival order. Undoing a vote that was never
// cast and repeating a cast vote change nothing.
func foldVotes(rows []Counter) vote {
	ordered := append([]Counter(nil), rows...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].TimestampNanos != ordered[j].TimestampNanos {
			return ordered[i].TimestampNanos < ordered[j].TimestampNanos
		}
		return ordered[i].TrxID < ordered[j].TrxID
	})
	var current vote
	for _, row := range ordered {
		switch activity.CounterKind(row.Kind) {
		case activity.CounterLike:
			current.Liked = true
		case activity.CounterUndoLike:
			current.Liked = false
		case activity.CounterDislike:
			current.Disliked = true
		case activity.CounterUndoDislike:
			current.Disliked = false
		}
	}
	return current
}

// applyVote moves the tally by the change in one user's vote. Viewer flags
// only move for the local user.
func (t *tally) applyVote(before, after vote, byLocalUser bool) {
	t.Likes += voteDelta(before.Liked, after.Liked)
	t.Dislikes += voteDelta(before.Disliked, after.Disliked)
	if t.Likes < 0 {
		t.Likes = 0
	}
	if t.Dislikes < 0 {
		t.Dislikes = 0
	}
	if byLocalUser {
		t.Liked = after.Liked
		t.Disliked = after.Disliked
	}
}

func voteDelta(before, after bool) int64 {
	switch {
	case after && !before:
		return 1
	case before && !after:
		return -1
	}
	return 0
}

func (t tally) columns(createdNanos int64) map[string]any {
	return map[string]any{
		"like_count":    t.Likes,
		"dislike_count": t.Dislikes,
		"comment_count": t.Comments,
		"liked":         t.Liked,
		"disliked":      t.Disliked,
		"hot_score":     hotScore(t.Likes, t.Dislikes, t.Comments, createdNanos),
	}
}
