package content

import (
	"encoding/json"

	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/shelfsync/internal/activity"
)

func (b *batchTx) applyProfiles(items []activity.Classified) error {
	addresses := make([]string, 0, len(items))
	for _, item := range items {
		addresses = append(addresses, item.Trx.SenderAddress)
	}
	var rows []Profile
	if err := b.tx.Where("group_id = ? AND user_address IN ?", b.group.ID, addresses).Find(&rows).Error; err != nil {
		return err
	}
	existing := make(map[string]*Profile, len(rows))
	for index := range rows {
		existing[rows[index].UserAddress] = &rows[index]
	}

	for _, item := range items {
		profile := item.Activity.(activity.Profile)
		if item.Trx.SenderAddress == "" {
			b.record(item, OutcomeRejected, ReasonMissingSender)
			continue
		}
		current, ok := existing[item.Trx.SenderAddress]
		if ok && current.TrxID == item.Trx.TrxID {
			err := b.reconcile(item, syncedRow{current.TrxID, current.UserAddress, current.Status}, func() error {
				current.Status = StatusSynced
				return b.flipStatus(&Profile{}, "user_address", current.UserAddress)
			})
			if err != nil {
				return err
			}
			continue
		}
		if ok && current.TimestampNanos >= item.Trx.TimestampNanos {
			b.record(item, OutcomeSuperseded, "")
			continue
		}

		row := Profile{
			GroupID:        b.group.ID,
			UserAddress:    item.Trx.SenderAddress,
			TrxID:          item.Trx.TrxID,
			TimestampNanos: item.Trx.TimestampNanos,
			Status:         b.status,
			Name:           profile.Name,
		}
		if profile.Avatar != nil {
			row.AvatarMediaType = profile.Avatar.MediaType
			row.AvatarB64 = profile.Avatar.Content
		}
		if err := b.tx.Save(&row).Error; err != nil {
			return err
		}
		existing[row.UserAddress] = &row
		b.record(item, OutcomeApplied, "")
	}
	return nil
}

func (b *batchTx) applyPosts(items []activity.Classified) error {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.Activity.(activity.Post).PostID)
	}
	existing, err := b.loadPosts(ids)
	if err != nil {
		return err
	}

	var created []string
	for _, item := range items {
		post := item.Activity.(activity.Post)
		if current, ok := existing[post.PostID]; ok {
			err := b.reconcile(item, syncedRow{current.TrxID, current.UserAddress, current.Status}, func() error {
				current.Status = StatusSynced
				return b.flipStatus(&Post{}, "post_id", current.PostID)
			})
			if err != nil {
				return err
			}
			continue
		}

		images, err := imagesJSON(post.Images)
		if err != nil {
			return err
		}
		row := Post{
			GroupID:        b.group.ID,
			PostID:         post.PostID,
			TrxID:          item.Trx.TrxID,
			UserAddress:    item.Trx.SenderAddress,
			TimestampNanos: item.Trx.TimestampNanos,
			Status:         b.status,
			Title:          post.Title,
			Content:        post.Content,
			ImagesJSON:     images,
			HotScore:       hotScore(0, 0, 0, item.Trx.TimestampNanos),
		}
		if err := b.tx.Create(&row).Error; err != nil {
			return err
		}
		existing[row.PostID] = &row
		created = append(created, row.PostID)
		b.record(item, OutcomeApplied, "")
	}
	return b.wakeDependents(created)
}

// applyComments attaches comments to their post or parent comment. Items
// whose parent arrives later in the same batch are retried until no further
// progress is possible.
func (b *batchTx) applyComments(items []activity.Classified) error {
	ids := make([]string, 0, len(items))
	parentIDs := make([]string, 0, len(items))
	for _, item := range items {
		comment := item.Activity.(activity.Comment)
		ids = append(ids, comment.CommentID)
		parentIDs = append(parentIDs, comment.InReplyTo)
	}
	comments, err := b.loadComments(append(ids, parentIDs...))
	if err != nil {
		return err
	}
	posts, err := b.loadPosts(parentIDs)
	if err != nil {
		return err
	}

	var created []string
	remaining := items
	for len(remaining) > 0 {
		var waiting []activity.Classified
		for _, item := range remaining {
			comment := item.Activity.(activity.Comment)
			if current, ok := comments[comment.CommentID]; ok {
				err := b.reconcile(item, syncedRow{current.TrxID, current.UserAddress, current.Status}, func() error {
					current.Status = StatusSynced
					return b.flipStatus(&Comment{}, "comment_id", current.CommentID)
				})
				if err != nil {
					return err
				}
				continue
			}
			parentPost, isPost := posts[comment.InReplyTo]
			parentComment, isComment := comments[comment.InReplyTo]
			if !isPost && !isComment {
				waiting = append(waiting, item)
				continue
			}

			images, err := imagesJSON(comment.Images)
			if err != nil {
				return err
			}
			row := Comment{
				GroupID:        b.group.ID,
				CommentID:      comment.CommentID,
				TrxID:          item.Trx.TrxID,
				UserAddress:    item.Trx.SenderAddress,
				TimestampNanos: item.Trx.TimestampNanos,
				Status:         b.status,
				Content:        comment.Content,
				ImagesJSON:     images,
				HotScore:       hotScore(0, 0, 0, item.Trx.TimestampNanos),
			}
			if isPost {
				row.PostID = parentPost.PostID
			} else {
				row.PostID = parentComment.PostID
				row.ThreadID = parentComment.ThreadID
				if row.ThreadID == "" {
					row.ThreadID = parentComment.CommentID
				}
				row.ReplyID = parentComment.CommentID
			}
			if err := b.tx.Create(&row).Error; err != nil {
				return err
			}
			comments[row.CommentID] = &row
			created = append(created, row.CommentID)

			if !isPost {
				if err := b.bumpCommentReplies(parentComment, 1); err != nil {
					return err
				}
				if err := b.notify(item, NotifyReply, parentComment.CommentID, ObjectComment, parentComment.UserAddress); err != nil {
					return err
				}
				if parentPost, err = b.postByID(posts, row.PostID); err != nil {
					return err
				}
			}
			if parentPost != nil {
				if err := b.bumpPostComments(parentPost, 1); err != nil {
					return err
				}
				if isPost {
					if err := b.notify(item, NotifyComment, parentPost.PostID, ObjectPost, parentPost.UserAddress); err != nil {
						return err
					}
				}
			}
			b.record(item, OutcomeApplied, "")
		}
		if len(waiting) == len(remaining) {
			for _, item := range waiting {
				if err := b.deferItem(item, ReasonMissingParent, item.Activity.(activity.Comment).InReplyTo); err != nil {
					return err
				}
			}
			break
		}
		remaining = waiting
	}
	return b.wakeDependents(created)
}

// applyCounters folds likes and dislikes per user: each counter moves the
// aggregates only by the change it makes to its sender's vote on the object.
func (b *batchTx) applyCounters(items []activity.Classified) error {
	trxIDs := make([]string, 0, len(items))
	targetIDs := make([]string, 0, len(items))
	for _, item := range items {
		trxIDs = append(trxIDs, item.Trx.TrxID)
		targetIDs = append(targetIDs, item.Activity.(activity.Counter).ObjectID)
	}
	var stored []Counter
	if err := b.tx.Where("group_id = ? AND (trx_id IN ? OR object_id IN ?)", b.group.ID, trxIDs, targetIDs).Find(&stored).Error; err != nil {
		return err
	}
	applied := make(map[string]bool, len(stored))
	votes := make(map[voteKey][]Counter)
	for _, row := range stored {
		applied[row.TrxID] = true
		key := voteKey{row.ObjectID, row.UserAddress}
		votes[key] = append(votes[key], row)
	}
	posts, err := b.loadPosts(targetIDs)
	if err != nil {
		return err
	}
	comments, err := b.loadComments(targetIDs)
	if err != nil {
		return err
	}

	for _, item := range items {
		counter := item.Activity.(activity.Counter)
		if applied[item.Trx.TrxID] {
			b.record(item, OutcomeDuplicate, "")
			continue
		}
		byLocalUser := b.group.UserAddress != "" && item.Trx.SenderAddress == b.group.UserAddress
		row := Counter{
			GroupID:        b.group.ID,
			TrxID:          item.Trx.TrxID,
			ObjectID:       counter.ObjectID,
			Kind:           string(counter.CounterKind),
			UserAddress:    item.Trx.SenderAddress,
			TimestampNanos: item.Trx.TimestampNanos,
		}
		key := voteKey{row.ObjectID, row.UserAddress}
		before := foldVotes(votes[key])
		after := foldVotes(append(votes[key], row))

		var owner string
		if post, ok := posts[counter.ObjectID]; ok {
			row.ObjectType, owner = ObjectPost, post.UserAddress
			current := postTally(post)
			current.applyVote(before, after, byLocalUser)
			if err := b.savePostTally(post, current); err != nil {
				return err
			}
		} else if comment, ok := comments[counter.ObjectID]; ok {
			row.ObjectType, owner = ObjectComment, comment.UserAddress
			current := commentTally(comment)
			current.applyVote(before, after, byLocalUser)
			if err := b.saveCommentTally(comment, current); err != nil {
				return err
			}
		} else {
			if err := b.deferItem(item, ReasonMissingTarget, counter.ObjectID); err != nil {
				return err
			}
			continue
		}

		if err := b.tx.Create(&row).Error; err != nil {
			return err
		}
		applied[row.TrxID] = true
		votes[key] = append(votes[key], row)

		var notifyErr error
		switch {
		case after.Liked && !before.Liked:
			notifyErr = b.notify(item, NotifyLike, counter.ObjectID, row.ObjectType, owner)
		case after.Disliked && !before.Disliked:
			notifyErr = b.notify(item, NotifyDislike, counter.ObjectID, row.ObjectType, owner)
		}
		if notifyErr != nil {
			return notifyErr
		}
		b.record(item, OutcomeApplied, "")
	}
	return nil
}

type voteKey struct {
	objectID    string
	userAddress string
}

// applyDeletes soft-deletes posts and comments on behalf of their author.
func (b *batchTx) applyDeletes(items []activity.Classified) error {
	targetIDs := make([]string, 0, len(items))
	for _, item := range items {
		targetIDs = append(targetIDs, item.Activity.(activity.Delete).ObjectID)
	}
	posts, err := b.loadPosts(targetIDs)
	if err != nil {
		return err
	}
	comments, err := b.loadComments(targetIDs)
	if err != nil {
		return err
	}

	for _, item := range items {
		target := item.Activity.(activity.Delete)
		if post, ok := posts[target.ObjectID]; ok {
			if post.UserAddress != item.Trx.SenderAddress {
				b.record(item, OutcomeRejected, ReasonNotAuthor)
				continue
			}
			if post.Deleted {
				b.record(item, OutcomeDuplicate, "")
				continue
			}
			post.Deleted = true
			if err := b.tx.Model(&Post{}).Where("group_id = ? AND post_id = ?", b.group.ID, post.PostID).Update("deleted", true).Error; err != nil {
				return err
			}
			b.record(item, OutcomeApplied, "")
			continue
		}
		if comment, ok := comments[target.ObjectID]; ok {
			if comment.UserAddress != item.Trx.SenderAddress {
				b.record(item, OutcomeRejected, ReasonNotAuthor)
				continue
			}
			if comment.Deleted {
				b.record(item, OutcomeDuplicate, "")
				continue
			}
			comment.Deleted = true
			if err := b.tx.Model(&Comment{}).Where("group_id = ? AND comment_id = ?", b.group.ID, comment.CommentID).Update("deleted", true).Error; err != nil {
				return err
			}
			post, err := b.postByID(posts, comment.PostID)
			if err != nil {
				return err
			}
			if post != nil {
				if err := b.bumpPostComments(post, -1); err != nil {
					return err
				}
			}
			if comment.ReplyID != "" {
				parent, err := b.commentByID(comments, comment.ReplyID)
				if err != nil {
					return err
				}
				if parent != nil {
					if err := b.bumpCommentReplies(parent, -1); err != nil {
						return err
					}
				}
			}
			b.record(item, OutcomeApplied, "")
			continue
		}
		if err := b.deferItem(item, ReasonMissingTarget, target.ObjectID); err != nil {
			return err
		}
	}
	return nil
}

// applyEmpty records transactions delivered without payload for later re-fetch.
func (b *batchTx) applyEmpty(items []activity.Classified) error {
	for _, item := range items {
		row := EmptyTransaction{
			GroupID:       b.group.ID,
			TrxID:         item.Trx.TrxID,
			FirstSeenAtMs: b.now.UnixMilli(),
			Status:        EmptyUnresolved,
		}
		result := b.tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			b.record(item, OutcomeDuplicate, "")
			continue
		}
		b.record(item, OutcomeRecordedEmpty, "")
	}
	return nil
}

func (b *batchTx) loadPosts(ids []string) (map[string]*Post, error) {
	var rows []Post
	if err := b.tx.Where("group_id = ? AND post_id IN ?", b.group.ID, ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	posts := make(map[string]*Post, len(rows))
	for index := range rows {
		posts[rows[index].PostID] = &rows[index]
	}
	return posts, nil
}

func (b *batchTx) loadComments(ids []string) (map[string]*Comment, error) {
	var rows []Comment
	if err := b.tx.Where("group_id = ? AND comment_id IN ?", b.group.ID, ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	comments := make(map[string]*Comment, len(rows))
	for index := range rows {
		comments[rows[index].CommentID] = &rows[index]
	}
	return comments, nil
}

// postByID returns a cached post or loads it into the cache; nil when absent.
func (b *batchTx) postByID(posts map[string]*Post, postID string) (*Post, error) {
	if post, ok := posts[postID]; ok {
		return post, nil
	}
	loaded, err := b.loadPosts([]string{postID})
	if err != nil {
		return nil, err
	}
	post, ok := loaded[postID]
	if !ok {
		return nil, nil
	}
	posts[postID] = post
	return post, nil
}

// commentByID returns a cached comment or loads it into the cache; nil when absent.
func (b *batchTx) commentByID(comments map[string]*Comment, commentID string) (*Comment, error) {
	if comment, ok := comments[commentID]; ok {
		return comment, nil
	}
	loaded, err := b.loadComments([]string{commentID})
	if err != nil {
		return nil, err
	}
	comment, ok := loaded[commentID]
	if !ok {
		return nil, nil
	}
	comments[commentID] = comment
	return comment, nil
}

func (b *batchTx) bumpPostComments(post *Post, delta int64) error {
	current := postTally(post)
	current.Comments += delta
	if current.Comments < 0 {
		current.Comments = 0
	}
	return b.savePostTally(post, current)
}

func (b *batchTx) bumpCommentReplies(comment *Comment, delta int64) error {
	current := commentTally(comment)
	current.Comments += delta
	if current.Comments < 0 {
		current.Comments = 0
	}
	return b.saveCommentTally(comment, current)
}

func (b *batchTx) savePostTally(post *Post, current tally) error {
	columns := current.columns(post.TimestampNanos)
	post.LikeCount, post.DislikeCount, post.CommentCount = current.Likes, current.Dislikes, current.Comments
	post.Liked, post.Disliked = current.Liked, current.Disliked
	post.HotScore = columns["hot_score"].(float64)
	return b.tx.Model(&Post{}).Where("group_id = ? AND post_id = ?", b.group.ID, post.PostID).Updates(columns).Error
}

func (b *batchTx) saveCommentTally(comment *Comment, current tally) error {
	columns := current.columns(comment.TimestampNanos)
	comment.LikeCount, comment.DislikeCount, comment.CommentCount = current.Likes, current.Dislikes, current.Comments
	comment.Liked, comment.Disliked = current.Liked, current.Disliked
	comment.HotScore = columns["hot_score"].(float64)
	return b.tx.Model(&Comment{}).Where("group_id = ? AND comment_id = ?", b.group.ID, comment.CommentID).Updates(columns).Error
}

func postTally(post *Post) tally {
	return tally{
		Likes:    post.LikeCount,
		Dislikes: post.DislikeCount,
		Comments: post.CommentCount,
		Liked:    post.Liked,
		Disliked: post.Disliked,
	}
}

func commentTally(comment *Comment) tally {
	return tally{
		Likes:    comment.LikeCount,
		Dislikes: comment.DislikeCount,
		Comments: comment.CommentCount,
		Liked:    comment.Liked,
		Disliked: comment.Disliked,
	}
}

func imagesJSON(images []activity.Image) (string, error) {
	if images == nil {
		images = []activity.Image{}
	}
	encoded, err := json.Marshal(images)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
