package content

// SyncStatus distinguishes optimistic local rows from feed-confirmed rows.
type SyncStatus string

const (
	// StatusPending marks a row created locally before the feed confirmed it.
	StatusPending SyncStatus = "pending"
	// StatusSynced marks a row backed by an observed feed transaction.
	StatusSynced SyncStatus = "synced"
)

// ParentType names the multi-part object a segment belongs to.
type ParentType string

const (
	ParentBook  ParentType = "book"
	ParentCover ParentType = "cover"
)

// ObjectType names the target of a counter, delete or notification.
type ObjectType string

const (
	ObjectPost    ObjectType = "post"
	ObjectComment ObjectType = "comment"
)

// GroupCursor records the pull-resume point of a group.
type GroupCursor struct {
	GroupID          string `gorm:"column:group_id;primaryKey;size:190;not null"`
	LastTrxID        string `gorm:"column:last_trx_id;size:190;not null;default:''"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (GroupCursor) TableName() string {
	return "group_cursors"
}

// PendingState tracks a deferred transaction through its retry lifecycle.
type PendingState string

const (
	PendingWaiting   PendingState = "waiting"
	PendingAbandoned PendingState = "abandoned"
)

// PendingTransaction holds a classified transaction whose dependency is not yet local.
type PendingTransaction struct {
	GroupID         string       `gorm:"column:group_id;primaryKey;size:190;not null;index:idx_pending_due,priority:1"`
	TrxID           string       `gorm:"column:trx_id;primaryKey;size:190;not null"`
	Kind            string       `gorm:"column:kind;size:32;not null"`
	Payload         []byte       `gorm:"column:payload;not null"`
	SenderPubKey    string       `gorm:"column:sender_pubkey;size:190;not null;default:''"`
	SenderAddress   string       `gorm:"column:sender_address;size:64;not null;default:''"`
	TimestampNanos  int64        `gorm:"column:timestamp_ns;not null"`
	Attempts        int          `gorm:"column:attempts;not null;default:0"`
	NextAttemptAtMs int64        `gorm:"column:next_attempt_at_ms;not null;default:0;index:idx_pending_due,priority:3"`
	Status          PendingState `gorm:"column:status;size:16;not null;default:'waiting';index:idx_pending_due,priority:2"`
	LastReason      string       `gorm:"column:last_reason;size:64;not null;default:''"`
	// DependencyID is the post or comment id the row waits on.
	DependencyID    string       `gorm:"column:dependency_id;size:190;not null;default:'';index:idx_pending_dependency"`
}

// TableName provides the explicit table binding for GORM.
func (PendingTransaction) TableName() string {
	return "pending_transactions"
}

// EmptyState tracks an empty-payload transaction through its retry lifecycle.
type EmptyState string

const (
	EmptyUnresolved EmptyState = "unresolved"
	EmptyAbandoned  EmptyState = "abandoned"
)

// EmptyTransaction records a transaction observed without payload.
type EmptyTransaction struct {
	GroupID         string     `gorm:"column:group_id;primaryKey;size:190;not null;index:idx_empty_due,priority:1"`
	TrxID           string     `gorm:"column:trx_id;primaryKey;size:190;not null"`
	FirstSeenAtMs   int64      `gorm:"column:first_seen_at_ms;not null"`
	LastCheckedAtMs int64      `gorm:"column:last_checked_at_ms;not null;default:0"`
	Attempts        int        `gorm:"column:attempts;not null;default:0"`
	NextAttemptAtMs int64      `gorm:"column:next_attempt_at_ms;not null;default:0;index:idx_empty_due,priority:3"`
	Status          EmptyState `gorm:"column:status;size:16;not null;default:'unresolved';index:idx_empty_due,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (EmptyTransaction) TableName() string {
	return "empty_transactions"
}

// Book is a multi-part book file declared by a summary transaction.
type Book struct {
	GroupID          string     `gorm:"column:group_id;primaryKey;size:190;not null"`
	BookID           string     `gorm:"column:book_id;primaryKey;size:190;not null"`
	TrxID            string     `gorm:"column:trx_id;size:190;not null;index"`
	UserAddress      string     `gorm:"column:user_address;size:64;not null"`
	TimestampNanos   int64      `gorm:"column:timestamp_ns;not null"`
	Status           SyncStatus `gorm:"column:status;size:16;not null"`
	Name             string     `gorm:"column:name;size:512;not null"`
	MediaType        string     `gorm:"column:media_type;size:128;not null;default:''"`
	Size             int64      `gorm:"column:size;not null"`
	ContentHash      string     `gorm:"column:content_hash;size:64;not null"`
	SegmentsJSON     string     `gorm:"column:segments_json;type:text;not null"`
	Complete         bool       `gorm:"column:complete;not null;default:false"`
	IntegrityFailed  bool       `gorm:"column:integrity_failed;not null;default:false"`
	EpubTitle        string     `gorm:"column:epub_title;size:512;not null;default:''"`
	EpubAuthor       string     `gorm:"column:epub_author;size:512;not null;default:''"`
	EpubPublisher    string     `gorm:"column:epub_publisher;size:512;not null;default:''"`
	EpubLanguage     string     `gorm:"column:epub_language;size:64;not null;default:''"`
	EpubDescription  string     `gorm:"column:epub_description;type:text;not null;default:''"`
	HasEmbeddedCover bool       `gorm:"column:has_embedded_cover;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Book) TableName() string {
	return "books"
}

// Cover is a multi-part cover image attached to a book.
type Cover struct {
	GroupID         string     `gorm:"column:group_id;primaryKey;size:190;not null"`
	CoverID         string     `gorm:"column:cover_id;primaryKey;size:190;not null"`
	BookID          string     `gorm:"column:book_id;size:190;not null;index"`
	TrxID           string     `gorm:"column:trx_id;size:190;not null;index"`
	UserAddress     string     `gorm:"column:user_address;size:64;not null"`
	TimestampNanos  int64      `gorm:"column:timestamp_ns;not null"`
	Status          SyncStatus `gorm:"column:status;size:16;not null"`
	MediaType       string     `gorm:"column:media_type;size:128;not null;default:''"`
	Size            int64      `gorm:"column:size;not null"`
	ContentHash     string     `gorm:"column:content_hash;size:64;not null"`
	SegmentsJSON    string     `gorm:"column:segments_json;type:text;not null"`
	Complete        bool       `gorm:"column:complete;not null;default:false"`
	IntegrityFailed bool       `gorm:"column:integrity_failed;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Cover) TableName() string {
	return "covers"
}

// Segment stores one received part of a book or cover.
type Segment struct {
	GroupID     string     `gorm:"column:group_id;primaryKey;size:190;not null;index:idx_segments_parent,priority:1"`
	TrxID       string     `gorm:"column:trx_id;primaryKey;size:190;not null"`
	SegmentID   string     `gorm:"column:segment_id;size:190;not null"`
	ParentID    string     `gorm:"column:parent_id;size:190;not null;index:idx_segments_parent,priority:3"`
	ParentType  ParentType `gorm:"column:parent_type;size:16;not null;index:idx_segments_parent,priority:2"`
	Buffer      []byte     `gorm:"column:buffer;not null"`
	SegmentHash string     `gorm:"column:segment_hash;size:64;not null"`
	UserAddress string     `gorm:"column:user_address;size:64;not null"`
	Status      SyncStatus `gorm:"column:status;size:16;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Segment) TableName() string {
	return "segments"
}

// BufferKind names the artifact stored in a MultipartBuffer row.
type BufferKind string

const (
	BufferBookFile      BufferKind = "book_file"
	BufferCoverImage    BufferKind = "cover_image"
	BufferEmbeddedCover BufferKind = "embedded_cover"
)

// MultipartBuffer stores a reassembled artifact of a complete object.
type MultipartBuffer struct {
	GroupID   string     `gorm:"column:group_id;primaryKey;size:190;not null"`
	ObjectID  string     `gorm:"column:object_id;primaryKey;size:190;not null"`
	Kind      BufferKind `gorm:"column:kind;primaryKey;size:32;not null"`
	MediaType string     `gorm:"column:media_type;size:128;not null;default:''"`
	Buffer    []byte     `gorm:"column:buffer;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MultipartBuffer) TableName() string {
	return "multipart_buffers"
}

// BookMetadata stores the latest descriptive metadata of a book.
type BookMetadata struct {
	GroupID        string     `gorm:"column:group_id;primaryKey;size:190;not null"`
	BookID         string     `gorm:"column:book_id;primaryKey;size:190;not null"`
	TrxID          string     `gorm:"column:trx_id;size:190;not null"`
	UserAddress    string     `gorm:"column:user_address;size:64;not null"`
	TimestampNanos int64      `gorm:"column:timestamp_ns;not null"`
	Status         SyncStatus `gorm:"column:status;size:16;not null"`
	Description    string     `gorm:"column:description;type:text;not null;default:''"`
	SubTitle       string     `gorm:"column:sub_title;size:512;not null;default:''"`
	ISBN           string     `gorm:"column:isbn;size:64;not null;default:''"`
	Author         string     `gorm:"column:author;size:512;not null;default:''"`
	Publisher      string     `gorm:"column:publisher;size:512;not null;default:''"`
	PublishDate    string     `gorm:"column:publish_date;size:64;not null;default:''"`
	LanguagesJSON  string     `gorm:"column:languages_json;type:text;not null;default:'[]'"`
	Series         string     `gorm:"column:series;size:512;not null;default:''"`
	SeriesIndex    string     `gorm:"column:series_index;size:64;not null;default:''"`
	CategoriesJSON string     `gorm:"column:categories_json;type:text;not null;default:'[]'"`
}

// TableName provides the explicit table binding for GORM.
func (BookMetadata) TableName() string {
	return "book_metadata"
}

// Post is a top-level social post with cached aggregates.
type Post struct {
	GroupID        string     `gorm:"column:group_id;primaryKey;size:190;not null;index:idx_posts_group_hot,priority:1"`
	PostID         string     `gorm:"column:post_id;primaryKey;size:190;not null"`
	TrxID          string     `gorm:"column:trx_id;size:190;not null;index"`
	UserAddress    string     `gorm:"column:user_address;size:64;not null"`
	TimestampNanos int64      `gorm:"column:timestamp_ns;not null"`
	Status         SyncStatus `gorm:"column:status;size:16;not null"`
	Title          string     `gorm:"column:title;size:512;not null;default:''"`
	Content        string     `gorm:"column:content;type:text;not null"`
	ImagesJSON     string     `gorm:"column:images_json;type:text;not null;default:'[]'"`
	CommentCount   int64      `gorm:"column:comment_count;not null;default:0"`
	LikeCount      int64      `gorm:"column:like_count;not null;default:0"`
	DislikeCount   int64      `gorm:"column:dislike_count;not null;default:0"`
	HotScore       float64    `gorm:"column:hot_score;not null;default:0;index:idx_posts_group_hot,priority:2"`
	Liked          bool       `gorm:"column:liked;not null;default:false"`
	Disliked       bool       `gorm:"column:disliked;not null;default:false"`
	Deleted        bool       `gorm:"column:deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Post) TableName() string {
	return "posts"
}

// Comment replies to a post, optionally inside a reply thread.
type Comment struct {
	GroupID        string     `gorm:"column:group_id;primaryKey;size:190;not null;index:idx_comments_post,priority:1"`
	CommentID      string     `gorm:"column:comment_id;primaryKey;size:190;not null"`
	TrxID          string     `gorm:"column:trx_id;size:190;not null;index"`
	UserAddress    string     `gorm:"column:user_address;size:64;not null"`
	TimestampNanos int64      `gorm:"column:timestamp_ns;not null"`
	Status         SyncStatus `gorm:"column:status;size:16;not null"`
	PostID         string     `gorm:"column:post_id;size:190;not null;index:idx_comments_post,priority:2"`
	ThreadID       string     `gorm:"column:thread_id;size:190;not null;default:''"`
	ReplyID        string     `gorm:"column:reply_id;size:190;not null;default:''"`
	Content        string     `gorm:"column:content;type:text;not null"`
	ImagesJSON     string     `gorm:"column:images_json;type:text;not null;default:'[]'"`
	CommentCount   int64      `gorm:"column:comment_count;not null;default:0"`
	LikeCount      int64      `gorm:"column:like_count;not null;default:0"`
	DislikeCount   int64      `gorm:"column:dislike_count;not null;default:0"`
	HotScore       float64    `gorm:"column:hot_score;not null;default:0"`
	Liked          bool       `gorm:"column:liked;not null;default:false"`
	Disliked       bool       `gorm:"column:disliked;not null;default:false"`
	Deleted        bool       `gorm:"column:deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return "comments"
}

// Profile is the latest display profile announced by a user in a group.
type Profile struct {
	GroupID         string     `gorm:"column:group_id;primaryKey;size:190;not null"`
	UserAddress     string     `gorm:"column:user_address;primaryKey;size:64;not null"`
	TrxID           string     `gorm:"column:trx_id;size:190;not null"`
	TimestampNanos  int64      `gorm:"column:timestamp_ns;not null"`
	Status          SyncStatus `gorm:"column:status;size:16;not null"`
	Name            string     `gorm:"column:name;size:190;not null;default:''"`
	AvatarMediaType string     `gorm:"column:avatar_media_type;size:64;not null;default:''"`
	AvatarB64       string     `gorm:"column:avatar_b64;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Profile) TableName() string {
	return "profiles"
}

// Counter is one immutable like/dislike/undo row.
type Counter struct {
	GroupID        string     `gorm:"column:group_id;primaryKey;size:190;not null;index:idx_counters_object,priority:1"`
	TrxID          string     `gorm:"column:trx_id;primaryKey;size:190;not null"`
	ObjectID       string     `gorm:"column:object_id;size:190;not null;index:idx_counters_object,priority:2"`
	ObjectType     ObjectType `gorm:"column:object_type;size:16;not null"`
	Kind           string     `gorm:"column:kind;size:16;not null"`
	UserAddress    string     `gorm:"column:user_address;size:64;not null"`
	TimestampNanos int64      `gorm:"column:timestamp_ns;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Counter) TableName() string {
	return "counters"
}

// NotificationType names why the local user is being notified.
type NotificationType string

const (
	NotifyComment NotificationType = "comment"
	NotifyReply   NotificationType = "reply"
	NotifyLike    NotificationType = "like"
	NotifyDislike NotificationType = "dislike"
)

// Notification is a side-effect row addressed to the local user.
type Notification struct {
	ID          int64            `gorm:"column:id;primaryKey;autoIncrement"`
	GroupID     string           `gorm:"column:group_id;size:190;not null;uniqueIndex:idx_notifications_dedupe,priority:1;index:idx_notifications_group_time,priority:1"`
	TrxID       string           `gorm:"column:trx_id;size:190;not null;uniqueIndex:idx_notifications_dedupe,priority:2"`
	Type        NotificationType `gorm:"column:type;size:16;not null;uniqueIndex:idx_notifications_dedupe,priority:3"`
	ObjectID    string           `gorm:"column:object_id;size:190;not null"`
	ObjectType  ObjectType       `gorm:"column:object_type;size:16;not null"`
	FromUser    string           `gorm:"column:from_user;size:64;not null"`
	ToUser      string           `gorm:"column:to_user;size:64;not null"`
	Read        bool             `gorm:"column:is_read;not null;default:false"`
	CreatedAtMs int64            `gorm:"column:created_at_ms;not null;index:idx_notifications_group_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}

// Models lists every table the content store migrates.
func Models() []any {
	return []any{
		&GroupCursor{},
		&PendingTransaction{},
		&EmptyTransaction{},
		&Book{},
		&Cover{},
		&Segment{},
		&MultipartBuffer{},
		&BookMetadata{},
		&Post{},
		&Comment{},
		&Profile{},
		&Counter{},
		&Notification{},
	}
}
