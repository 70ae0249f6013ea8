package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PostRef identifies a post. Two refs are the same timeline entry when their
// PostID and AuthorID match; AttributedUsername only marks a repost entry.
type PostRef struct {
	PostID   int64 `json:"pid"`
	AuthorID int64 `json:"uid"`

	// AttributedUsername is the username of the reposting user, empty for
	// entries that point at the author's own post.
	AttributedUsername string `json:"repostUsername,omitempty"`
}

// Member returns the cache member string for the ref ("<pid>:<uid>").
func (r PostRef) Member() string {
	return strconv.FormatInt(r.PostID, 10) + ":" + strconv.FormatInt(r.AuthorID, 10)
}

// Identity returns the ref without attribution.
func (r PostRef) Identity() PostRef {
	return PostRef{PostID: r.PostID, AuthorID: r.AuthorID}
}

func (r PostRef) String() string {
	return r.Member()
}

// ParsePostRef parses a member string produced by PostRef.Member.
func ParsePostRef(member string) (PostRef, error) {
	pid, uid, ok := strings.Cut(member, ":")
	if !ok {
		return PostRef{}, fmt.Errorf("post ref %q must be in format 'pid:uid'", member)
	}
	postID, err := strconv.ParseInt(pid, 10, 64)
	if err != nil {
		return PostRef{}, fmt.Errorf("invalid post id in ref %q: %w", member, err)
	}
	authorID, err := strconv.ParseInt(uid, 10, 64)
	if err != nil {
		return PostRef{}, fmt.Errorf("invalid author id in ref %q: %w", member, err)
	}
	return PostRef{PostID: postID, AuthorID: authorID}, nil
}

// CorePost is the immutable content of a post as stored in the source of truth.
type CorePost struct {
	PostID    int64     `json:"pid"`
	AuthorID  int64     `json:"uid"`
	Body      string    `json:"message"`
	CreatedAt time.Time `json:"date"`

	AttributedUsername string `json:"repostUsername,omitempty"`
}

// Ref returns the identity of the post.
func (p CorePost) Ref() PostRef {
	return PostRef{PostID: p.PostID, AuthorID: p.AuthorID, AttributedUsername: p.AttributedUsername}
}

// PostStats holds the engagement counters of a post. Stats are only ever
// replaced wholesale by the aggregator.
type PostStats struct {
	PostID   int64 `json:"pid"`
	AuthorID int64 `json:"uid"`
	Likes    int64 `json:"likes"`
	Reposts  int64 `json:"reposts"`
	Comments int64 `json:"comments"`
}

// Engagement is a like or repost of a post by some user at a point in time.
type Engagement struct {
	Ref PostRef
	At  time.Time
}

// CommentLink ties a comment post to the post it replies to.
type CommentLink struct {
	Parent    PostRef
	Comment   PostRef
	CreatedAt time.Time
}

// Entry is a timeline member together with its score in unix milliseconds.
type Entry struct {
	Ref   PostRef
	Score int64
}

// Post is a fully hydrated post as returned to clients.
type Post struct {
	PostID             int64     `json:"pid"`
	AuthorID           int64     `json:"uid"`
	Username           string    `json:"username"`
	ProfileImageURL    string    `json:"profileURL"`
	Body               string    `json:"message"`
	CreatedAt          time.Time `json:"rawDate"`
	DisplayDate        string    `json:"date"`
	Likes              int64     `json:"likes"`
	Reposts            int64     `json:"reposts"`
	Comments           int64     `json:"comments"`
	HasLiked           bool      `json:"hasLiked"`
	HasReposted        bool      `json:"hasReposted"`
	AttributedUsername string    `json:"repostUsername,omitempty"`
}

// Millis converts t to the score unit used by every timeline.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
