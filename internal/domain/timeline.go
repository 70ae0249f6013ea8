package domain

import "fmt"

// Family names one of the timeline kinds kept in the cache.
type Family string

const (
	FamilyHome     Family = "home"
	FamilyUser     Family = "user"
	FamilyLikes    Family = "likes"
	FamilyComments Family = "comments"
)

// Timeline addresses one ordered set: the family plus its subject. User
// families use UserID, comment threads use Post.
type Timeline struct {
	Family Family
	UserID int64
	Post   PostRef
}

func HomeTimeline(uid int64) Timeline  { return Timeline{Family: FamilyHome, UserID: uid} }
func UserTimeline(uid int64) Timeline  { return Timeline{Family: FamilyUser, UserID: uid} }
func LikesTimeline(uid int64) Timeline { return Timeline{Family: FamilyLikes, UserID: uid} }

func CommentThread(post PostRef) Timeline {
	return Timeline{Family: FamilyComments, Post: post.Identity()}
}

func (t Timeline) String() string {
	if t.Family == FamilyComments {
		return fmt.Sprintf("%s:%s", t.Family, t.Post.Member())
	}
	return fmt.Sprintf("%s:%d", t.Family, t.UserID)
}

// Page is one page of a hydrated timeline. Cursor is the score of the oldest
// entry on the page and is zero when the page is empty.
type Page struct {
	Posts  []Post `json:"posts"`
	Cursor int64  `json:"cursor,omitempty"`
}

// Thread is a post with one page of its comments. Op is only set on the first
// page.
type Thread struct {
	Op       *Post  `json:"op,omitempty"`
	Comments []Post `json:"comments"`
	Cursor   int64  `json:"cursor,omitempty"`
}
