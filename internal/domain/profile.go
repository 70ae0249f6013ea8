package domain

// Profile is the user record as held by the source of truth. Image fields are
// paths relative to the image base URL.
type Profile struct {
	UserID            int64  `json:"uid"`
	Username          string `json:"username"`
	ProfileImage      string `json:"profileImage"`
	SmallProfileImage string `json:"smallProfileImage"`
	BackgroundImage   string `json:"backgroundImage"`
	Description       string `json:"description"`
}

// ProfileView is the viewer-relative projection of a profile served from the
// cache. Losing it is never data loss.
type ProfileView struct {
	Username             string `json:"username"`
	ProfileImageURL      string `json:"profileURL"`
	SmallProfileImageURL string `json:"smallProfileURL"`
	BackgroundImageURL   string `json:"backgroundURL"`
	Description          string `json:"description"`
	FollowerCount        int64  `json:"followers"`
	IsFollowedByViewer   bool   `json:"following"`
}

// ProfileUpdate carries the optional fields of a profile change. Nil fields
// are left untouched.
type ProfileUpdate struct {
	Username          *string
	Description       *string
	ProfileImage      *string
	SmallProfileImage *string
	BackgroundImage   *string
}

// WarmState reports whether a user has been reconstructed into the cache.
type WarmState int

const (
	StateCold WarmState = iota
	StateWarm
)

func (s WarmState) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateWarm:
		return "warm"
	default:
		return "unknown"
	}
}
