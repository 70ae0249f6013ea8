package timeline

import (
	"strconv"
	"strings"

	"github.com/blackmichael/timeline-cache/internal/domain"
)

// Cache key layout.
//
//	user:<uid>                    hash: profile fields, followerCount, timeline flags
//	username:<lower>              string: uid
//	user:<uid>:home               zset: home timeline (+ :attr hash)
//	user:<uid>:usertimeline       zset: own posts and reposts (+ :attr hash)
//	user:<uid>:likes              zset: liked posts by like time
//	user:<uid>:followers          set: follower uids
//	user:<uid>:reposts            set: reposted members
//	post                          hash: <pid>:<uid> -> CorePost, <pid>:<uid>:stats -> PostStats
//	post:<pid>:<uid>:comments     zset: comment thread
//	pending:post, pending:user    sets: aggregator work
const (
	postHashKey    = "post"
	pendingPostKey = "pending:post"
	pendingUserKey = "pending:user"
)

// Fields of the user:<uid> hash. The username field doubles as the warm marker.
const (
	fieldUsername          = "username"
	fieldProfileImage      = "profileImage"
	fieldSmallProfileImage = "smallProfileImage"
	fieldBackgroundImage   = "backgroundImage"
	fieldDescription       = "description"
	fieldFollowerCount     = "followerCount"
	fieldHomeBuilt         = "hometimeline"
	fieldUserBuilt         = "usertimeline"

	// Bumped whenever the matching timeline is invalidated. A build only
	// sets its flag if the generation it started from is still current.
	fieldHomeGen = "homegen"
	fieldUserGen = "usergen"
)

func uidString(uid int64) string {
	return strconv.FormatInt(uid, 10)
}

func userKey(uid int64) string {
	return "user:" + uidString(uid)
}

func usernameKey(username string) string {
	return "username:" + strings.ToLower(username)
}

func homeKey(uid int64) string      { return userKey(uid) + ":home" }
func ownKey(uid int64) string       { return userKey(uid) + ":usertimeline" }
func likesKey(uid int64) string     { return userKey(uid) + ":likes" }
func followersKey(uid int64) string { return userKey(uid) + ":followers" }
func repostsKey(uid int64) string   { return userKey(uid) + ":reposts" }

// attrKey holds the repost attribution of the entries of a timeline.
func attrKey(timelineKey string) string {
	return timelineKey + ":attr"
}

func statsField(ref domain.PostRef) string {
	return ref.Member() + ":stats"
}

func commentsKey(ref domain.PostRef) string {
	return "post:" + ref.Member() + ":comments"
}

func userKeys(uids []int64) []string {
	keys := make([]string, len(uids))
	for i, uid := range uids {
		keys[i] = userKey(uid)
	}
	return keys
}

// timelineKey maps a timeline onto its ordered set. The second result reports
// whether the family keeps repost attribution.
func timelineKey(t domain.Timeline) (string, bool) {
	switch t.Family {
	case domain.FamilyHome:
		return homeKey(t.UserID), true
	case domain.FamilyUser:
		return ownKey(t.UserID), true
	case domain.FamilyLikes:
		return likesKey(t.UserID), false
	default:
		return commentsKey(t.Post), false
	}
}
