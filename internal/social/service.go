// Package social runs the user-facing write operations: each one mutates the
// source store first and then hands the event to the timeline engine.
package social

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/blackmichael/timeline-cache/internal/domain"
)

// Timelines is the part of the timeline engine the write path drives.
type Timelines interface {
	OnPostCreated(ctx context.Context, authorID int64, post domain.CorePost, replyTarget *domain.PostRef) error
	OnPostDeleted(ctx context.Context, authorID int64, ref domain.PostRef, replyTarget *domain.PostRef) error
	OnLiked(ctx context.Context, uid int64, like domain.Engagement) error
	OnUnliked(ctx context.Context, uid int64, ref domain.PostRef) error
	OnReposted(ctx context.Context, uid int64, repost domain.Engagement) error
	OnUnreposted(ctx context.Context, uid int64, ref domain.PostRef) error
	OnFollowed(ctx context.Context, follower, followee int64) error
	OnUnfollowed(ctx context.Context, follower, followee int64) error
	RefreshProfile(ctx context.Context, uid int64) error
}

// NewUser is the payload of a sign-up.
type NewUser struct {
	Username          string `json:"username" validate:"required,alphanum,min=3,max=30"`
	Description       string `json:"description" validate:"max=160"`
	ProfileImage      string `json:"profileImage" validate:"max=255"`
	SmallProfileImage string `json:"smallProfileImage" validate:"max=255"`
	BackgroundImage   string `json:"backgroundImage" validate:"max=255"`
}

// NewPost is the payload of a post or, with ReplyTo set, a comment.
type NewPost struct {
	Body    string          `json:"message" validate:"required,max=1000"`
	ReplyTo *domain.PostRef `json:"replyTo,omitempty"`
}

// ProfileChange is the payload of a profile update.
type ProfileChange struct {
	Username          *string `json:"username,omitempty" validate:"omitempty,alphanum,min=3,max=30"`
	Description       *string `json:"description,omitempty" validate:"omitempty,max=160"`
	ProfileImage      *string `json:"profileImage,omitempty" validate:"omitempty,max=255"`
	SmallProfileImage *string `json:"smallProfileImage,omitempty" validate:"omitempty,max=255"`
	BackgroundImage   *string `json:"backgroundImage,omitempty" validate:"omitempty,max=255"`
}

// Service applies writes to the store of record and the timeline cache.
type Service struct {
	store     domain.WriteStore
	timelines Timelines
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewService creates a Service.
func NewService(store domain.WriteStore, timelines Timelines, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		timelines: timelines,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger,
	}
}

func (s *Service) check(payload any) error {
	if err := s.validate.Struct(payload); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("%w: %s", domain.ErrInvalidArgument, verrs.Error())
		}
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

// cacheFailed logs and wraps a timeline hook failure. The source store
// already holds the change; the cache converges on the next cold start.
func (s *Service) cacheFailed(op string, err error, args ...any) error {
	s.logger.Error("timeline update failed after commit", append([]any{"op", op, "error", err}, args...)...)
	return fmt.Errorf("%s: %w", op, err)
}

// CreateUser signs up a new user.
func (s *Service) CreateUser(ctx context.Context, in NewUser) (*domain.Profile, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	profile, err := s.store.CreateUser(ctx, domain.Profile{
		Username:          in.Username,
		Description:       in.Description,
		ProfileImage:      in.ProfileImage,
		SmallProfileImage: in.SmallProfileImage,
		BackgroundImage:   in.BackgroundImage,
	})
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	s.logger.Info("user created", "uid", profile.UserID, "username", profile.Username)
	return profile, nil
}

// UpdateProfile changes the profile of uid.
func (s *Service) UpdateProfile(ctx context.Context, uid int64, in ProfileChange) error {
	if err := s.check(in); err != nil {
		return err
	}
	err := s.store.UpdateProfile(ctx, uid, domain.ProfileUpdate{
		Username:          in.Username,
		Description:       in.Description,
		ProfileImage:      in.ProfileImage,
		SmallProfileImage: in.SmallProfileImage,
		BackgroundImage:   in.BackgroundImage,
	})
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	if err := s.timelines.RefreshProfile(ctx, uid); err != nil {
		return s.cacheFailed("refresh profile", err, "uid", uid)
	}
	return nil
}

// CreatePost publishes a post, or a comment when in.ReplyTo is set.
func (s *Service) CreatePost(ctx context.Context, uid int64, in NewPost) (*domain.CorePost, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	var replyTo *domain.PostRef
	if in.ReplyTo != nil {
		target := in.ReplyTo.Identity()
		replyTo = &target
	}

	post, err := s.store.InsertPost(ctx, uid, in.Body, replyTo)
	if err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}
	if err := s.timelines.OnPostCreated(ctx, uid, *post, replyTo); err != nil {
		return nil, s.cacheFailed("fan out post", err, "post", post.Ref().Member())
	}
	return post, nil
}

// DeletePost deletes a post of uid.
func (s *Service) DeletePost(ctx context.Context, uid, pid int64) error {
	ref := domain.PostRef{PostID: pid, AuthorID: uid}
	parent, err := s.store.DeletePost(ctx, ref)
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	if err := s.timelines.OnPostDeleted(ctx, uid, ref, parent); err != nil {
		return s.cacheFailed("remove post", err, "post", ref.Member())
	}
	return nil
}

// Like records that uid likes ref.
func (s *Service) Like(ctx context.Context, uid int64, ref domain.PostRef) error {
	like, err := s.store.InsertLike(ctx, uid, ref.Identity())
	if err != nil {
		return fmt.Errorf("like: %w", err)
	}
	if err := s.timelines.OnLiked(ctx, uid, *like); err != nil {
		return s.cacheFailed("record like", err, "uid", uid, "post", ref.Member())
	}
	return nil
}

// Unlike withdraws a like.
func (s *Service) Unlike(ctx context.Context, uid int64, ref domain.PostRef) error {
	if err := s.store.DeleteLike(ctx, uid, ref.Identity()); err != nil {
		return fmt.Errorf("unlike: %w", err)
	}
	if err := s.timelines.OnUnliked(ctx, uid, ref.Identity()); err != nil {
		return s.cacheFailed("remove like", err, "uid", uid, "post", ref.Member())
	}
	return nil
}

// Repost shares ref with the followers of uid.
func (s *Service) Repost(ctx context.Context, uid int64, ref domain.PostRef) error {
	repost, err := s.store.InsertRepost(ctx, uid, ref.Identity())
	if err != nil {
		return fmt.Errorf("repost: %w", err)
	}
	if err := s.timelines.OnReposted(ctx, uid, *repost); err != nil {
		return s.cacheFailed("fan out repost", err, "uid", uid, "post", ref.Member())
	}
	return nil
}

// Unrepost withdraws a repost.
func (s *Service) Unrepost(ctx context.Context, uid int64, ref domain.PostRef) error {
	if err := s.store.DeleteRepost(ctx, uid, ref.Identity()); err != nil {
		return fmt.Errorf("unrepost: %w", err)
	}
	if err := s.timelines.OnUnreposted(ctx, uid, ref.Identity()); err != nil {
		return s.cacheFailed("withdraw repost", err, "uid", uid, "post", ref.Member())
	}
	return nil
}

// Follow makes follower follow followee.
func (s *Service) Follow(ctx context.Context, follower, followee int64) error {
	if follower == followee {
		return fmt.Errorf("%w: cannot follow yourself", domain.ErrInvalidArgument)
	}
	if err := s.store.InsertFollow(ctx, follower, followee); err != nil {
		return fmt.Errorf("follow: %w", err)
	}
	if err := s.timelines.OnFollowed(ctx, follower, followee); err != nil {
		return s.cacheFailed("record follow", err, "uid", follower, "fid", followee)
	}
	return nil
}

// Unfollow removes a follow.
func (s *Service) Unfollow(ctx context.Context, follower, followee int64) error {
	if err := s.store.DeleteFollow(ctx, follower, followee); err != nil {
		return fmt.Errorf("unfollow: %w", err)
	}
	if err := s.timelines.OnUnfollowed(ctx, follower, followee); err != nil {
		return s.cacheFailed("record unfollow", err, "uid", follower, "fid", followee)
	}
	return nil
}
