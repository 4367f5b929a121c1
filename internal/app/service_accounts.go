package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"marginalia/api/internal/rbac"
	"marginalia/api/internal/store"
	"marginalia/api/internal/util"
)

type TagInput struct {
	Title   string `json:"title" validate:"required,max=60"`
	Color   string `json:"color" validate:"omitempty,hexcolor"`
	GroupID string `json:"groupId"`
}

type TagPatch struct {
	Title   *string `json:"title" validate:"omitempty,min=1,max=60"`
	Color   *string `json:"color" validate:"omitempty,hexcolor"`
	GroupID *string `json:"groupId"`
}

type TagGroupInput struct {
	Title string `json:"title" validate:"required,max=60"`
}

type InviteInput struct {
	Role  string `json:"role" validate:"omitempty,oneof=member admin"`
	Email string `json:"email" validate:"omitempty,email"`
}

type PasswordInput struct {
	Current string `json:"currentPassword" validate:"required"`
	Next    string `json:"newPassword" validate:"required,min=8"`
}

type UserView struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Service) ListTags(ctx context.Context) ([]store.Tag, error) {
	return s.store.ListTags(ctx)
}

func (s *Service) CreateTag(ctx context.Context, input TagInput) (store.Tag, error) {
	groupID := input.GroupID
	if groupID == "" {
		groupID = store.DefaultTagGroup
	}
	if err := s.checkGroup(ctx, groupID); err != nil {
		return store.Tag{}, err
	}
	tag := store.Tag{
		ID:        util.NewID(""),
		Title:     strings.TrimSpace(input.Title),
		Color:     input.Color,
		GroupID:   groupID,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateTag(ctx, tag); err != nil {
		return store.Tag{}, err
	}
	return tag, nil
}

func (s *Service) UpdateTag(ctx context.Context, id string, patch TagPatch) (store.Tag, error) {
	tag, err := s.store.GetTag(ctx, id)
	if err != nil {
		return store.Tag{}, err
	}
	if patch.Title != nil {
		tag.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.Color != nil {
		tag.Color = *patch.Color
	}
	if patch.GroupID != nil {
		if err := s.checkGroup(ctx, *patch.GroupID); err != nil {
			return store.Tag{}, err
		}
		tag.GroupID = *patch.GroupID
	}
	if err := s.store.UpdateTag(ctx, tag); err != nil {
		return store.Tag{}, err
	}
	return tag, nil
}

// DeleteTag removes the tag and strips it from every article carrying it.
func (s *Service) DeleteTag(ctx context.Context, id string) error {
	return s.store.DeleteTag(ctx, id, s.now().UnixMilli())
}

func (s *Service) checkGroup(ctx context.Context, groupID string) error {
	if groupID == store.DefaultTagGroup {
		return nil
	}
	groups, err := s.store.ListTagGroups(ctx)
	if err != nil {
		return err
	}
	for _, group := range groups {
		if group.ID == groupID {
			return nil
		}
	}
	return validationError("unknown tag group")
}

func (s *Service) ListTagGroups(ctx context.Context) ([]store.TagGroup, error) {
	return s.store.ListTagGroups(ctx)
}

func (s *Service) ensureDefaultTagGroup(ctx context.Context) error {
	groups, err := s.store.ListTagGroups(ctx)
	if err != nil {
		return err
	}
	for _, group := range groups {
		if group.ID == store.DefaultTagGroup {
			return nil
		}
	}
	return s.store.CreateTagGroup(ctx, store.TagGroup{
		ID:        store.DefaultTagGroup,
		Title:     "Default",
		CreatedAt: s.now().UTC(),
	})
}

func (s *Service) CreateTagGroup(ctx context.Context, input TagGroupInput) (store.TagGroup, error) {
	group := store.TagGroup{
		ID:        util.NewID(""),
		Title:     strings.TrimSpace(input.Title),
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateTagGroup(ctx, group); err != nil {
		return store.TagGroup{}, err
	}
	return group, nil
}

func (s *Service) RenameTagGroup(ctx context.Context, id string, input TagGroupInput) (store.TagGroup, error) {
	group := store.TagGroup{ID: id, Title: strings.TrimSpace(input.Title)}
	if err := s.store.UpdateTagGroup(ctx, group); err != nil {
		return store.TagGroup{}, err
	}
	groups, err := s.store.ListTagGroups(ctx)
	if err != nil {
		return store.TagGroup{}, err
	}
	for _, g := range groups {
		if g.ID == id {
			return g, nil
		}
	}
	return group, nil
}

// DeleteTagGroup moves the group's tags to the default group. The default
// group itself cannot be deleted.
func (s *Service) DeleteTagGroup(ctx context.Context, id string) error {
	if id == store.DefaultTagGroup {
		return validationError("the default tag group cannot be deleted")
	}
	return s.store.DeleteTagGroup(ctx, id)
}

func (s *Service) CreateInvite(ctx context.Context, session Session, input InviteInput) (store.Invite, error) {
	role := input.Role
	if role == "" {
		role = string(rbac.RoleMember)
	}
	if !rbac.Valid(role) {
		return store.Invite{}, validationError("role must be member or admin")
	}
	now := s.now().UTC()
	invite := store.Invite{
		Code:      util.NewToken(12),
		Role:      role,
		Email:     strings.TrimSpace(input.Email),
		CreatedBy: session.UserID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.InviteTTL),
	}
	if err := s.store.CreateInvite(ctx, invite); err != nil {
		return store.Invite{}, err
	}
	s.log.Info("created invite", zap.String("role", invite.Role), zap.String("by", session.Username))

	if invite.Email != "" && s.mailer != nil && s.mailer.IsConfigured() {
		if err := s.mailer.SendInvite(invite.Email, invite.Code, invite.Role, invite.ExpiresAt); err != nil {
			s.log.Warn("send invite email", zap.Error(err))
		}
	}
	return invite, nil
}

func (s *Service) ListInvites(ctx context.Context) ([]store.Invite, error) {
	return s.store.ListInvites(ctx)
}

func (s *Service) DeleteInvite(ctx context.Context, code string) error {
	return s.store.DeleteInvite(ctx, code)
}

func (s *Service) ListUsers(ctx context.Context) ([]UserView, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]UserView, 0, len(users))
	for _, u := range users {
		views = append(views, UserView{ID: u.ID, Username: u.Username, Role: u.Role, CreatedAt: u.CreatedAt})
	}
	return views, nil
}

// DeleteUser refuses to remove the caller's own account.
func (s *Service) DeleteUser(ctx context.Context, session Session, id string) error {
	if id == session.UserID {
		return domainError(http.StatusConflict, CodeConflict, "You cannot delete your own account", nil)
	}
	if err := s.store.DeleteUser(ctx, id); err != nil {
		return err
	}
	s.log.Info("deleted user", zap.String("user", id), zap.String("by", session.Username))
	return nil
}

func (s *Service) ChangePassword(ctx context.Context, session Session, input PasswordInput) error {
	err := s.passwords.ChangePassword(ctx, session.UserID, input.Current, input.Next)
	if errors.Is(err, store.ErrNotFound) {
		return domainError(http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
	}
	return err
}
