package user

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/ovaphlow/pitchfork/service-onboarding/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-onboarding/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-onboarding/internal/user/repo"
)

const (
	defaultPageLimit = 10
	maxPageLimit     = 100
	maxNameLength    = 100
)

var (
	ErrInvalidFilterDOB = apperr.New(apperr.Validation, "Invalid filterDOB, use YYYY-MM-DD")
	ErrInvalidPage      = apperr.New(apperr.Validation, "Invalid page")
	ErrInvalidName      = apperr.New(apperr.Validation, "Name must be 1 to 100 characters")
	ErrInvalidAddress   = apperr.New(apperr.Validation, "Address must be a valid JSON object")
	ErrInvalidDOB       = apperr.New(apperr.Validation, "Invalid date, use YYYY-MM-DD")
)

type DashboardQuery struct {
	Search    string
	Page      int
	Limit     int
	FilterDOB string
}

type DashboardPage struct {
	Users      []entity.UserProfile `json:"users"`
	Total      int                  `json:"total"`
	Page       int                  `json:"page"`
	Limit      int                  `json:"limit"`
	TotalPages int                  `json:"totalPages"`
}

// Dashboard lists other users, searching name and email case-insensitively.
func (s *UserService) Dashboard(ctx context.Context, currentUserID int64, q DashboardQuery) (*DashboardPage, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = defaultPageLimit
	}
	if q.Limit > maxPageLimit {
		q.Limit = maxPageLimit
	}
	// the row offset must fit in an int
	if q.Page-1 > math.MaxInt/q.Limit {
		return nil, ErrInvalidPage
	}
	q.FilterDOB = strings.TrimSpace(q.FilterDOB)
	if q.FilterDOB != "" && !entity.ValidDate(q.FilterDOB) {
		return nil, ErrInvalidFilterDOB
	}
	items, total, err := s.store.ListUsers(ctx, entity.UserFilter{
		ExcludeID: currentUserID,
		Search:    strings.TrimSpace(q.Search),
		DOB:       q.FilterDOB,
		Limit:     q.Limit,
		Offset:    (q.Page - 1) * q.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return &DashboardPage{
		Users:      items,
		Total:      total,
		Page:       q.Page,
		Limit:      q.Limit,
		TotalPages: (total + q.Limit - 1) / q.Limit,
	}, nil
}

// ProfileUpdate carries the optional fields of an update request. Address
// is raw JSON so an explicit object can be told apart from an absent field.
type ProfileUpdate struct {
	Name    *string         `json:"name"`
	Address json.RawMessage `json:"address"`
	DOB     *string         `json:"dob"`
}

// UpdateProfile applies a partial update and returns the refreshed profile.
func (s *UserService) UpdateProfile(ctx context.Context, userID int64, in ProfileUpdate) (*entity.UserProfile, error) {
	var patch entity.ProfilePatch
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" || utf8.RuneCountInString(name) > maxNameLength {
			return nil, ErrInvalidName
		}
		patch.Name = &name
	}
	if len(in.Address) > 0 && string(in.Address) != "null" {
		doc, err := entity.ParseJSONObject(in.Address)
		if err != nil {
			return nil, ErrInvalidAddress
		}
		patch.Address = doc
	}
	if in.DOB != nil {
		dob := strings.TrimSpace(*in.DOB)
		if !entity.ValidDate(dob) {
			return nil, ErrInvalidDOB
		}
		patch.DOB = &dob
	}
	p, err := s.store.UpdateProfile(ctx, userID, patch)
	if err != nil {
		if errors.Is(err, userrepo.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("update profile: %w", err)
	}
	s.logger.Infow("profile updated", "user_id", userID)
	return p, nil
}
