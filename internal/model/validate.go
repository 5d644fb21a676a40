package model

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jefftrojan/twigane/internal/apperrors"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks r and returns an error wrapping apperrors.ErrValidation
// that names every offending field. now is used to reject expiries that
// are already in the past.
func (r *CreateRequest) Validate(now time.Time) error {
	r.UserID = strings.TrimSpace(r.UserID)
	r.TitleRW = strings.TrimSpace(r.TitleRW)
	r.MessageRW = strings.TrimSpace(r.MessageRW)

	if err := validatorInstance().Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", apperrors.ErrValidation, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}
	if exp := r.expiry(now); exp != nil && !exp.After(now) {
		return fmt.Errorf("%w: expires_at is in the past", apperrors.ErrValidation)
	}
	return nil
}

// expiry resolves ttl_seconds or expires_at against now. TTLSeconds is
// bounded by its validate tag, so the multiplication cannot overflow.
func (r *CreateRequest) expiry(now time.Time) *time.Time {
	switch {
	case r.TTLSeconds > 0:
		exp := now.UTC().Add(time.Duration(r.TTLSeconds) * time.Second)
		return &exp
	case r.ExpiresAt != nil:
		exp := r.ExpiresAt.UTC()
		return &exp
	}
	return nil
}

// Build turns a validated request into a Notification created at now.
func (r *CreateRequest) Build(id string, now time.Time) *Notification {
	n := &Notification{
		ID:        id,
		UserID:    r.UserID,
		TitleRW:   r.TitleRW,
		TitleEN:   r.TitleEN,
		MessageRW: r.MessageRW,
		MessageEN: r.MessageEN,
		Type:      r.Type,
		Priority:  r.Priority,
		ActionURL: r.ActionURL,
		CreatedAt: now.UTC(),
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	n.ExpiresAt = r.expiry(now)
	return n
}
