package services

import (
	"errors"

	"github.com/WimpyvL/zappy-health-app-sub000/internal/models"
)

var (
	ErrForbidden            = errors.New("forbidden")
	ErrInvalidInput         = errors.New("invalid input")
	ErrEmptyMessage         = models.ErrEmptyMessage
	ErrMessageTooLong       = models.ErrMessageTooLong
	ErrDoctorNotFound       = errors.New("doctor not found")
	ErrConversationNotFound = errors.New("conversation not found")
)
