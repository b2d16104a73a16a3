package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"chronicle/comments/internal/anchor"
	"chronicle/comments/internal/archive"
	"chronicle/comments/internal/auth"
	"chronicle/comments/internal/comments"
	"chronicle/comments/internal/export"
	"chronicle/comments/internal/gitrepo"
	"chronicle/comments/internal/lifecycle"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, comments.ErrValidation), errors.Is(err, anchor.ErrInvalidPosition):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, comments.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Comment not found", nil
	case errors.Is(err, lifecycle.ErrBusy):
		return http.StatusConflict, "EDIT_IN_PROGRESS", "Another comment is being drafted or edited", nil
	case errors.Is(err, lifecycle.ErrNotDrafting), errors.Is(err, lifecycle.ErrNotEditing):
		return http.StatusConflict, "NO_ACTIVE_SESSION", err.Error(), nil
	case errors.Is(err, comments.ErrAnchorInUse):
		return http.StatusConflict, "ANCHOR_IN_USE", "Anchor already carries a comment", nil
	case errors.Is(err, gitrepo.ErrNoHistory), errors.Is(err, archive.ErrNotFound), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Unsupported export format", nil
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
