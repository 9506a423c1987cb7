// Package directory is the boundary to the system of record that owns users,
// contacts, chats and message history. The relay never persists anything
// itself; it asks a Directory.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chat-relay/internal/models"
)

var (
	// ErrFailed marks a call the backend answered with an error value.
	ErrFailed      = errors.New("directory call failed")
	ErrUnsupported = errors.New("directory operation not supported")
)

// FailureError carries the error text the backend returned.
type FailureError struct {
	Method string
	Value  string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Value)
}

func (e *FailureError) Is(target error) bool { return target == ErrFailed }

func failure(method, format string, args ...any) error {
	return &FailureError{Method: method, Value: "Error: " + fmt.Sprintf(format, args...)}
}

var (
	_ Directory = (*REST)(nil)
	_ Directory = (*Postgres)(nil)
)

// Directory is implemented by every backend the relay can sit in front of.
// Calls block and must not be made from the event loop.
type Directory interface {
	ContactList(ctx context.Context, cred models.Credentials) (*models.ContactList, error)
	PendingChatIDs(ctx context.Context, cred models.Credentials) ([]string, error)
	LatestPreviews(ctx context.Context, cred models.Credentials) ([]models.ChatPreview, error)
	ChatInfo(ctx context.Context, req models.ChatInfoRequest) (*models.ChatInfo, error)
	AllUsers(ctx context.Context) ([]models.DirectoryUser, error)

	NewMessage(ctx context.Context, cred models.Credentials, chatKey, text string, at time.Time) error
	MarkSeen(ctx context.Context, cred models.Credentials, chatKey string, at time.Time) error
	SetBlocked(ctx context.Context, cred models.Credentials, targetUserKey string, blocked bool) error
	SetDisabled(ctx context.Context, cred models.Credentials, disabled bool) error
	Leave(ctx context.Context, cred models.Credentials, chatKey string, at time.Time) error
	Join(ctx context.Context, cred models.Credentials, chatKey, targetUserKey string, at time.Time) error

	// SetPicture stores a new profile picture and returns its hash.
	SetPicture(ctx context.Context, cred models.Credentials, postData map[string]string) (string, error)
	// UploadFile stores a chat attachment and returns its download url.
	UploadFile(ctx context.Context, cred models.Credentials, postData map[string]string) (string, error)
}
