package services

import (
	"errors"
	"fmt"

	"github.com/farmx/apiserver/internal/auth"
)

var (
	// ErrInvalidInput marks a request that is missing required fields.
	ErrInvalidInput = errors.New("invalid input")
	// ErrPasswordTooLong is an ErrInvalidInput for passwords bcrypt cannot hash.
	ErrPasswordTooLong = fmt.Errorf("%w: password must be at most %d bytes", ErrInvalidInput, auth.MaxPasswordBytes)
	// ErrDuplicateUser is returned by Signup when the email is already registered.
	ErrDuplicateUser = errors.New("user already exists")
	// ErrInvalidCredentials is returned by Login for an unknown email or a
	// wrong password alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrStoreUnavailable wraps credential store failures.
	ErrStoreUnavailable = errors.New("credential store unavailable")
	// ErrUploadFailed wraps failures to persist an uploaded asset.
	ErrUploadFailed = errors.New("upload failed")
)
