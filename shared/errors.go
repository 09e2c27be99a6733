package shared

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
)

type AppError struct {
	StatusCode int
	Code       string
	Message    string
	Data       interface{}
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewAppError(statusCode int, code, message string, err error) *AppError {
	return &AppError{
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
		Err:        err,
	}
}

func (e *AppError) WithData(data interface{}) *AppError {
	e.Data = data
	return e
}

func NewBadRequestError(err error, message string) *AppError {
	return NewAppError(http.StatusBadRequest, ErrCodeBadRequest, message, err)
}

func NewUnauthorizedError(code, message string) *AppError {
	return NewAppError(http.StatusUnauthorized, code, message, nil)
}

func NewUnprocessableError(code string, err error, message string) *AppError {
	return NewAppError(http.StatusUnprocessableEntity, code, message, err)
}

func NewServiceUnavailableError(err error, message string) *AppError {
	return NewAppError(http.StatusServiceUnavailable, ErrCodeServiceDegraded, message, err)
}

func NewInternalError(err error, message string) *AppError {
	return NewAppError(http.StatusInternalServerError, ErrCodeInternalError, message, err)
}

func GetAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// ErrorKind separates failures that justify failing open from data that cannot be trusted.
type ErrorKind string

const (
	KindUnavailable ErrorKind = "unavailable"
	KindCorrupt     ErrorKind = "corrupt"
)

const (
	StoreCache    = "cache"
	StoreDatabase = "database"
)

// StoreError wraps every failure coming out of the counter cache or durable storage.
type StoreError struct {
	Store string
	Kind  ErrorKind
	Op    string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", e.Store, e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewCacheError classifies a cache client error. nil stays nil.
func NewCacheError(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *StoreError
	if errors.As(err, &existing) {
		return err
	}
	return &StoreError{Store: StoreCache, Kind: ClassifyCacheError(err), Op: op, Err: err}
}

func NewCorruptCacheError(op string, err error) error {
	return &StoreError{Store: StoreCache, Kind: KindCorrupt, Op: op, Err: err}
}

// NewStorageError marks a durable storage failure as unavailable.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Store: StoreDatabase, Kind: KindUnavailable, Op: op, Err: err}
}

func NewCorruptStorageError(op string, err error) error {
	return &StoreError{Store: StoreDatabase, Kind: KindCorrupt, Op: op, Err: err}
}

func GetStoreError(err error) (*StoreError, bool) {
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return storeErr, true
	}
	return nil, false
}

func IsUnavailable(err error) bool {
	storeErr, ok := GetStoreError(err)
	return ok && storeErr.Kind == KindUnavailable
}

func IsCorrupt(err error) bool {
	storeErr, ok := GetStoreError(err)
	return ok && storeErr.Kind == KindCorrupt
}

func IsCacheUnavailable(err error) bool {
	storeErr, ok := GetStoreError(err)
	return ok && storeErr.Store == StoreCache && storeErr.Kind == KindUnavailable
}

// ClassifyCacheError decides the kind from the error itself rather than from
// which client call produced it.
func ClassifyCacheError(err error) ErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, redis.ErrClosed),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return KindUnavailable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindUnavailable
	}

	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		msg := redisErr.Error()
		if strings.HasPrefix(msg, "WRONGTYPE") || strings.Contains(msg, "not a valid float") ||
			strings.Contains(msg, "not an integer") {
			return KindCorrupt
		}
		return KindUnavailable
	}

	// Unknown client failures fail open; only recognised data errors are corrupt.
	return KindUnavailable
}
