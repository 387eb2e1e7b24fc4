// Package errors 提供應用程式錯誤處理
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// 定義錯誤碼
const (
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeAlreadyExists 資源已存在
	ErrCodeAlreadyExists = "ALREADY_EXISTS"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeRoomFull 房間已滿
	ErrCodeRoomFull = "ROOM_FULL"
	// ErrCodeInvalidTransition 非法狀態轉換
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
	// ErrCodeUnavailable 服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回帶有詳細資訊的副本
//
// 預定義錯誤是共享的，不能直接修改，所以這裡複製一份。
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrRoomNotFound 房間未找到
	ErrRoomNotFound = New(ErrCodeNotFound, "room not found")

	// ErrPlayerNotFound 玩家未找到
	ErrPlayerNotFound = New(ErrCodeNotFound, "player not found")

	// ErrAlreadyInRoom 連接已在該房間內
	ErrAlreadyInRoom = New(ErrCodeAlreadyExists, "connection already joined this room")

	// ErrRoomFull 房間已滿
	ErrRoomFull = New(ErrCodeRoomFull, "room is full")

	// ErrInvalidTransition 房間狀態不允許此操作
	ErrInvalidTransition = New(ErrCodeInvalidTransition, "operation not allowed in current room status")

	// ErrInvalidInput 無效輸入
	ErrInvalidInput = New(ErrCodeInvalidInput, "invalid input")

	// ErrStoreStopped 房間存儲已停止
	ErrStoreStopped = New(ErrCodeUnavailable, "room store stopped")

	// ErrArchiveDisabled 戰績存檔未啟用
	ErrArchiveDisabled = New(ErrCodeUnavailable, "results archive disabled")
)

// Code 取得錯誤碼，非 AppError 視為內部錯誤
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return err != nil && Code(err) == ErrCodeNotFound
}

// IsInvalidTransition 檢查是否為非法狀態轉換
func IsInvalidTransition(err error) bool {
	return err != nil && Code(err) == ErrCodeInvalidTransition
}

// IsRoomFull 檢查是否為房間已滿錯誤
func IsRoomFull(err error) bool {
	return err != nil && Code(err) == ErrCodeRoomFull
}

// IsUnavailable 檢查是否為服務不可用錯誤
func IsUnavailable(err error) bool {
	return err != nil && Code(err) == ErrCodeUnavailable
}

// HTTPStatus 將錯誤映射為 HTTP 狀態碼
func HTTPStatus(err error) int {
	switch Code(err) {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeAlreadyExists, ErrCodeRoomFull, ErrCodeInvalidTransition:
		return http.StatusConflict
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
