package app

import "errors"

var (
	ErrQuestionRequired = errors.New("question required")
	ErrContentRequired  = errors.New("document content required")
	ErrDocumentTooShort = errors.New("document text too short")
	ErrDocumentNotFound = errors.New("document not found")
	ErrUnsupportedFile  = errors.New("unsupported file type")
	ErrUnreadableFile   = errors.New("file could not be read")
	ErrHistoryNotFound  = errors.New("chat history not found")
	ErrUserNotFound     = errors.New("user not found")
)
