package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_IsAndUnwrap(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		notFound bool
		code     string
	}{
		{
			name:     "not found",
			err:      NotFound("Change-set"),
			notFound: true,
			code:     ErrCodeNotFound,
		},
		{
			name:     "wrapped not found",
			err:      fmt.Errorf("read latest: %w", NotFound("Change-set")),
			notFound: true,
			code:     ErrCodeNotFound,
		},
		{
			name: "store error",
			err:  StoreError("Failed to write change-set", io.ErrShortWrite),
			code: ErrCodeStore,
		},
		{
			name: "plain error",
			err:  io.EOF,
			code: ErrCodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.notFound, IsNotFound(tt.err))
			assert.Equal(t, tt.code, Code(tt.err))
		})
	}
}

func TestAppError_ErrorMessage(t *testing.T) {
	err := SyncError("Failed to upload change-set", io.ErrUnexpectedEOF)
	assert.Equal(t, "Failed to upload change-set: unexpected EOF", err.Error())
	assert.True(t, stderrors.Is(err, io.ErrUnexpectedEOF))

	cfg := ConfigError("Invalid drift definition", []string{"name is required"})
	assert.True(t, IsConfig(cfg))
	assert.Equal(t, 400, cfg.StatusCode)
}

func TestAs(t *testing.T) {
	appErr := As(io.EOF)
	assert.Equal(t, ErrCodeInternal, appErr.Code)
	assert.Equal(t, 500, appErr.StatusCode)

	orig := Timeout("Scan exceeded budget", nil)
	assert.Same(t, orig, As(fmt.Errorf("scan: %w", orig)))
}
