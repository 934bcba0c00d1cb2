package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	type payload struct {
		UserID string  `validate:"required"`
		Amount float64 `validate:"required,gt=0"`
	}

	t.Run("valid struct", func(t *testing.T) {
		assert.NoError(t, vh.ValidateStruct(&payload{UserID: "alice", Amount: 10}))
	})

	t.Run("missing and out-of-range fields", func(t *testing.T) {
		assert.Error(t, vh.ValidateStruct(&payload{Amount: -1}))
	})
}

func TestSendErrorResponse(t *testing.T) {
	t.Run("plain error", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendErrorResponse(w, "boom", http.StatusTeapot, nil)

		assert.Equal(t, http.StatusTeapot, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var resp ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "boom", resp.Error)
		assert.Empty(t, resp.Details)
	})

	t.Run("validation details included", func(t *testing.T) {
		vh := NewValidationHelper()
		err := vh.ValidateStruct(&struct {
			UserID string `validate:"required"`
		}{})
		assert.Error(t, err)

		w := httptest.NewRecorder()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)

		var resp ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Contains(t, resp.Details, "UserID")
	})
}
