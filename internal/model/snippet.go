// Package model defines the records the service stores and returns.
package model

import (
	"time"

	"github.com/sakif/codeflow/internal/executor"
)

// Snippet is saved source code that can be run again later.
type Snippet struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Language    executor.Language `json:"language"`
	Code        string            `json:"code"`
	Description string            `json:"description"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}
