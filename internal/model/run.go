package model

import (
	"time"

	"github.com/sakif/codeflow/internal/executor"
)

// Run is one recorded execution: what was submitted and what came back.
//
// CodeDigest is the hex BLAKE2b-256 of Code, so identical submissions can be
// grouped without comparing sources. ErrorKind is executor.KindName of the
// failure, empty on success.
type Run struct {
	ID           string            `json:"id"`
	SessionID    string            `json:"sessionId,omitempty"`
	SnippetID    string            `json:"snippetId,omitempty"`
	Language     executor.Language `json:"language"`
	Code         string            `json:"code"`
	CodeDigest   string            `json:"codeDigest"`
	Stdout       string            `json:"stdout"`
	Stderr       string            `json:"stderr"`
	ExitCode     int               `json:"exitCode"`
	Duration     time.Duration     `json:"duration"`
	Success      bool              `json:"success"`
	Stage        executor.Stage    `json:"stage,omitempty"`
	Truncated    bool              `json:"truncated"`
	ErrorKind    string            `json:"errorKind,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}
