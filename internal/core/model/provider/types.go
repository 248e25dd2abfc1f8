// Package provider defines the response-generation contract the
// conversation loop depends on, keeping model backends swappable.
package provider

import (
	"context"
	"errors"
)

var (
	// ErrGenerationTimeout means the model did not answer inside the
	// per-turn deadline.
	ErrGenerationTimeout = errors.New("provider: generation timed out")
	// ErrGenerationFailed covers any other model failure.
	ErrGenerationFailed = errors.New("provider: generation failed")
)

type Role string

const (
	RoleCaller Role = "user"
	RoleAgent  Role = "model"
)

// Turn is one finished utterance in the conversation history.
type Turn struct {
	Role Role
	Text string
}

// Request carries everything the model needs for one reply.
type Request struct {
	SystemPrompt string
	History      []Turn
	UserText     string
}

// Generator produces a streamed reply. The returned channel delivers text
// chunks as the model emits them and is closed when the reply is complete or
// the stream breaks. A generation is not restartable; canceling ctx aborts
// it and any partial output must be discarded by the caller.
type Generator interface {
	Generate(ctx context.Context, req Request) (<-chan string, error)
}
