// Package gateway orchestrates one chat exchange: quota admission,
// transcript persistence, and the runtime completion call.
package gateway

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	apperrors "github.com/odvcencio/paddock/pkg/errors"
	"github.com/odvcencio/paddock/pkg/logging"
	"github.com/odvcencio/paddock/pkg/runtime"
	"github.com/odvcencio/paddock/pkg/storage"
)

// Completer produces a chat completion. Satisfied by *runtime.Client.
type Completer interface {
	Complete(ctx context.Context, sessionID, model, prompt string, opts runtime.Options) (string, error)
}

// Gateway composes the credential, quota, transcript, and runtime layers for
// chat traffic. Authentication happens at the HTTP boundary before Send.
type Gateway struct {
	store     *storage.Store
	completer Completer
	sem       *semaphore.Weighted
	logger    *logging.Logger
	now       func() time.Time
}

// New builds a gateway. maxConcurrent bounds in-flight runtime completions so
// a slow model cannot exhaust the request-handling pool.
func New(store *storage.Store, completer Completer, maxConcurrent int, logger *logging.Logger) *Gateway {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Gateway{
		store:     store,
		completer: completer,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		logger:    logger,
		now:       time.Now,
	}
}

// Send performs one chat exchange and returns the completion text.
//
// A quota rejection happens before anything is persisted. A runtime failure
// leaves the already-persisted user turn in place; the exchange is not rolled
// back.
func (g *Gateway) Send(ctx context.Context, sessionID, username, model, prompt string, opts runtime.Options) (string, error) {
	if sessionID == "" {
		return "", apperrors.New(apperrors.ErrCodeInvalidInput, "session id cannot be empty")
	}
	if model == "" || prompt == "" {
		return "", apperrors.New(apperrors.ErrCodeInvalidInput, "model and prompt are required")
	}

	if err := g.store.CheckAndConsume(username, storage.QuotaDate(g.now())); err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeQuotaExceeded) {
			_ = g.logger.Log(logging.Event{
				Level:     logging.LevelWarn,
				Category:  logging.CategoryGateway,
				EventType: "quota_rejected",
				Username:  username,
			})
		}
		return "", err
	}

	if err := g.store.EnsureSession(sessionID); err != nil {
		return "", err
	}
	if _, err := g.store.AppendMessage(sessionID, storage.RoleUser, model, prompt); err != nil {
		return "", err
	}

	text, err := g.complete(ctx, sessionID, model, prompt, opts)
	if err != nil {
		return "", err
	}

	if _, err := g.store.AppendMessage(sessionID, storage.RoleAssistant, model, text); err != nil {
		return "", err
	}

	_ = g.logger.Log(logging.Event{
		Level:     logging.LevelInfo,
		Category:  logging.CategoryGateway,
		EventType: "chat_exchanged",
		SessionID: sessionID,
		Username:  username,
		Details:   map[string]any{"model": model},
	})
	return text, nil
}

// complete runs the runtime call under the bounded pool.
func (g *Gateway) complete(ctx context.Context, sessionID, model, prompt string, opts runtime.Options) (string, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeUpstreamFailure, "completion pool unavailable")
	}
	defer g.sem.Release(1)

	return g.completer.Complete(ctx, sessionID, model, prompt, opts)
}
