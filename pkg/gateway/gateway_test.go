package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "github.com/odvcencio/paddock/pkg/errors"
	"github.com/odvcencio/paddock/pkg/logging"
	"github.com/odvcencio/paddock/pkg/runtime"
	"github.com/odvcencio/paddock/pkg/storage"
)

// fakeCompleter scripts runtime responses without spawning processes.
type fakeCompleter struct {
	mu       sync.Mutex
	response string
	err      error
	delay    time.Duration
	calls    int
	inFlight int
	maxSeen  int
}

func (f *fakeCompleter) Complete(ctx context.Context, sessionID, model, prompt string, opts runtime.Options) (string, error) {
	f.mu.Lock()
	f.calls++
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func newTestGateway(t *testing.T, completer Completer, maxConcurrent int) (*Gateway, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "paddock.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, completer, maxConcurrent, nil), store
}

func TestSendPersistsBothTurns(t *testing.T) {
	completer := &fakeCompleter{response: "hi there"}
	gw, store := newTestGateway(t, completer, 2)
	require.NoError(t, store.UpsertUser("alice", "secret", 10))

	text, err := gw.Send(context.Background(), "sess-1", "alice", "llama3", "hello", runtime.Options{})
	require.NoError(t, err)
	require.Equal(t, "hi there", text)

	messages, err := store.GetMessages("sess-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, storage.RoleUser, messages[0].Role)
	require.Equal(t, "hello", messages[0].Content)
	require.Equal(t, storage.RoleAssistant, messages[1].Role)
	require.Equal(t, "hi there", messages[1].Content)

	used, err := store.QuotaUsage("alice", storage.QuotaDate(time.Now()))
	require.NoError(t, err)
	require.Equal(t, 1, used)
}

func TestSendQuotaRejectionPersistsNothing(t *testing.T) {
	completer := &fakeCompleter{response: "unused"}
	gw, store := newTestGateway(t, completer, 2)
	require.NoError(t, store.UpsertUser("bob", "secret", 1))

	_, err := gw.Send(context.Background(), "sess-1", "bob", "llama3", "first", runtime.Options{})
	require.NoError(t, err)

	_, err = gw.Send(context.Background(), "sess-2", "bob", "llama3", "second", runtime.Options{})
	require.True(t, apperrors.IsCode(err, apperrors.ErrCodeQuotaExceeded))

	// The rejected exchange must not create the session or call the runtime.
	_, err = store.GetMessages("sess-2")
	require.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
	require.Equal(t, 1, completer.calls)
}

func TestSendRuntimeFailureKeepsUserTurn(t *testing.T) {
	completer := &fakeCompleter{err: apperrors.New(apperrors.ErrCodeUpstreamFailure, "model crashed")}
	gw, store := newTestGateway(t, completer, 2)
	require.NoError(t, store.UpsertUser("carol", "secret", 10))

	_, err := gw.Send(context.Background(), "sess-1", "carol", "llama3", "hello", runtime.Options{})
	require.True(t, apperrors.IsCode(err, apperrors.ErrCodeUpstreamFailure))

	messages, err := store.GetMessages("sess-1")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, storage.RoleUser, messages[0].Role)
}

func TestSendValidatesInput(t *testing.T) {
	gw, store := newTestGateway(t, &fakeCompleter{response: "x"}, 1)
	require.NoError(t, store.UpsertUser("dave", "secret", 10))

	_, err := gw.Send(context.Background(), "", "dave", "llama3", "hello", runtime.Options{})
	require.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))

	_, err = gw.Send(context.Background(), "sess-1", "dave", "", "hello", runtime.Options{})
	require.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))

	_, err = gw.Send(context.Background(), "sess-1", "dave", "llama3", "", runtime.Options{})
	require.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
}

func TestSendUnknownUser(t *testing.T) {
	gw, _ := newTestGateway(t, &fakeCompleter{response: "x"}, 1)

	_, err := gw.Send(context.Background(), "sess-1", "ghost", "llama3", "hello", runtime.Options{})
	require.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
}

func TestSendLogsPrincipalAndSession(t *testing.T) {
	dir := t.TempDir()
	logger, err := logging.NewLogger(dir)
	require.NoError(t, err)

	store, err := storage.New(filepath.Join(dir, "paddock.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.UpsertUser("alice", "secret", 1))

	gw := New(store, &fakeCompleter{response: "ok"}, 1, logger)
	_, err = gw.Send(context.Background(), "sess-1", "alice", "llama3", "hello", runtime.Options{})
	require.NoError(t, err)
	_, err = gw.Send(context.Background(), "sess-1", "alice", "llama3", "again", runtime.Options{})
	require.True(t, apperrors.IsCode(err, apperrors.ErrCodeQuotaExceeded))
	require.NoError(t, logger.Close())

	f, err := os.Open(filepath.Join(dir, "paddock.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	byType := map[string]logging.Event{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev logging.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		byType[ev.EventType] = ev
	}

	exchanged, ok := byType["chat_exchanged"]
	require.True(t, ok, "successful send must be logged")
	require.Equal(t, "alice", exchanged.Username)
	require.Equal(t, "sess-1", exchanged.SessionID)

	rejected, ok := byType["quota_rejected"]
	require.True(t, ok, "quota rejection must be logged")
	require.Equal(t, "alice", rejected.Username)
}

func TestSendBoundsConcurrentCompletions(t *testing.T) {
	completer := &fakeCompleter{response: "ok", delay: 50 * time.Millisecond}
	gw, store := newTestGateway(t, completer, 2)
	require.NoError(t, store.CreateAdmin("root", "secret"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := gw.Send(context.Background(), "sess-1", "root", "llama3", "hello", runtime.Options{})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	completer.mu.Lock()
	defer completer.mu.Unlock()
	require.Equal(t, 8, completer.calls)
	require.LessOrEqual(t, completer.maxSeen, 2, "pool must cap concurrent completions")
}
