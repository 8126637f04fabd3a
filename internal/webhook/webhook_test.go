package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/events"
	"github.com/taskwire-io/taskwire/internal/repositories/repotest"
	"github.com/taskwire-io/taskwire/internal/types"
)

type capture struct {
	body        []byte
	signature   string
	contentType string
}

// target is a scripted webhook receiver. It answers with the configured
// status codes in order, repeating the last one, and records every request.
type target struct {
	srv   *httptest.Server
	mu    sync.Mutex
	codes []int
	got   chan capture
}

func newTarget(t *testing.T, codes ...int) *target {
	tg := &target{got: make(chan capture, 16), codes: codes}
	tg.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		tg.got <- capture{
			body:        body,
			signature:   r.Header.Get(signatureHeader),
			contentType: r.Header.Get("Content-Type"),
		}

		tg.mu.Lock()
		code := http.StatusOK
		if len(tg.codes) > 0 {
			code = tg.codes[0]
			if len(tg.codes) > 1 {
				tg.codes = tg.codes[1:]
			}
		}
		tg.mu.Unlock()
		w.WriteHeader(code)
	}))
	t.Cleanup(tg.srv.Close)
	return tg
}

func (tg *target) expect(t *testing.T) capture {
	t.Helper()
	select {
	case c := <-tg.got:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no webhook delivery arrived")
		return capture{}
	}
}

func (tg *target) expectNone(t *testing.T) {
	t.Helper()
	select {
	case c := <-tg.got:
		t.Fatalf("unexpected delivery: %s", c.body)
	case <-time.After(150 * time.Millisecond):
	}
}

type fixture struct {
	dispatcher *Dispatcher
	webhooks   *repotest.WebhookRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{webhooks: repotest.NewWebhookRepo()}
	f.dispatcher = NewDispatcher(f.webhooks, zap.NewNop())
	f.dispatcher.backoff = func(int) time.Duration { return time.Millisecond }

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.dispatcher.Start(ctx)
	return f
}

func (f *fixture) addWebhook(t *testing.T, ownerID uuid.UUID, url, secret string, active bool, evs ...types.EventType) *db.Webhook {
	t.Helper()
	wh := &db.Webhook{
		OwnerID:  ownerID,
		URL:      url,
		Secret:   db.EncryptedString(secret),
		IsActive: active,
	}
	require.NoError(t, wh.SetEvents(evs))
	require.NoError(t, f.webhooks.Create(context.Background(), wh))
	return wh
}

func TestDeliveryIsSignedAndCanonical(t *testing.T) {
	f := newFixture(t)
	tg := newTarget(t, http.StatusOK)

	owner := uuid.New()
	f.addWebhook(t, owner, tg.srv.URL, "wh-secret", true, types.EventTaskCompleted)

	taskID := uuid.New()
	f.dispatcher.HandleEvent(context.Background(), events.Event{
		Type:      types.EventTaskCompleted,
		UserID:    owner,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"title": "collect uptime"},
	})

	c := tg.expect(t)
	assert.Equal(t, "application/json", c.contentType)

	var body struct {
		Event     types.EventType `json:"event"`
		Timestamp string          `json:"timestamp"`
		Data      map[string]any  `json:"data"`
	}
	require.NoError(t, json.Unmarshal(c.body, &body))
	assert.Equal(t, types.EventTaskCompleted, body.Event)
	assert.Equal(t, "collect uptime", body.Data["title"])
	assert.Equal(t, taskID.String(), body.Data["task_id"])
	_, err := time.Parse(time.RFC3339, body.Timestamp)
	assert.NoError(t, err)

	// Canonical rendering: keys in sorted order.
	assert.True(t, bytes.HasPrefix(c.body, []byte(`{"data":`)), "body not canonical: %s", c.body)

	// The signature must verify against the exact received bytes.
	require.True(t, strings.HasPrefix(c.signature, "sha256="))
	mac := hmac.New(sha256.New, []byte("wh-secret"))
	mac.Write(c.body)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), strings.TrimPrefix(c.signature, "sha256="))
}

func TestUnsubscribedEventIsSkipped(t *testing.T) {
	f := newFixture(t)
	tg := newTarget(t, http.StatusOK)

	owner := uuid.New()
	f.addWebhook(t, owner, tg.srv.URL, "s", true, types.EventTaskFailed)

	f.dispatcher.HandleEvent(context.Background(), events.Event{
		Type: types.EventTaskCompleted, UserID: owner, Timestamp: time.Now(),
	})
	f.dispatcher.HandleEvent(context.Background(), events.Event{
		Type: types.EventTaskFailed, UserID: owner, Timestamp: time.Now(),
	})

	// The first delivery must be the failure — the completion never matched.
	var body struct {
		Event types.EventType `json:"event"`
	}
	require.NoError(t, json.Unmarshal(tg.expect(t).body, &body))
	assert.Equal(t, types.EventTaskFailed, body.Event)
	tg.expectNone(t)
}

func TestRetriesUntilSuccess(t *testing.T) {
	f := newFixture(t)
	tg := newTarget(t, http.StatusInternalServerError, http.StatusBadGateway, http.StatusOK)

	owner := uuid.New()
	f.addWebhook(t, owner, tg.srv.URL, "s", true, types.EventTaskCompleted)

	f.dispatcher.HandleEvent(context.Background(), events.Event{
		Type: types.EventTaskCompleted, UserID: owner, Timestamp: time.Now(),
	})

	first := tg.expect(t)
	second := tg.expect(t)
	third := tg.expect(t)
	// Every attempt carries the identical signed body.
	assert.Equal(t, first.body, second.body)
	assert.Equal(t, first.body, third.body)
	tg.expectNone(t)
}

func TestGivesUpAfterBackoffIsSpent(t *testing.T) {
	f := newFixture(t)
	tg := newTarget(t, http.StatusInternalServerError)

	owner := uuid.New()
	f.addWebhook(t, owner, tg.srv.URL, "s", true, types.EventTaskCompleted)

	f.dispatcher.HandleEvent(context.Background(), events.Event{
		Type: types.EventTaskCompleted, UserID: owner, Timestamp: time.Now(),
	})

	for i := 0; i < maxAttempts; i++ {
		tg.expect(t)
	}
	tg.expectNone(t)

	t.Run("dispatcher keeps serving after a drop", func(t *testing.T) {
		healthy := newTarget(t, http.StatusOK)
		f.addWebhook(t, owner, healthy.srv.URL, "s", true, types.EventTaskFailed)

		f.dispatcher.HandleEvent(context.Background(), events.Event{
			Type: types.EventTaskFailed, UserID: owner, Timestamp: time.Now(),
		})
		healthy.expect(t)
	})
}

func TestInactiveSubscriptionIsSkipped(t *testing.T) {
	f := newFixture(t)
	disabled := newTarget(t, http.StatusOK)
	enabled := newTarget(t, http.StatusOK)

	owner := uuid.New()
	f.addWebhook(t, owner, disabled.srv.URL, "s", false, types.EventTaskCompleted)
	f.addWebhook(t, owner, enabled.srv.URL, "s", true, types.EventTaskCompleted)

	f.dispatcher.HandleEvent(context.Background(), events.Event{
		Type: types.EventTaskCompleted, UserID: owner, Timestamp: time.Now(),
	})

	enabled.expect(t)
	assert.Empty(t, disabled.got)
}

func TestDeliveriesAreOwnerScoped(t *testing.T) {
	f := newFixture(t)
	mine := newTarget(t, http.StatusOK)
	theirs := newTarget(t, http.StatusOK)

	owner, stranger := uuid.New(), uuid.New()
	f.addWebhook(t, owner, mine.srv.URL, "s", true, types.EventTaskCompleted)
	f.addWebhook(t, stranger, theirs.srv.URL, "s", true, types.EventTaskCompleted)

	f.dispatcher.HandleEvent(context.Background(), events.Event{
		Type: types.EventTaskCompleted, UserID: owner, Timestamp: time.Now(),
	})

	mine.expect(t)
	assert.Empty(t, theirs.got)
}
