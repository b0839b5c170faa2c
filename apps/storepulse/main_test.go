package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	apichi "github.com/nkkko/storepulse/internal/api/chi"
	"github.com/nkkko/storepulse/internal/auth"
	"github.com/nkkko/storepulse/internal/domain"
	"github.com/nkkko/storepulse/internal/notifier"
	"github.com/nkkko/storepulse/internal/storage"
	"github.com/nkkko/storepulse/pkg/client"
	"github.com/nkkko/storepulse/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "cli-test-secret"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func newServer(t *testing.T) (*httptest.Server, *auth.JWTValidator) {
	t.Helper()

	config := auth.DefaultConfig()
	config.Secret = testSecret
	validator, err := auth.NewJWTValidator(config)
	require.NoError(t, err)

	journal, err := storage.NewStorage(storage.Config{Type: storage.MemoryStorage})
	require.NoError(t, err)

	n := notifier.NewNotifier(notifier.DefaultConfig(), validator, notifier.WithRecorder(journal))
	host := apichi.NewChiAPI(apichi.Config{}, domain.Services{
		Broadcaster: n,
		Journal:     journal,
		Validator:   validator,
	})
	server := httptest.NewServer(host.Handler())

	t.Cleanup(func() {
		server.Close()
		_ = n.Shutdown(context.Background())
		_ = journal.Shutdown(context.Background())
	})
	return server, validator
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := buildRootCmd()
	for _, name := range []string{"serve", "token", "tail", "publish"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestTokenCommand(t *testing.T) {
	out, err := execute(t, "token", "--secret", testSecret, "--user", "u-1", "--role", "support", "--ttl", "5m")
	require.NoError(t, err)

	config := auth.DefaultConfig()
	config.Secret = testSecret
	validator, err := auth.NewJWTValidator(config)
	require.NoError(t, err)

	identity, err := validator.Validate(context.Background(), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "u-1", identity.UserID)
	assert.Equal(t, proto.RoleSupport, identity.Role)
}

func TestTokenCommandValidation(t *testing.T) {
	t.Setenv("STOREPULSE_AUTH_JWT_SECRET", "")

	_, err := execute(t, "token", "--user", "u-1")
	assert.ErrorContains(t, err, "secret")

	_, err = execute(t, "token", "--secret", testSecret)
	assert.ErrorContains(t, err, "--user")

	_, err = execute(t, "token", "--secret", testSecret, "--user", "u-1", "--role", "root")
	assert.ErrorContains(t, err, "unknown role")
}

func TestBuildPublishRequest(t *testing.T) {
	req, err := buildPublishRequest("order_update", "u-7", `{"order_id":42}`)
	require.NoError(t, err)
	assert.Equal(t, proto.KindOrderUpdate, req.Kind)
	assert.Equal(t, "u-7", req.TargetUserId)
	assert.JSONEq(t, `{"order_id":42}`, string(req.Payload))

	_, err = buildPublishRequest("", "", "")
	assert.ErrorContains(t, err, "--kind")

	_, err = buildPublishRequest("content_update", "", "{broken")
	assert.ErrorContains(t, err, "valid JSON")
}

func TestPublishCommand(t *testing.T) {
	server, validator := newServer(t)
	admin, err := validator.Issue("admin-1", proto.RoleAdmin, time.Hour)
	require.NoError(t, err)

	out, err := execute(t, "publish", "--url", server.URL, "--token", admin,
		"--kind", "content_update", "--payload", `{"page":"home"}`)
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(out))

	user, err := validator.Issue("u-1", proto.RoleUser, time.Hour)
	require.NoError(t, err)
	_, err = execute(t, "publish", "--url", server.URL, "--token", user, "--kind", "content_update")
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

func TestRunTailPrintsEvents(t *testing.T) {
	server, validator := newServer(t)
	admin, err := validator.Issue("admin-1", proto.RoleAdmin, time.Hour)
	require.NoError(t, err)

	c, err := client.New(server.URL, client.WithTimeout(2*time.Second))
	require.NoError(t, err)

	publisher, err := client.New(server.URL)
	require.NoError(t, err)

	var out syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runTail(ctx, c, admin, &out) }()

	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)

	_, err = publisher.Publish(context.Background(), admin, &proto.PublishEventRequest{
		Kind:    proto.KindContentUpdate,
		Payload: []byte(`{"page":"home"}`),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"kind":"content_update"`)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("tail did not stop")
	}
	assert.Equal(t, client.StateIdle, c.State())
}
