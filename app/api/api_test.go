package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragchat/app/server"
	"ragchat/config"
	"ragchat/types"
)

const policy = "Section 1: Shipping\nOrders ship within two business days.\n\n" +
	"Section 3: Refund Policy\nRefunds are accepted within 30 days of purchase."

type client struct {
	t     *testing.T
	app   *fiber.App
	token string
}

func newClient(t *testing.T, maxUpload int64) *client {
	t.Helper()
	cfg := config.Default()
	cfg.JWTSecret = "test-secret-test-secret-test-secret"
	if maxUpload > 0 {
		cfg.MaxUploadBytes = maxUpload
	}
	require.NoError(t, cfg.Validate())

	s, err := server.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return &client{t: t, app: s.App()}
}

func (c *client) do(method, path string, body io.Reader, contentType string) (*http.Response, []byte) {
	c.t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set(fiber.HeaderContentType, contentType)
	}
	if c.token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+c.token)
	}
	resp, err := c.app.Test(req, -1)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp, data
}

func (c *client) json(method, path string, in any) (*http.Response, []byte) {
	c.t.Helper()
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		require.NoError(c.t, err)
		body = bytes.NewReader(raw)
	}
	return c.do(method, path, body, fiber.MIMEApplicationJSON)
}

func (c *client) upload(name, content, conversationID string) (*http.Response, []byte) {
	c.t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if conversationID != "" {
		require.NoError(c.t, w.WriteField("conversationId", conversationID))
	}
	part, err := w.CreateFormFile("file", name)
	require.NoError(c.t, err)
	_, err = part.Write([]byte(content))
	require.NoError(c.t, err)
	require.NoError(c.t, w.Close())
	return c.do(http.MethodPost, "/api/documents/upload", &buf, w.FormDataContentType())
}

func (c *client) login(username string) {
	c.t.Helper()
	resp, body := c.json(http.MethodPost, "/api/auth/register", types.RegisterParams{
		Username: username, Email: username + "@example.com", Password: "secret1",
	})
	require.Equal(c.t, http.StatusOK, resp.StatusCode, string(body))
	var auth types.AuthResponse
	require.NoError(c.t, json.Unmarshal(body, &auth))
	c.token = auth.Token
}

func (c *client) waitReady(conversationID string) []types.Document {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, body := c.json(http.MethodGet, "/api/documents?conversationId="+conversationID, nil)
		var docs []types.Document
		require.NoError(c.t, json.Unmarshal(body, &docs))
		ready := len(docs) > 0
		for _, d := range docs {
			ready = ready && d.Status == types.StatusReady
		}
		if ready {
			return docs
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.t.Fatal("documents never became READY")
	return nil
}

func TestAuthFlow(t *testing.T) {
	c := newClient(t, 0)

	resp, body := c.json(http.MethodPost, "/api/auth/register", map[string]string{"username": "al", "email": "nope", "password": "123"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var verr types.ValidationError
	require.NoError(t, json.Unmarshal(body, &verr))
	assert.Contains(t, verr.Errors, "Username")
	assert.Contains(t, verr.Errors, "Email")
	assert.Contains(t, verr.Errors, "Password")

	resp, _ = c.json(http.MethodGet, "/api/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	c.login("alice")
	resp, body = c.json(http.MethodGet, "/api/auth/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me types.UserInfo
	require.NoError(t, json.Unmarshal(body, &me))
	assert.Equal(t, "alice", me.Username)
	assert.Equal(t, "alice@example.com", me.Email)

	resp, _ = c.json(http.MethodPost, "/api/auth/register", types.RegisterParams{Username: "alice", Email: "x@example.com", Password: "secret1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = c.json(http.MethodPost, "/api/auth/login", types.LoginParams{Username: "alice", Password: "wrong!"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = c.json(http.MethodPost, "/api/auth/login", types.LoginParams{Username: "alice", Password: "secret1", RememberMe: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"token"`)

	c.token = "garbage"
	resp, body = c.json(http.MethodGet, "/api/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var apiErr map[string]any
	require.NoError(t, json.Unmarshal(body, &apiErr))
	assert.EqualValues(t, http.StatusUnauthorized, apiErr["code"])
	assert.NotEmpty(t, apiErr["error"])
}

func TestUploadAndChat(t *testing.T) {
	c := newClient(t, 0)
	c.login("alice")
	conv := uuid.NewString()

	resp, body := c.upload("policy.txt", policy, conv)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var doc types.Document
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, types.StatusProcessing, doc.Status)
	assert.Equal(t, conv, doc.ConversationID)
	assert.Equal(t, "txt", doc.Type)
	assert.EqualValues(t, len(policy), doc.Size)

	docs := c.waitReady(conv)
	require.Len(t, docs, 1)
	assert.Equal(t, 2, docs[0].TotalChunks)

	resp, body = c.json(http.MethodPost, "/api/chat", types.ChatParams{Message: "What is the refund policy?", ConversationID: conv})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var answer types.ChatResponse
	require.NoError(t, json.Unmarshal(body, &answer))
	assert.Equal(t, conv, answer.ConversationID)
	assert.Contains(t, answer.Answer, "30 days")
	require.NotEmpty(t, answer.Sources)
	assert.Equal(t, "policy.txt", answer.Sources[0].DocumentName)
	assert.Equal(t, "Section 3", answer.Sources[0].Section)

	resp, body = c.json(http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var convs []types.Conversation
	require.NoError(t, json.Unmarshal(body, &convs))
	require.Len(t, convs, 1)
	assert.Len(t, convs[0].Messages, 2)
	assert.Equal(t, []string{doc.ID}, convs[0].DocumentIDs)

	resp, _ = c.json(http.MethodPost, "/api/chat", map[string]string{"message": "   "})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestUploadRejections(t *testing.T) {
	c := newClient(t, 1024)
	c.login("alice")

	resp, _ := c.upload("big.txt", strings.Repeat("a", 2048), "")
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	resp, _ = c.upload("tool.exe", "MZ", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = c.do(http.MethodPost, "/api/documents/upload", strings.NewReader("{}"), fiber.MIMEApplicationJSON)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUploadWithoutConversationAllocatesOne(t *testing.T) {
	c := newClient(t, 0)
	c.login("alice")

	resp, body := c.upload("notes.md", "# Notes\nThe launch is on Friday.", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var doc types.Document
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.NoError(t, uuid.Validate(doc.ConversationID))

	resp, _ = c.json(http.MethodGet, "/api/conversations/"+doc.ConversationID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDeleteConversationScenario(t *testing.T) {
	c := newClient(t, 0)
	c.login("alice")
	conv := uuid.NewString()

	resp, _ := c.upload("policy.txt", policy, conv)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = c.upload("faq.md", "# Opening hours\nThe office is closed on weekends.", conv)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, c.waitReady(conv), 2)
	for i := 0; i < 5; i++ {
		resp, _ = c.json(http.MethodPost, "/api/chat", types.ChatParams{Message: "What is the refund policy?", ConversationID: conv})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	_, body := c.json(http.MethodGet, "/api/conversations/"+conv, nil)
	var before types.Conversation
	require.NoError(t, json.Unmarshal(body, &before))
	require.Len(t, before.Messages, 10)
	require.Len(t, before.DocumentIDs, 2)

	other := &client{t: t, app: c.app}
	other.login("bob")
	resp, _ = other.json(http.MethodGet, "/api/conversations/"+conv, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = other.json(http.MethodDelete, "/api/conversations/"+conv, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = c.json(http.MethodDelete, "/api/conversations/"+conv, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = c.json(http.MethodGet, "/api/conversations/"+conv, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, body = c.json(http.MethodGet, "/api/documents?conversationId="+conv, nil)
	assert.JSONEq(t, "[]", string(body))

	_, body = c.json(http.MethodGet, "/api/conversations", nil)
	assert.JSONEq(t, "[]", string(body))

	resp, _ = c.json(http.MethodPost, "/api/chat", types.ChatParams{Message: "still there?", ConversationID: conv})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = c.json(http.MethodDelete, "/api/conversations/"+conv, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeletedConversationSurvivesLaterRequests(t *testing.T) {
	c := newClient(t, 0)
	c.login("alice")

	resp, body := c.json(http.MethodPost, "/api/chat", types.ChatParams{Message: "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var chat types.ChatResponse
	require.NoError(t, json.Unmarshal(body, &chat))
	conv := chat.ConversationID

	resp, _ = c.json(http.MethodDelete, "/api/conversations/"+conv, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	for i := 0; i < 50; i++ {
		resp, _ = c.json(http.MethodGet, "/api/conversations/"+uuid.NewString(), nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
	_, _ = c.upload("notes.txt", "Unrelated notes.", uuid.NewString())

	resp, _ = c.json(http.MethodPost, "/api/chat", types.ChatParams{Message: "hello again", ConversationID: conv})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = c.upload("policy.txt", policy, conv)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRegisterRejectsOverlongPassword(t *testing.T) {
	c := newClient(t, 0)

	resp, body := c.json(http.MethodPost, "/api/auth/register", types.RegisterParams{
		Username: "alice", Email: "alice@example.com", Password: strings.Repeat("p", 100),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var verr types.ValidationError
	require.NoError(t, json.Unmarshal(body, &verr))
	assert.Contains(t, verr.Errors, "Password")

	// 40 runes pass the rune-counted tag but are 80 bytes for bcrypt
	resp, _ = c.json(http.MethodPost, "/api/auth/register", types.RegisterParams{
		Username: "alice", Email: "alice@example.com", Password: strings.Repeat("é", 40),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReindexAndDeleteDocument(t *testing.T) {
	c := newClient(t, 0)
	c.login("alice")
	conv := uuid.NewString()

	_, body := c.upload("policy.txt", policy, conv)
	var doc types.Document
	require.NoError(t, json.Unmarshal(body, &doc))
	c.waitReady(conv)

	resp, body := c.json(http.MethodPost, "/api/documents/"+doc.ID+"/reindex", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var re types.Document
	require.NoError(t, json.Unmarshal(body, &re))
	assert.Equal(t, types.StatusProcessing, re.Status)
	docs := c.waitReady(conv)
	assert.Equal(t, 2, docs[0].TotalChunks)

	resp, _ = c.json(http.MethodPost, "/api/documents/"+uuid.NewString()+"/reindex", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = c.json(http.MethodDelete, "/api/documents/"+doc.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = c.json(http.MethodDelete, "/api/documents/"+doc.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, body = c.json(http.MethodGet, "/api/documents?conversationId="+conv, nil)
	assert.JSONEq(t, "[]", string(body))
}

func TestHealthAndMetrics(t *testing.T) {
	c := newClient(t, 0)

	resp, body := c.do(http.MethodGet, "/check/healthy", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"result":"ok"}`, string(body))

	resp, _ = c.do(http.MethodGet, "/check/ready", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = c.do(http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}
