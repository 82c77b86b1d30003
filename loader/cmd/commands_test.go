package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragchat/app/server"
	"ragchat/config"
)

const policy = "Section 1: Shipping\nOrders ship within two business days.\n\n" +
	"Section 3: Refund Policy\nRefunds are accepted within 30 days of purchase."

func newComponents(t *testing.T) *server.Components {
	t.Helper()
	cfg := config.Default()
	cfg.JWTSecret = "test-secret-test-secret-test-secret"
	c, err := server.Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	return c
}

func run(t *testing.T, c *server.Components, args ...string) (string, error) {
	t.Helper()
	open := func(context.Context) (*server.Components, error) { return c, nil }
	cmd := newRootCmd(open, 1<<20)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestIngestThenSearch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "policy.txt"), []byte(policy), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image.png"), []byte{0x89, 'P', 'N', 'G'}, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "notes.txt"), []byte("hidden"), 0o644))

	c := newComponents(t)
	out, err := run(t, c, "ingest", dir, "--owner", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "policy.txt")
	assert.Contains(t, out, "READY")
	assert.NotContains(t, out, "image.png")
	assert.NotContains(t, out, "notes.txt")

	convs, err := c.Manager.List(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	conv := convs[0]
	require.Len(t, conv.DocumentIDs, 1)

	out, err = run(t, c, "search", "refund within 30 days", "--conversation", conv.ID, "--min-score", "0", "--json")
	require.NoError(t, err)
	var results []searchResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.NotEmpty(t, results)
	assert.Equal(t, "policy.txt", results[0].Document)
	assert.Equal(t, 1, results[0].Rank)
}

func TestIngestIntoExistingConversation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.md")
	require.NoError(t, os.WriteFile(path, []byte(policy), 0o644))

	c := newComponents(t)
	conv, err := c.Manager.GetOrCreate(context.Background(), "", "bob", "hello")
	require.NoError(t, err)

	_, err = run(t, c, "ingest", path, "--owner", "bob", "--conversation", conv.ID)
	require.NoError(t, err)

	docs, err := c.Retriever.ListDocuments(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "policy.md", docs[0].Name)
}

func TestIngestErrors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image.png"), []byte("x"), 0o644))
	c := newComponents(t)

	_, err := run(t, c, "ingest", dir, "--owner", "alice")
	assert.EqualError(t, err, "no supported files found")

	_, err = run(t, c, "ingest", dir)
	assert.Error(t, err)

	_, err = run(t, c, "ingest", filepath.Join(dir, "missing"), "--owner", "alice")
	assert.Error(t, err)
}

func TestSearchRequiresConversation(t *testing.T) {
	_, err := run(t, newComponents(t), "search", "refund")
	assert.Error(t, err)
}

func TestSearchEmptyConversation(t *testing.T) {
	out, err := run(t, newComponents(t), "search", "refund", "--conversation", "nothing-here")
	require.NoError(t, err)
	assert.Contains(t, out, "No results found.")
}
