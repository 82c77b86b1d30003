package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragchat/index"
	"ragchat/model"
	"ragchat/store"
	"ragchat/types"
)

const policy = "Section 1: Shipping\nOrders ship within two business days.\n\n" +
	"Section 3: Refund Policy\nRefunds are accepted within 30 days of purchase."

type fixture struct {
	svc   *Service
	store *store.MemoryStore
	index *index.MemoryIndex
}

func newFixture(t *testing.T, emb model.Embedder, workers int) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	idx := index.NewMemoryIndex()
	if emb == nil {
		emb = model.NewHashEmbedder(1024)
	}
	svc := New(Deps{Store: st, Index: idx, Embedder: emb}, Config{Workers: workers, TopK: 5, MinScore: 0.5})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return &fixture{svc: svc, store: st, index: idx}
}

func document(conv, name, typ string) types.Document {
	return types.Document{ID: uuid.NewString(), Name: name, Type: typ, ConversationID: conv, UploadedAt: time.Now()}
}

func drain(t *testing.T, ch <-chan types.DocumentStatus) []types.DocumentStatus {
	t.Helper()
	var out []types.DocumentStatus
	timeout := time.After(5 * time.Second)
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, s)
		case <-timeout:
			t.Fatal("ingest did not finish")
		}
	}
}

func TestIngestPublishesAndMarksReady(t *testing.T) {
	f := newFixture(t, nil, 2)
	ctx := context.Background()
	conv := uuid.NewString()
	doc := document(conv, "policy.txt", "txt")

	ch, err := f.svc.Ingest(ctx, doc, []byte(policy))
	require.NoError(t, err)
	assert.Equal(t, []types.DocumentStatus{types.StatusProcessing, types.StatusReady}, drain(t, ch))

	got, err := f.store.GetDocumentByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, got.Status)
	assert.Equal(t, 2, got.TotalChunks)

	n, err := f.index.Count(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestIngestSurvivesRequestCancellation(t *testing.T) {
	f := newFixture(t, nil, 1)
	ctx, cancel := context.WithCancel(context.Background())
	doc := document(uuid.NewString(), "policy.txt", "txt")

	ch, err := f.svc.Ingest(ctx, doc, []byte(policy))
	require.NoError(t, err)
	cancel()
	assert.Equal(t, types.StatusReady, drain(t, ch)[1])
}

func TestIngestFailuresMarkError(t *testing.T) {
	tests := []struct {
		name    string
		typ     string
		content string
		emb     model.Embedder
	}{
		{name: "unsupported format", typ: "exe", content: "binary"},
		{name: "empty content", typ: "txt", content: "   \n  "},
		{name: "embedding unavailable", typ: "txt", content: policy, emb: failingEmbedder{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.emb, 1)
			ctx := context.Background()
			conv := uuid.NewString()
			doc := document(conv, "x."+tt.typ, tt.typ)

			ch, err := f.svc.Ingest(ctx, doc, []byte(tt.content))
			require.NoError(t, err)
			assert.Equal(t, []types.DocumentStatus{types.StatusProcessing, types.StatusError}, drain(t, ch))

			got, err := f.store.GetDocumentByID(ctx, doc.ID)
			require.NoError(t, err)
			assert.Equal(t, types.StatusError, got.Status)
			assert.Zero(t, got.TotalChunks)

			n, _ := f.index.Count(ctx, conv)
			assert.Zero(t, n)
		})
	}
}

func TestRetrieveIsScopedAndGrounded(t *testing.T) {
	f := newFixture(t, nil, 2)
	ctx := context.Background()
	convA, convB := uuid.NewString(), uuid.NewString()

	chA, err := f.svc.Ingest(ctx, document(convA, "policy.txt", "txt"), []byte(policy))
	require.NoError(t, err)
	chB, err := f.svc.Ingest(ctx, document(convB, "other.txt", "txt"), []byte("Refund policy for another customer: no refunds at all."))
	require.NoError(t, err)
	drain(t, chA)
	drain(t, chB)

	hits, err := f.svc.Retrieve(ctx, "What is the refund policy?", convA)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "Section 3", hits[0].Chunk.Section)
	for _, h := range hits {
		assert.Equal(t, convA, h.Chunk.ConversationID)
		assert.GreaterOrEqual(t, h.Score, 0.5)
	}

	hits, err = f.svc.Retrieve(ctx, "anything", uuid.NewString())
	require.NoError(t, err)
	assert.NotNil(t, hits)
	assert.Empty(t, hits)
}

func TestSearchHighThresholdOnUnrelatedDocument(t *testing.T) {
	f := newFixture(t, nil, 1)
	ctx := context.Background()
	conv := uuid.NewString()

	ch, err := f.svc.Ingest(ctx, document(conv, "zoo.txt", "txt"), []byte("Lions hunt in the savanna at dusk."))
	require.NoError(t, err)
	drain(t, ch)

	hits, err := f.svc.Search(ctx, "quarterly tax filing deadline", conv, 5, 0.99)
	require.NoError(t, err)
	assert.NotNil(t, hits)
	assert.Empty(t, hits)
}

func TestReindexSwapsChunks(t *testing.T) {
	f := newFixture(t, nil, 1)
	ctx := context.Background()
	conv := uuid.NewString()
	doc := document(conv, "policy.txt", "txt")

	ch, err := f.svc.Ingest(ctx, doc, []byte(policy))
	require.NoError(t, err)
	drain(t, ch)
	before, err := f.svc.Search(ctx, "refund", conv, 10, 0)
	require.NoError(t, err)

	got, ch, err := f.svc.Reindex(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, got.Status)
	assert.Equal(t, types.StatusReady, drain(t, ch)[1])

	after, err := f.svc.Search(ctx, "refund", conv, 10, 0)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	assert.NotEqual(t, before[0].Chunk.ID, after[0].Chunk.ID)

	stored, _ := f.store.GetDocumentByID(ctx, doc.ID)
	assert.Equal(t, 2, stored.TotalChunks)

	_, _, err = f.svc.Reindex(ctx, uuid.NewString())
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestDeleteDuringIngestLeavesNoChunks(t *testing.T) {
	emb := &gatedEmbedder{inner: model.NewHashEmbedder(64), gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	f := newFixture(t, emb, 1)
	ctx := context.Background()
	conv := uuid.NewString()
	doc := document(conv, "policy.txt", "txt")

	ch, err := f.svc.Ingest(ctx, doc, []byte(policy))
	require.NoError(t, err)
	<-emb.entered

	require.NoError(t, f.svc.DeleteDocument(ctx, doc.ID))
	close(emb.gate)
	assert.Equal(t, types.StatusError, drain(t, ch)[1])

	n, err := f.index.Count(ctx, conv)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = f.store.GetDocumentByID(ctx, doc.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestWorkerLimitBoundsConcurrency(t *testing.T) {
	emb := &countingEmbedder{inner: model.NewHashEmbedder(64)}
	f := newFixture(t, emb, 2)
	ctx := context.Background()

	var chans []<-chan types.DocumentStatus
	for range 6 {
		ch, err := f.svc.Ingest(ctx, document(uuid.NewString(), "p.txt", "txt"), []byte(policy))
		require.NoError(t, err)
		chans = append(chans, ch)
	}
	for _, ch := range chans {
		assert.Equal(t, types.StatusReady, drain(t, ch)[1])
	}
	assert.LessOrEqual(t, emb.peak.Load(), int32(2))
}

func TestCloseRejectsNewWork(t *testing.T) {
	f := newFixture(t, nil, 1)
	ctx := context.Background()
	ready := document(uuid.NewString(), "p.txt", "txt")
	ch, err := f.svc.Ingest(ctx, ready, []byte(policy))
	require.NoError(t, err)
	drain(t, ch)
	require.NoError(t, f.svc.Close(ctx))

	late := document(uuid.NewString(), "p.txt", "txt")
	_, err = f.svc.Ingest(ctx, late, []byte(policy))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = f.store.GetDocumentByID(ctx, late.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, _, err = f.svc.Reindex(ctx, ready.ID)
	assert.ErrorIs(t, err, ErrClosed)
	got, err := f.store.GetDocumentByID(ctx, ready.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, got.Status)
	assert.Equal(t, 2, got.TotalChunks)
}

func TestRecoverInterruptedIngest(t *testing.T) {
	f := newFixture(t, nil, 1)
	ctx := context.Background()
	conv := uuid.NewString()
	doc := document(conv, "policy.txt", "txt")
	doc.Status = types.StatusProcessing
	require.NoError(t, f.store.SaveDocument(ctx, doc, []byte(policy)))
	stale := make([]float32, 1024)
	stale[0] = 1
	require.NoError(t, f.index.Upsert(ctx, types.Chunk{
		ID: uuid.NewString(), DocumentID: doc.ID, ConversationID: conv,
		DocumentName: doc.Name, Text: "half written", Vector: stale,
	}))

	_, _, err := f.svc.Reindex(ctx, doc.ID)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	require.NoError(t, f.svc.RecoverInterrupted(ctx))
	got, err := f.store.GetDocumentByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, got.Status)

	_, ch, err := f.svc.Reindex(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, drain(t, ch)[1])
	n, err := f.index.Count(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, f.svc.RecoverInterrupted(ctx))
	got, err = f.store.GetDocumentByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, got.Status)
}

func TestDeleteUnknownDocument(t *testing.T) {
	f := newFixture(t, nil, 1)
	assert.ErrorIs(t, f.svc.DeleteDocument(context.Background(), "missing"), types.ErrNotFound)
}

type failingEmbedder struct{}

func (failingEmbedder) Dimension() int { return 4 }
func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, types.ErrEmbeddingServiceUnavailable
}
func (failingEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, types.ErrEmbeddingServiceUnavailable
}

type gatedEmbedder struct {
	inner   model.Embedder
	gate    chan struct{}
	entered chan struct{}
}

func (g *gatedEmbedder) Dimension() int { return g.inner.Dimension() }
func (g *gatedEmbedder) Embed(ctx context.Context, s string) ([]float32, error) {
	return g.inner.Embed(ctx, s)
}
func (g *gatedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.gate
	return g.inner.EmbedBatch(ctx, texts)
}

type countingEmbedder struct {
	inner  model.Embedder
	mu     sync.Mutex
	active int32
	peak   atomic.Int32
}

func (c *countingEmbedder) Dimension() int { return c.inner.Dimension() }
func (c *countingEmbedder) Embed(ctx context.Context, s string) ([]float32, error) {
	return c.inner.Embed(ctx, s)
}
func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	c.active++
	if c.active > c.peak.Load() {
		c.peak.Store(c.active)
	}
	c.mu.Unlock()

	time.Sleep(10 * time.Millisecond)
	defer func() {
		c.mu.Lock()
		c.active--
		c.mu.Unlock()
	}()
	return c.inner.EmbedBatch(ctx, texts)
}
