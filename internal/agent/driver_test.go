package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/chatline/internal/observability"
)

// blockingProvider sends its chunks and then holds the stream open until the
// request context ends.
type blockingProvider struct {
	chunks []*CompletionChunk
}

func (p *blockingProvider) Complete(ctx context.Context, _ *CompletionRequest) (<-chan *CompletionChunk, error) {
	ch := make(chan *CompletionChunk)
	go func() {
		defer close(ch)
		for _, c := range p.chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return ch, nil
}

func (p *blockingProvider) Name() string        { return "blocking" }
func (p *blockingProvider) Models() []Model     { return nil }
func (p *blockingProvider) SupportsTools() bool { return true }

func drainCompletion(ch <-chan *CompletionChunk) []*CompletionChunk {
	var out []*CompletionChunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestCompletionDriver_StreamsChunks(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{{
		{Text: "Hel"},
		{Text: "lo"},
		{Done: true, InputTokens: 12, OutputTokens: 3},
	}}}
	driver := NewCompletionDriver(provider, nil, metrics, nil)

	stream, err := driver.Stream(context.Background(), 1, &CompletionRequest{})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	chunks := drainCompletion(stream)

	if len(chunks) != 3 || chunks[0].Text != "Hel" || !chunks[2].Done {
		t.Fatalf("chunks = %+v", chunks)
	}
	if got := testutil.ToFloat64(metrics.CompletionRequests.WithLabelValues("scripted", "ok")); got != 1 {
		t.Errorf("completion requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.TokensUsed.WithLabelValues("scripted", "input")); got != 12 {
		t.Errorf("input tokens = %v, want 12", got)
	}
}

func TestCompletionDriver_RequestError(t *testing.T) {
	cause := errors.New("503 service unavailable")
	driver := NewCompletionDriver(&scriptedProvider{err: cause}, nil, nil, nil)

	_, err := driver.Stream(context.Background(), 2, &CompletionRequest{})

	var streamErr *CompletionStreamError
	if !errors.As(err, &streamErr) {
		t.Fatalf("error = %v, want *CompletionStreamError", err)
	}
	if streamErr.Step != 2 || streamErr.Provider != "scripted" || !errors.Is(err, cause) {
		t.Errorf("stream error = %+v", streamErr)
	}
}

func TestCompletionDriver_StreamErrorEndsStream(t *testing.T) {
	cause := errors.New("stream reset")
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{{
		{Text: "partial"},
		{Error: cause},
		{Text: "never delivered"},
	}}}
	driver := NewCompletionDriver(provider, nil, nil, nil)

	stream, err := driver.Stream(context.Background(), 1, &CompletionRequest{})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	chunks := drainCompletion(stream)

	if len(chunks) != 2 {
		t.Fatalf("chunks = %+v, want partial text and error", chunks)
	}
	var streamErr *CompletionStreamError
	if !errors.As(chunks[1].Error, &streamErr) || !errors.Is(chunks[1].Error, cause) {
		t.Errorf("last chunk error = %v", chunks[1].Error)
	}
}

func TestCompletionDriver_CancelClosesStream(t *testing.T) {
	driver := NewCompletionDriver(&blockingProvider{chunks: []*CompletionChunk{{Text: "thinking"}}}, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	stream, err := driver.Stream(ctx, 1, &CompletionRequest{})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if first := <-stream; first == nil || first.Text != "thinking" {
		t.Fatalf("first chunk = %+v", first)
	}
	cancel()

	select {
	case _, ok := <-stream:
		if ok {
			t.Error("expected stream to close after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("stream did not close after cancel")
	}
}

func TestCompletionDriver_NoProvider(t *testing.T) {
	driver := NewCompletionDriver(nil, nil, nil, nil)
	if _, err := driver.Stream(context.Background(), 1, &CompletionRequest{}); !errors.Is(err, ErrNoProvider) {
		t.Errorf("error = %v, want ErrNoProvider", err)
	}
}
