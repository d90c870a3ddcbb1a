package env

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/rand/rlmrepl/internal/rlm/protocol"
)

const helperEnv = "RLMREPL_ENV_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(runHelperWorker(os.Args[1:]))
	}
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// runHelperWorker lets the test binary act as a spawned worker.
func runHelperWorker(args []string) int {
	var listen string
	for i, a := range args {
		if a == "--listen" && i+1 < len(args) {
			listen = args[i+1]
		}
	}
	network, addr := ParseAddress(listen)
	ln, err := net.Listen(network, addr)
	if err != nil {
		fmt.Printf(`{"status":"error","error":%q}`+"\n", err.Error())
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	w := NewWorker(ln, WorkerConfig{})
	if err := w.AnnounceReady(os.Stdout); err != nil {
		return 1
	}
	if err := w.Serve(ctx); err != nil {
		return 1
	}
	return 0
}

// echoHandler answers every call with an upper-cased prompt.
type echoHandler struct {
	depth int

	mu    sync.Mutex
	calls []string
}

func (h *echoHandler) HandleCall(_ context.Context, id string, req protocol.CallRequest) (*protocol.CallResponse, error) {
	h.mu.Lock()
	h.calls = append(h.calls, id)
	h.mu.Unlock()
	kind := protocol.CallCompletion
	if req.Mode == protocol.ModeLoop {
		kind = protocol.CallLoop
	}
	return &protocol.CallResponse{
		Text:  strings.ToUpper(req.Prompt),
		Model: "test-model",
		Kind:  kind,
		Depth: h.depth + 1,
		Trace: map[string]string{"trace_id": "t-1"},
		Usage: protocol.Usage{InputTokens: 3, OutputTokens: 2},
	}, nil
}

func (h *echoHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

// depthHandler rejects every loop-mode call.
var depthHandler = CallHandlerFunc(func(_ context.Context, _ string, req protocol.CallRequest) (*protocol.CallResponse, error) {
	if req.Mode == protocol.ModeLoop {
		return nil, &protocol.DepthError{Depth: 2, MaxDepth: 1}
	}
	return &protocol.CallResponse{Text: "direct", Kind: protocol.CallCompletion, Depth: 2}, nil
})
