package ingress

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/vyapaar/backend/internal/domain"
)

const (
	bridgePageSize    = 100
	bridgeCallTimeout = 30 * time.Second
	bridgeProtocol    = "2024-11-05"
)

// Bridge is a persistent sub-process RPC client for the razorpay-mcp-server
// binary. The child is spawned once and spoken to over newline-delimited
// JSON-RPC 2.0 on stdin/stdout; calls are serialized, and a dead child is
// respawned on the next call.
type Bridge struct {
	command   string
	keyID     string
	keySecret string
	timeout   time.Duration
	log       *slog.Logger

	mu     sync.Mutex // serializes calls and guards proc lifecycle
	proc   *bridgeProc
	nextID int64
}

type bridgeProc struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan json.RawMessage
	done  chan struct{}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewBridge builds the client; the child starts lazily on first use.
func NewBridge(command, keyID, keySecret string) *Bridge {
	return &Bridge{
		command:   command,
		keyID:     keyID,
		keySecret: keySecret,
		timeout:   bridgeCallTimeout,
		log:       slog.With("component", "bridge"),
	}
}

// ensureStarted spawns and initializes the child if needed. Caller holds mu.
func (b *Bridge) ensureStarted(ctx context.Context) error {
	if b.proc != nil {
		select {
		case <-b.proc.done:
			b.log.Warn("bridge child exited, respawning")
			b.teardown()
		default:
			return nil
		}
	}

	parts := strings.Fields(b.command)
	if len(parts) == 0 {
		return fmt.Errorf("bridge: empty command")
	}
	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Env = append(os.Environ(),
		"RAZORPAY_KEY_ID="+b.keyID,
		"RAZORPAY_KEY_SECRET="+b.keySecret,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("bridge stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("bridge stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("bridge stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("bridge spawn %q: %w", parts[0], err)
	}

	proc := &bridgeProc{
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan json.RawMessage, 16),
		done:  make(chan struct{}),
	}
	b.proc = proc

	go drainStderr(stderr, b.log)
	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			select {
			case proc.lines <- line:
			case <-proc.done:
				return
			}
		}
		_ = cmd.Wait()
		close(proc.done)
	}()

	if err := b.initialize(ctx); err != nil {
		b.teardown()
		return err
	}
	b.log.Info("bridge child started", "command", parts[0], "pid", cmd.Process.Pid)
	return nil
}

// drainStderr keeps the child from blocking on a full stderr pipe and
// surfaces whatever it prints.
func drainStderr(r io.Reader, log *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Debug("bridge stderr", "line", scanner.Text())
	}
}

// initialize performs the protocol handshake. Caller holds mu.
func (b *Bridge) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": bridgeProtocol,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "vyapaar-governance",
			"version": "3.0.0",
		},
	}
	if _, err := b.roundTrip(ctx, "initialize", params); err != nil {
		return fmt.Errorf("bridge initialize: %w", err)
	}
	return b.send(rpcRequest{JSONRPC: "2.0", Method: "notifications/initialized"})
}

// Call issues one request and waits for the matching response.
func (b *Bridge) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureStarted(ctx); err != nil {
		return nil, err
	}
	result, err := b.roundTrip(ctx, method, params)
	if err != nil {
		// Protocol-level errors come back as rpcError and leave the child
		// usable; anything else means the pipe is suspect.
		if _, isRPC := err.(*rpcError); !isRPC {
			b.teardown()
		}
		return nil, err
	}
	return result, nil
}

// roundTrip writes one request and reads until its response. Caller holds mu.
func (b *Bridge) roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error) {
	b.nextID++
	id := b.nextID
	if err := b.send(rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	deadline := time.NewTimer(b.timeout)
	defer deadline.Stop()

	for {
		select {
		case line, ok := <-b.proc.lines:
			if !ok {
				return nil, fmt.Errorf("bridge: child closed stdout")
			}
			var resp rpcResponse
			if err := json.Unmarshal(line, &resp); err != nil || resp.ID == nil {
				continue // notification or noise
			}
			if *resp.ID != id {
				continue // stale response from a timed-out call
			}
			if resp.Error != nil {
				return nil, resp.Error
			}
			return resp.Result, nil
		case <-b.proc.done:
			return nil, fmt.Errorf("bridge: child exited during call %s", method)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("bridge: %s timed out after %s", method, b.timeout)
		}
	}
}

func (b *Bridge) send(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("bridge marshal: %w", err)
	}
	if _, err := b.proc.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("bridge write: %w", err)
	}
	return nil
}

// teardown kills the child. Caller holds mu.
func (b *Bridge) teardown() {
	if b.proc == nil {
		return
	}
	_ = b.proc.stdin.Close()
	if b.proc.cmd.Process != nil {
		_ = b.proc.cmd.Process.Kill()
	}
	b.proc = nil
}

// Healthy reports whether the child answers a tools/list probe.
func (b *Bridge) Healthy(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := b.Call(probeCtx, "tools/list", map[string]any{})
	return err == nil
}

// Close terminates the child process.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.teardown()
	return nil
}

// toolResult is the tools/call envelope: JSON payload inside a text block.
type toolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

type payoutPage struct {
	Count int                   `json:"count"`
	Items []domain.PayoutEntity `json:"items"`
}

// FetchQueuedPayouts pages fetch_all_payouts and keeps only queued entries.
// Status filtering happens client-side; the upstream tool has no filter.
func (b *Bridge) FetchQueuedPayouts(ctx context.Context, accountNumber string) ([]domain.PayoutEntity, error) {
	var queued []domain.PayoutEntity

	for skip := 0; ; skip += bridgePageSize {
		params := map[string]any{
			"name": "fetch_all_payouts",
			"arguments": map[string]any{
				"account_number": accountNumber,
				"count":          bridgePageSize,
				"skip":           skip,
			},
		}
		raw, err := b.Call(ctx, "tools/call", params)
		if err != nil {
			return nil, fmt.Errorf("fetch_all_payouts: %w", err)
		}

		var result toolResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("fetch_all_payouts decode: %w", err)
		}
		if result.IsError || len(result.Content) == 0 {
			return nil, fmt.Errorf("fetch_all_payouts: tool error")
		}

		var page payoutPage
		if err := json.Unmarshal([]byte(result.Content[0].Text), &page); err != nil {
			return nil, fmt.Errorf("fetch_all_payouts page decode: %w", err)
		}

		for _, p := range page.Items {
			if p.Status == domain.PayoutStatusQueued {
				queued = append(queued, p)
			}
		}
		if len(page.Items) < bridgePageSize {
			return queued, nil
		}
	}
}
