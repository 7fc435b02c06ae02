package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// RPCClient talks to a ledger RPC node over JSON-RPC. It implements
// both AccountFetcher and Submitter.
type RPCClient struct {
	endpoint string
	http     *http.Client
	log      zerolog.Logger

	// PollInterval controls how often AwaitConfirmation re-checks the
	// signature status.
	PollInterval time.Duration
}

func NewRPCClient(endpoint string, log zerolog.Logger) *RPCClient {
	return &RPCClient{
		endpoint:     endpoint,
		http:         &http.Client{Timeout: 15 * time.Second},
		log:          log,
		PollInterval: 2 * time.Second,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *RPCClient) call(ctx context.Context, method string, params []any, result any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("%s: %w", method, envelope.Error)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

// FetchPoolAccount fetches and decodes the pool account at addr.
func (c *RPCClient) FetchPoolAccount(ctx context.Context, addr Address) (*PoolAccount, error) {
	var result struct {
		Value *struct {
			Data []string `json:"data"` // [base64 payload, encoding]
		} `json:"value"`
	}
	params := []any{addr.String(), map[string]string{"encoding": "base64"}}
	if err := c.call(ctx, "getAccountInfo", params, &result); err != nil {
		return nil, err
	}
	if result.Value == nil {
		return nil, fmt.Errorf("account %s: %w", addr, ErrAccountNotFound)
	}
	if len(result.Value.Data) == 0 {
		return nil, fmt.Errorf("account %s: empty data field", addr)
	}

	raw, err := base64.StdEncoding.DecodeString(result.Value.Data[0])
	if err != nil {
		return nil, fmt.Errorf("account %s: decode base64: %w", addr, err)
	}
	return DecodePoolAccount(addr, raw)
}

// Submit sends the raw signed transaction and returns its signature.
func (c *RPCClient) Submit(ctx context.Context, rawTx []byte) (Signature, error) {
	var sig string
	params := []any{base64.StdEncoding.EncodeToString(rawTx), map[string]string{"encoding": "base64"}}
	if err := c.call(ctx, "sendTransaction", params, &sig); err != nil {
		return "", err
	}
	return Signature(sig), nil
}

// AwaitConfirmation polls the signature status until it confirms, the
// ledger reports execution failure, or the context expires.
func (c *RPCClient) AwaitConfirmation(ctx context.Context, sig Signature) (Slot, error) {
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	for {
		slot, done, err := c.checkSignature(ctx, sig)
		if err != nil || done {
			return slot, err
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *RPCClient) checkSignature(ctx context.Context, sig Signature) (Slot, bool, error) {
	var result struct {
		Value []*struct {
			Slot               uint64          `json:"slot"`
			ConfirmationStatus string          `json:"confirmationStatus"`
			Err                json.RawMessage `json:"err"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getSignatureStatuses", []any{[]string{string(sig)}}, &result); err != nil {
		return 0, false, err
	}
	if len(result.Value) == 0 || result.Value[0] == nil {
		return 0, false, nil // not yet visible
	}

	st := result.Value[0]
	if st.Err != nil && string(st.Err) != "null" {
		return 0, true, &ExecutionError{
			Signature: sig,
			Slot:      Slot(st.Slot),
			Cause:     string(st.Err),
		}
	}
	if st.ConfirmationStatus == "confirmed" || st.ConfirmationStatus == "finalized" {
		return Slot(st.Slot), true, nil
	}
	return 0, false, nil
}
