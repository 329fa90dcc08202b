package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/mixer_core/internal/errors"
)

const maxRPCBody = 4 << 20

// rpcHTTP is a minimal JSON-RPC 2.0 POST client. Responses are kept as
// gjson results so callers extract exactly the fields they need.
type rpcHTTP struct {
	url    string
	client *http.Client
}

func newRPCHTTP(url string) *rpcHTTP {
	return &rpcHTTP{url: url, client: &http.Client{Timeout: 15 * time.Second}}
}

func (c *rpcHTTP) call(ctx context.Context, method string, params ...interface{}) (gjson.Result, error) {
	if params == nil {
		params = []interface{}{}
	}
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("rpc %s: marshal: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("rpc %s: build request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return gjson.Result{}, errors.Transient(fmt.Sprintf("rpc %s", method), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return gjson.Result{}, errors.Transient(fmt.Sprintf("rpc %s: status %d", method, resp.StatusCode), nil)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRPCBody))
	if err != nil {
		return gjson.Result{}, errors.Transient(fmt.Sprintf("rpc %s: read body", method), err)
	}
	parsed := gjson.ParseBytes(raw)
	if e := parsed.Get("error"); e.Exists() && e.Type != gjson.Null {
		return gjson.Result{}, fmt.Errorf("rpc %s: %s (code %d)", method, e.Get("message").String(), e.Get("code").Int())
	}
	return parsed.Get("result"), nil
}

// hexToBig decodes a 0x-prefixed hex quantity. Empty and "0x" parse
// as zero, matching node behaviour for genesis-era fields.
func hexToBig(s string) (*big.Int, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex quantity %q", s)
	}
	return v, nil
}

func hexToInt64(s string) (int64, error) {
	v, err := hexToBig(s)
	if err != nil {
		return 0, err
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("hex quantity %q overflows int64", s)
	}
	return v.Int64(), nil
}
