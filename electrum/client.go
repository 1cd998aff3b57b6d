package electrum

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultTimeout bounds dialing and every request without an earlier context deadline
	DefaultTimeout = 30 * time.Second

	// ProtocolVersion is the Electrum protocol version negotiated on connect
	ProtocolVersion = "1.4"

	clientName = "btc-faucet"
)

// ErrClientClosed is returned by calls made after Close or after the connection dropped
var ErrClientClosed = errors.New("electrum: client is closed")

// ServerError is an error object returned by the Electrum server
type ServerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("electrum error %d: %s", e.Code, e.Message)
}

// Client represents an Electrum protocol client
type Client struct {
	conn     net.Conn
	mu       sync.Mutex
	id       atomic.Uint64
	url      string
	useTLS   bool
	host     string
	port     string
	timeout  time.Duration
	respChan map[uint64]chan *rpcResponse
	respMu   sync.Mutex
	closed   bool
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *ServerError    `json:"error"`
}

// Balance represents the balance response from Electrum
type Balance struct {
	Confirmed   int64 `json:"confirmed"`
	Unconfirmed int64 `json:"unconfirmed"`
}

// UTXO represents an unspent transaction output.
// Height is 0 (or negative) for mempool outputs.
type UTXO struct {
	TxHash string `json:"tx_hash"`
	TxPos  int    `json:"tx_pos"`
	Height int64  `json:"height"`
	Value  int64  `json:"value"`
}

// NewClient connects to url (ssl://host:port, tcp://host:port or host:port
// for TLS) and negotiates the protocol version
func NewClient(ctx context.Context, url string) (*Client, error) {
	c := &Client{
		url:      url,
		timeout:  DefaultTimeout,
		respChan: make(map[uint64]chan *rpcResponse),
	}

	if err := c.parseURL(url); err != nil {
		return nil, err
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	go c.readResponses()

	if err := c.negotiateVersion(ctx); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// URL returns the server URL the client was created with
func (c *Client) URL() string {
	return c.url
}

func (c *Client) parseURL(url string) error {
	switch {
	case strings.HasPrefix(url, "ssl://"):
		c.useTLS = true
		url = strings.TrimPrefix(url, "ssl://")
	case strings.HasPrefix(url, "tcp://"):
		c.useTLS = false
		url = strings.TrimPrefix(url, "tcp://")
	default:
		c.useTLS = true
	}

	host, port, err := net.SplitHostPort(url)
	if err != nil || host == "" || port == "" {
		return fmt.Errorf("invalid URL format: expected host:port")
	}

	c.host = host
	c.port = port

	return nil
}

func (c *Client) connect(ctx context.Context) error {
	addr := net.JoinHostPort(c.host, c.port)
	dialer := &net.Dialer{Timeout: c.timeout}

	var conn net.Conn
	var err error

	if c.useTLS {
		tlsDialer := &tls.Dialer{
			NetDialer: dialer,
			Config: &tls.Config{
				MinVersion: tls.VersionTLS12,
				ServerName: c.host,
			},
		}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}

	if err != nil {
		return fmt.Errorf("failed to connect to Electrum server: %w", err)
	}

	c.conn = conn
	return nil
}

func (c *Client) readResponses() {
	decoder := json.NewDecoder(c.conn)
	for {
		var resp rpcResponse
		if err := decoder.Decode(&resp); err != nil {
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()

			// Fail every pending call
			c.respMu.Lock()
			for _, ch := range c.respChan {
				close(ch)
			}
			c.respChan = make(map[uint64]chan *rpcResponse)
			c.respMu.Unlock()
			return
		}

		c.respMu.Lock()
		if ch, ok := c.respChan[resp.ID]; ok {
			ch <- &resp
			delete(c.respChan, resp.ID)
		}
		c.respMu.Unlock()
	}
}

func (c *Client) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.mu.Unlock()

	if params == nil {
		params = []interface{}{}
	}

	id := c.id.Add(1)

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')

	respCh := make(chan *rpcResponse, 1)
	c.respMu.Lock()
	c.respChan[id] = respCh
	c.respMu.Unlock()

	c.mu.Lock()
	_, err = c.conn.Write(data)
	c.mu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, fmt.Errorf("%s: %w", method, ErrClientClosed)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, fmt.Errorf("%s: request timeout: %w", method, ctx.Err())
	}
}

func (c *Client) forget(id uint64) {
	c.respMu.Lock()
	delete(c.respChan, id)
	c.respMu.Unlock()
}

func (c *Client) negotiateVersion(ctx context.Context) error {
	result, err := c.call(ctx, "server.version", clientName, ProtocolVersion)
	if err != nil {
		return fmt.Errorf("version negotiation failed: %w", err)
	}

	var version []string
	if err := json.Unmarshal(result, &version); err != nil {
		return fmt.Errorf("failed to parse version response: %w", err)
	}

	return nil
}

// Close closes the client connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.closed = true
}

// Closed reports whether the connection is no longer usable
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) callInto(ctx context.Context, out interface{}, what string, method string, params ...interface{}) error {
	result, err := c.call(ctx, method, params...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", what, err)
	}
	return nil
}

// GetBalance returns the balance for a scripthash
func (c *Client) GetBalance(ctx context.Context, scripthash string) (*Balance, error) {
	var balance Balance
	if err := c.callInto(ctx, &balance, "balance", "blockchain.scripthash.get_balance", scripthash); err != nil {
		return nil, err
	}
	return &balance, nil
}

// ListUnspent returns unspent outputs for a scripthash
func (c *Client) ListUnspent(ctx context.Context, scripthash string) ([]UTXO, error) {
	var utxos []UTXO
	if err := c.callInto(ctx, &utxos, "UTXOs", "blockchain.scripthash.listunspent", scripthash); err != nil {
		return nil, err
	}
	return utxos, nil
}

// BroadcastTransaction broadcasts a raw transaction and returns the txid
func (c *Client) BroadcastTransaction(ctx context.Context, rawtx string) (string, error) {
	var txid string
	if err := c.callInto(ctx, &txid, "broadcast result", "blockchain.transaction.broadcast", rawtx); err != nil {
		return "", err
	}
	return txid, nil
}

// EstimateFee returns the estimated fee in BTC per kilobyte to confirm
// within blocks, or -1 when the server has no estimate
func (c *Client) EstimateFee(ctx context.Context, blocks int) (float64, error) {
	var fee float64
	if err := c.callInto(ctx, &fee, "fee estimate", "blockchain.estimatefee", blocks); err != nil {
		return 0, err
	}
	return fee, nil
}

// RelayFee returns the server's minimum relay fee in BTC per kilobyte
func (c *Client) RelayFee(ctx context.Context) (float64, error) {
	var fee float64
	if err := c.callInto(ctx, &fee, "relay fee", "blockchain.relayfee"); err != nil {
		return 0, err
	}
	return fee, nil
}

// Ping checks that the server answers requests
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "server.ping")
	return err
}

// GetBlockHeight returns the current block height from server
func (c *Client) GetBlockHeight(ctx context.Context) (int64, error) {
	var headerInfo struct {
		Height int64  `json:"height"`
		Hex    string `json:"hex"`
	}
	if err := c.callInto(ctx, &headerInfo, "header info", "blockchain.headers.subscribe"); err != nil {
		return 0, err
	}
	return headerInfo.Height, nil
}
