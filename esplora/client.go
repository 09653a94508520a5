package esplora

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// defaultRequestTimeout is the default timeout for individual HTTP
	// requests.
	defaultRequestTimeout = 30 * time.Second

	// retryBackoffUnit is the base amount the backoff between retries of
	// a failed request grows by.
	retryBackoffUnit = 100 * time.Millisecond
)

var (
	// ErrClientShutdown is returned when the client has been shut down.
	ErrClientShutdown = errors.New("esplora client has been shut down")

	// ErrNotFound is returned when the API reports that the requested
	// resource doesn't exist.
	ErrNotFound = errors.New("not found")
)

// ClientConfig holds the configuration for the Esplora client.
type ClientConfig struct {
	// URL is the base URL of the Esplora API (e.g. http://localhost:3002).
	URL string

	// RequestTimeout is the timeout for individual HTTP requests. If
	// zero, a default of 30 seconds is used.
	RequestTimeout time.Duration

	// MaxRetries is the maximum number of retries for failed requests.
	MaxRetries int
}

// BlockStatus represents the status of a block as reported by the API. The
// height field is only meaningful while the block is in the best chain.
type BlockStatus struct {
	InBestChain bool   `json:"in_best_chain"`
	Height      uint32 `json:"height"`
	NextBest    string `json:"next_best,omitempty"`
}

// TxStatus represents transaction confirmation status.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint32 `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// OutSpend represents the spend status of a transaction output. Status is
// nil while the output is unspent.
type OutSpend struct {
	Spent  bool      `json:"spent"`
	TxID   string    `json:"txid,omitempty"`
	Vin    uint32    `json:"vin,omitempty"`
	Status *TxStatus `json:"status,omitempty"`
}

// FeeEstimates represents fee estimates from the API. Keys are confirmation
// targets (as strings), values are fee rates in sat/vB.
type FeeEstimates map[string]float64

// Client is an HTTP client for the Esplora REST API.
type Client struct {
	cfg *ClientConfig

	httpClient *http.Client

	quit chan struct{}
}

// NewClient creates a new Esplora client with the given configuration.
func NewClient(cfg *ClientConfig) *Client {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		quit: make(chan struct{}),
	}
}

// Stop aborts any retry loops still in flight.
func (c *Client) Stop() {
	close(c.quit)
}

// doRequest performs an HTTP request with retries.
func (c *Client) doRequest(ctx context.Context, method, path string,
	body io.Reader) (*http.Response, error) {

	url := c.cfg.URL + path

	var lastErr error
	for i := 0; i <= c.cfg.MaxRetries; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.quit:
			return nil, ErrClientShutdown
		default:
		}

		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w",
				err)
		}

		if body != nil {
			req.Header.Set("Content-Type", "text/plain")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if i < c.cfg.MaxRetries {
				log.Debugf("Request %s failed, retrying: %v",
					path, err)
				time.Sleep(time.Duration(i+1) *
					retryBackoffUnit)
			}
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w",
		c.cfg.MaxRetries+1, lastErr)
}

// doGet performs a GET request and returns the response body. A 404
// response maps to ErrNotFound.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d: %s",
			resp.StatusCode, string(body))
	}

	return body, nil
}

// getJSON performs a GET request and decodes the JSON response into target.
func (c *Client) getJSON(ctx context.Context, path string,
	target interface{}) error {

	body, err := c.doGet(ctx, path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// GetTipHeight returns the current chain tip height.
func (c *Client) GetTipHeight(ctx context.Context) (uint32, error) {
	body, err := c.doGet(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}

	height, err := strconv.ParseUint(string(body), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("failed to parse height: %w", err)
	}

	return uint32(height), nil
}

// GetTipHash returns the current chain tip hash.
func (c *Client) GetTipHash(ctx context.Context) (*chainhash.Hash, error) {
	body, err := c.doGet(ctx, "/blocks/tip/hash")
	if err != nil {
		return nil, err
	}

	hash, err := chainhash.NewHashFromStr(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse tip hash: %w", err)
	}

	return hash, nil
}

// GetBlockStatus fetches a block's best-chain status by hash.
func (c *Client) GetBlockStatus(ctx context.Context,
	blockHash *chainhash.Hash) (*BlockStatus, error) {

	var status BlockStatus
	err := c.getJSON(ctx, "/block/"+blockHash.String()+"/status", &status)
	if err != nil {
		return nil, err
	}

	return &status, nil
}

// GetBlockHeader fetches a block header by hash.
func (c *Client) GetBlockHeader(ctx context.Context,
	blockHash *chainhash.Hash) (*wire.BlockHeader, error) {

	body, err := c.doGet(ctx, "/block/"+blockHash.String()+"/header")
	if err != nil {
		return nil, err
	}

	headerBytes, err := hex.DecodeString(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to decode header hex: %w", err)
	}

	header := &wire.BlockHeader{}
	if err := header.Deserialize(bytes.NewReader(headerBytes)); err != nil {
		return nil, fmt.Errorf("failed to deserialize header: %w", err)
	}

	return header, nil
}

// GetMerkleBlockProof fetches a merkle inclusion proof for the given
// transaction, in bitcoind's merkleblock format. ErrNotFound means the
// transaction is unknown to the API or still unconfirmed.
func (c *Client) GetMerkleBlockProof(ctx context.Context,
	txid *chainhash.Hash) (*wire.MsgMerkleBlock, error) {

	body, err := c.doGet(ctx, "/tx/"+txid.String()+"/merkleblock-proof")
	if err != nil {
		return nil, err
	}

	rawProof, err := hex.DecodeString(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to decode merkleblock hex: %w",
			err)
	}

	merkleBlock := &wire.MsgMerkleBlock{}
	err = merkleBlock.BtcDecode(
		bytes.NewReader(rawProof), wire.ProtocolVersion,
		wire.LatestEncoding,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize merkleblock: %w",
			err)
	}

	return merkleBlock, nil
}

// GetRawTransaction fetches and deserializes a transaction by txid.
func (c *Client) GetRawTransaction(ctx context.Context,
	txid *chainhash.Hash) (*wire.MsgTx, error) {

	body, err := c.doGet(ctx, "/tx/"+txid.String()+"/hex")
	if err != nil {
		return nil, err
	}

	txBytes, err := hex.DecodeString(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to decode tx hex: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(txBytes)); err != nil {
		return nil, fmt.Errorf("failed to deserialize tx: %w", err)
	}

	return tx, nil
}

// GetTxStatus fetches the confirmation status of a transaction.
func (c *Client) GetTxStatus(ctx context.Context,
	txid *chainhash.Hash) (*TxStatus, error) {

	var status TxStatus
	err := c.getJSON(ctx, "/tx/"+txid.String()+"/status", &status)
	if err != nil {
		return nil, err
	}

	return &status, nil
}

// GetOutSpend checks whether a specific output is spent. ErrNotFound means
// the funding transaction is unknown to the API.
func (c *Client) GetOutSpend(ctx context.Context, txid *chainhash.Hash,
	vout uint32) (*OutSpend, error) {

	var outSpend OutSpend
	err := c.getJSON(
		ctx, fmt.Sprintf("/tx/%s/outspend/%d", txid, vout), &outSpend,
	)
	if err != nil {
		return nil, err
	}

	return &outSpend, nil
}

// GetFeeEstimates fetches fee estimates for various confirmation targets.
func (c *Client) GetFeeEstimates(ctx context.Context) (FeeEstimates, error) {
	var estimates FeeEstimates
	if err := c.getJSON(ctx, "/fee-estimates", &estimates); err != nil {
		return nil, err
	}

	return estimates, nil
}

// BroadcastTx broadcasts a transaction to the network and returns its txid.
func (c *Client) BroadcastTx(ctx context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize tx: %w", err)
	}

	resp, err := c.doRequest(
		ctx, http.MethodPost, "/tx",
		bytes.NewBufferString(hex.EncodeToString(buf.Bytes())),
	)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("broadcast failed with status %d: %s",
			resp.StatusCode, string(body))
	}

	return chainhash.NewHashFromStr(string(body))
}
