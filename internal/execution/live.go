package execution

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// LiveGateway submits signed orders to the exchange REST API. Submissions are
// rate limited client-side and reuse the client order id across retries so
// the venue deduplicates replays of the same signal.
type LiveGateway struct {
	baseURL string
	key     string
	secret  string
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

func NewLiveGateway(baseURL, key, secret string, ordersPerSec float64) *LiveGateway {
	if ordersPerSec <= 0 {
		ordersPerSec = 5
	}
	return &LiveGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		secret:  secret,
		client:  &http.Client{Timeout: 5 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(ordersPerSec), 1),
		now:     time.Now,
	}
}

func (g *LiveGateway) Name() string { return "live" }

type liveOrderResponse struct {
	OrderID     int64  `json:"orderId"`
	Status      string `json:"status"`
	AvgPrice    string `json:"avgPrice"`
	ExecutedQty string `json:"executedQty"`
}

func (g *LiveGateway) Submit(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return OrderResult{}, err
	}

	q := url.Values{}
	q.Set("symbol", req.Symbol)
	q.Set("side", string(req.Side))
	q.Set("type", "MARKET")
	q.Set("quantity", strconv.FormatFloat(req.Qty, 'f', -1, 64))
	q.Set("newClientOrderId", req.ClientOrderID)
	q.Set("newOrderRespType", "RESULT")
	q.Set("timestamp", strconv.FormatInt(g.now().UnixMilli(), 10))
	q.Set("recvWindow", "5000")
	payload := q.Encode()

	mac := hmac.New(sha256.New, []byte(g.secret))
	mac.Write([]byte(payload))
	payload += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/fapi/v1/order", strings.NewReader(payload))
	if err != nil {
		return OrderResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("X-MBX-APIKEY", g.key)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil && !isTimeout(err) {
			return OrderResult{}, err
		}
		// Timeouts and connection errors are retryable.
		return OrderResult{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return OrderResult{}, fmt.Errorf("%w: http %d: %s", ErrTransient, resp.StatusCode, body)
	default:
		return OrderResult{}, fmt.Errorf("%w: http %d: %s", ErrRejected, resp.StatusCode, body)
	}

	var parsed liveOrderResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return OrderResult{}, fmt.Errorf("%w: decode response: %v", ErrTransient, err)
	}
	price, _ := strconv.ParseFloat(parsed.AvgPrice, 64)
	qty, _ := strconv.ParseFloat(parsed.ExecutedQty, 64)
	if parsed.Status != "FILLED" || qty <= 0 {
		return OrderResult{}, fmt.Errorf("%w: venue status %s", ErrRejected, parsed.Status)
	}
	return OrderResult{
		OrderID:   strconv.FormatInt(parsed.OrderID, 10),
		Status:    StatusFilled,
		FillPrice: price,
		FillQty:   qty,
		TS:        g.now().UTC(),
	}, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

var _ Gateway = (*LiveGateway)(nil)
