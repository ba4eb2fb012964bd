// Package rest 实现 REST 备用通道：HMAC 签名查询，用于订单状态核实与余额同步。
// 协议通道不健康或调用超时后，必须先经这里核实订单是否已落地，再决定重试。
package rest

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/futbot/internal/exchange"
	"github.com/betbot/futbot/internal/exchange/signing"
)

const apiKeyHeader = "X-API-KEY"

// Client REST 客户端（按账户一个，持有该账户的对称密钥）
type Client struct {
	http   *resty.Client
	key    string
	secret string
	log    *logrus.Entry
}

// NewClient 创建 REST 客户端
func NewClient(baseURL, key, secret string) *Client {
	// resty 会自动从环境变量读取代理配置（HTTP_PROXY, HTTPS_PROXY）
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 429 限流按 Retry-After 头等待
			if resp.StatusCode() == 429 {
				if retryAfter := resp.Header().Get("Retry-After"); retryAfter != "" {
					if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
						return seconds, nil
					}
				}
				return 10 * time.Second, nil
			}
			return 0, nil
		})

	return &Client{
		http:   client,
		key:    key,
		secret: secret,
		log:    logrus.WithField("component", "rest_client"),
	}
}

// errorBody 交易所 REST 错误体
type errorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// signedGet 发送 HMAC 签名查询。签名覆盖全部参数（含 timestamp），
// 与协议通道的规范化串一致：按键名排序的 key=value 用 & 连接。
func (c *Client) signedGet(ctx context.Context, path string, params map[string]string, out any) error {
	merged := make(map[string]string, len(params)+2)
	for k, v := range params {
		merged[k] = v
	}
	merged["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig, err := signing.SignHMAC(c.secret, merged)
	if err != nil {
		return &exchange.ConfigError{Reason: err.Error()}
	}
	merged["signature"] = sig

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(apiKeyHeader, c.key).
		SetQueryParams(merged).
		Get(path)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrapf(exchange.ErrTimeout, "REST 查询被取消: %v", err)
		}
		return errors.Wrapf(exchange.ErrConnection, "REST 查询失败: %v", err)
	}
	if !resp.IsSuccess() {
		var body errorBody
		if jsonErr := json.Unmarshal(resp.Body(), &body); jsonErr == nil && body.Msg != "" {
			if resp.StatusCode() == 401 || resp.StatusCode() == 403 {
				return errors.Wrapf(exchange.ErrInvalidCredential, "REST 鉴权失败: %s", body.Msg)
			}
			return &exchange.ExchangeError{Code: body.Code, Msg: body.Msg}
		}
		return &exchange.ExchangeError{Code: resp.StatusCode(), Msg: resp.Status()}
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return &exchange.ProtocolError{Reason: "REST 响应体无法解析: " + err.Error()}
		}
	}
	return nil
}

// OrderStatus 订单状态查询结果
type OrderStatus struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	UpdateTime    int64  `json:"updateTime"`
}

// QueryOrder 按交易所订单号查询订单状态
func (c *Client) QueryOrder(ctx context.Context, symbol, orderID string) (*OrderStatus, error) {
	var out OrderStatus
	err := c.signedGet(ctx, "/fapi/v1/order", map[string]string{
		"symbol":  symbol,
		"orderId": orderID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AssetBalance 单一资产余额
type AssetBalance struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
	UpdateTime       int64  `json:"updateTime"`
}

// Balance 查询账户全部资产余额
func (c *Client) Balance(ctx context.Context) ([]AssetBalance, error) {
	var out []AssetBalance
	if err := c.signedGet(ctx, "/fapi/v2/balance", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
