package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"estrader/internal/logger"
	"estrader/internal/trace"
	"estrader/internal/trader"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// 中文说明：
// GatewayClient：ProjectX/TopstepX 风格的 REST 网关。
// 所有请求均为 POST + Bearer token；token 通过 /api/Auth/loginKey 获取并缓存，401 时重新登录一次。
// 只读查询在网络错误/5xx 时重试，下单类请求只在 429 时重试，避免重复下单。

const (
	pathLogin          = "/api/Auth/loginKey"
	pathPositionSearch = "/api/Position/searchOpen"
	pathOrderPlace     = "/api/Order/place"
	pathOrderSearch    = "/api/Order/searchOpen"
	pathOrderModify    = "/api/Order/modify"
	pathCloseContract  = "/api/Position/closeContract"
	pathPartialClose   = "/api/Position/partialCloseContract"
	pathTradeSearch    = "/api/Trade/search"

	tokenTTL = 23 * time.Hour
)

// 网关枚举值
const (
	orderTypeLimit  = 1
	orderTypeMarket = 2
	orderTypeStop   = 4

	orderSideBuy  = 0
	orderSideSell = 1

	positionTypeLong  = 1
	positionTypeShort = 2
)

var readOnlyPaths = map[string]bool{
	pathPositionSearch: true,
	pathOrderSearch:    true,
	pathTradeSearch:    true,
}

type GatewayConfig struct {
	BaseURL       string
	UserName      string
	APIKey        string
	AccountID     int64
	Contracts     map[string]string
	TickSize      float64
	Timeout       time.Duration
	RatePerSecond float64
}

type GatewayClient struct {
	cfg     GatewayConfig
	client  *resty.Client
	limiter *rate.Limiter
	nowFn   func() time.Time

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func NewGatewayClient(cfg GatewayConfig) *GatewayClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 4
	}
	burst := int(math.Ceil(cfg.RatePerSecond))
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(retryable)
	return &GatewayClient{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst),
		nowFn:   time.Now,
	}
}

func retryable(r *resty.Response, err error) bool {
	if r != nil && r.StatusCode() == http.StatusTooManyRequests {
		return true
	}
	if r == nil || r.Request == nil {
		return false
	}
	if !readOnlyPaths[requestPath(r.Request.URL)] {
		return false
	}
	return err != nil || r.StatusCode() >= 500
}

func requestPath(raw string) string {
	if idx := strings.Index(raw, "/api/"); idx >= 0 {
		raw = raw[idx:]
	}
	if idx := strings.IndexAny(raw, "?#"); idx >= 0 {
		raw = raw[:idx]
	}
	return raw
}

type apiStatus struct {
	Success      bool    `json:"success"`
	ErrorCode    int     `json:"errorCode"`
	ErrorMessage *string `json:"errorMessage"`
}

func (s apiStatus) status() apiStatus { return s }

func (s apiStatus) err(path string) error {
	if s.Success {
		return nil
	}
	msg := ""
	if s.ErrorMessage != nil {
		msg = *s.ErrorMessage
	}
	return fmt.Errorf("%w: %s code=%d %s", ErrRejected, path, s.ErrorCode, msg)
}

type statusCarrier interface {
	status() apiStatus
}

type loginResponse struct {
	apiStatus
	Token string `json:"token"`
}

func (g *GatewayClient) contractFor(symbol string) string {
	if id, ok := g.cfg.Contracts[symbol]; ok && id != "" {
		return id
	}
	return symbol
}

func (g *GatewayClient) authToken(ctx context.Context, force bool) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.nowFn()
	if !force && g.token != "" && now.Before(g.tokenExp) {
		return g.token, nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}
	var out loginResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"userName": g.cfg.UserName, "apiKey": g.cfg.APIKey}).
		SetResult(&out).
		Post(pathLogin)
	if err != nil {
		return "", fmt.Errorf("broker login: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return "", fmt.Errorf("%w: status=%d", ErrAuth, resp.StatusCode())
	}
	if resp.IsError() {
		return "", fmt.Errorf("broker login: status=%d %s", resp.StatusCode(), resp.String())
	}
	if !out.Success || out.Token == "" {
		msg := ""
		if out.ErrorMessage != nil {
			msg = *out.ErrorMessage
		}
		return "", fmt.Errorf("%w: code=%d %s", ErrAuth, out.ErrorCode, msg)
	}
	g.token = out.Token
	g.tokenExp = now.Add(tokenTTL)
	logger.Infof("[broker] 登录成功 user=%s", g.cfg.UserName)
	return g.token, nil
}

// post 发送一个带鉴权的请求，401 时刷新 token 重试一次。
func (g *GatewayClient) post(ctx context.Context, path string, body any, out statusCarrier) (err error) {
	ctx, span := trace.StartSpan(ctx, "broker"+path, attribute.Int64("account_id", g.cfg.AccountID))
	defer func() { trace.End(span, err) }()

	for attempt := 0; attempt < 2; attempt++ {
		token, terr := g.authToken(ctx, attempt > 0)
		if terr != nil {
			return terr
		}
		if werr := g.limiter.Wait(ctx); werr != nil {
			return werr
		}
		resp, rerr := g.client.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetBody(body).
			SetResult(out).
			Post(path)
		if rerr != nil {
			return fmt.Errorf("broker %s: %w", path, rerr)
		}
		if resp.StatusCode() == http.StatusUnauthorized {
			logger.Warnf("[broker] %s 返回 401，重新登录", path)
			continue
		}
		if resp.IsError() {
			return fmt.Errorf("broker %s: status=%d %s", path, resp.StatusCode(), resp.String())
		}
		return out.status().err(path)
	}
	return fmt.Errorf("%w: %s still unauthorized after re-login", ErrAuth, path)
}

type gatewayPosition struct {
	ID                int64   `json:"id"`
	ContractID        string  `json:"contractId"`
	CreationTimestamp string  `json:"creationTimestamp"`
	Type              int     `json:"type"`
	Size              int     `json:"size"`
	AveragePrice      float64 `json:"averagePrice"`
}

type positionSearchResponse struct {
	apiStatus
	Positions []gatewayPosition `json:"positions"`
}

func (g *GatewayClient) GetPosition(ctx context.Context, symbol string) (RemotePosition, error) {
	contract := g.contractFor(symbol)
	var out positionSearchResponse
	if err := g.post(ctx, pathPositionSearch, map[string]any{"accountId": g.cfg.AccountID}, &out); err != nil {
		return RemotePosition{}, err
	}
	for _, p := range out.Positions {
		if p.ContractID != contract || p.Size <= 0 {
			continue
		}
		side := trader.SideLong
		if p.Type == positionTypeShort {
			side = trader.SideShort
		}
		return RemotePosition{
			Side:       side,
			Size:       p.Size,
			AvgPrice:   p.AveragePrice,
			ContractID: p.ContractID,
			OpenedAt:   parseTimestamp(p.CreationTimestamp),
		}, nil
	}
	return RemotePosition{Side: trader.SideNone, ContractID: contract}, nil
}

type bracket struct {
	Ticks int `json:"ticks"`
	Type  int `json:"type"`
}

type placeOrderRequest struct {
	AccountID         int64    `json:"accountId"`
	ContractID        string   `json:"contractId"`
	Type              int      `json:"type"`
	Side              int      `json:"side"`
	Size              int      `json:"size"`
	LimitPrice        *float64 `json:"limitPrice"`
	StopPrice         *float64 `json:"stopPrice"`
	CustomTag         string   `json:"customTag,omitempty"`
	StopLossBracket   *bracket `json:"stopLossBracket,omitempty"`
	TakeProfitBracket *bracket `json:"takeProfitBracket,omitempty"`
}

type placeOrderResponse struct {
	apiStatus
	OrderID int64 `json:"orderId"`
}

func (g *GatewayClient) PlaceEntry(ctx context.Context, order EntryOrder) (OrderAck, error) {
	if order.Size <= 0 {
		return OrderAck{}, fmt.Errorf("%w: entry size must be positive", ErrRejected)
	}
	side, err := orderSide(order.Side)
	if err != nil {
		return OrderAck{}, err
	}
	req := placeOrderRequest{
		AccountID:  g.cfg.AccountID,
		ContractID: g.contractFor(order.Symbol),
		Type:       orderTypeMarket,
		Side:       side,
		Size:       order.Size,
	}
	ref := order.ReferencePrice
	if order.LimitPrice != nil {
		req.Type = orderTypeLimit
		req.LimitPrice = order.LimitPrice
		ref = *order.LimitPrice
	}
	if ticks, ok := g.ticksFrom(ref, order.StopLoss); ok {
		req.StopLossBracket = &bracket{Ticks: ticks, Type: orderTypeStop}
	}
	if ticks, ok := g.ticksFrom(ref, order.TakeProfit); ok {
		req.TakeProfitBracket = &bracket{Ticks: ticks, Type: orderTypeLimit}
	}
	if (order.StopLoss != nil && req.StopLossBracket == nil) || (order.TakeProfit != nil && req.TakeProfitBracket == nil) {
		logger.Warnf("[broker] 无参考价或 tick 配置，括号单未附带 symbol=%s", order.Symbol)
	}
	var out placeOrderResponse
	if err := g.post(ctx, pathOrderPlace, req, &out); err != nil {
		return OrderAck{}, err
	}
	return OrderAck{OrderID: strconv.FormatInt(out.OrderID, 10)}, nil
}

// ticksFrom 把绝对价格换算成相对参考价的带符号 tick 数。
func (g *GatewayClient) ticksFrom(ref float64, price *float64) (int, bool) {
	if price == nil || ref <= 0 || g.cfg.TickSize <= 0 {
		return 0, false
	}
	ticks := int(math.Round((*price - ref) / g.cfg.TickSize))
	if ticks == 0 {
		return 0, false
	}
	return ticks, true
}

type gatewayOrder struct {
	ID         int64    `json:"id"`
	ContractID string   `json:"contractId"`
	Type       int      `json:"type"`
	Side       int      `json:"side"`
	Size       int      `json:"size"`
	LimitPrice *float64 `json:"limitPrice"`
	StopPrice  *float64 `json:"stopPrice"`
}

type orderSearchResponse struct {
	apiStatus
	Orders []gatewayOrder `json:"orders"`
}

type modifyOrderRequest struct {
	AccountID  int64    `json:"accountId"`
	OrderID    int64    `json:"orderId"`
	LimitPrice *float64 `json:"limitPrice,omitempty"`
	StopPrice  *float64 `json:"stopPrice,omitempty"`
}

// ModifyBrackets 改价已有的止损/止盈单；缺失时补挂一张。
func (g *GatewayClient) ModifyBrackets(ctx context.Context, update BracketUpdate) error {
	if update.StopLoss == nil && update.TakeProfit == nil {
		return nil
	}
	entrySide, err := orderSide(update.Side)
	if err != nil {
		return err
	}
	exitSide := orderSideBuy
	if entrySide == orderSideBuy {
		exitSide = orderSideSell
	}
	contract := g.contractFor(update.Symbol)
	var open orderSearchResponse
	if err := g.post(ctx, pathOrderSearch, map[string]any{"accountId": g.cfg.AccountID}, &open); err != nil {
		return err
	}
	var stopOrder, limitOrder *gatewayOrder
	for i := range open.Orders {
		o := &open.Orders[i]
		if o.ContractID != contract || o.Side != exitSide {
			continue
		}
		switch o.Type {
		case orderTypeStop:
			stopOrder = o
		case orderTypeLimit:
			limitOrder = o
		}
	}
	if update.StopLoss != nil {
		if err := g.upsertExit(ctx, stopOrder, contract, exitSide, orderTypeStop, update.Size, update.StopLoss); err != nil {
			return err
		}
	}
	if update.TakeProfit != nil {
		if err := g.upsertExit(ctx, limitOrder, contract, exitSide, orderTypeLimit, update.Size, update.TakeProfit); err != nil {
			return err
		}
	}
	return nil
}

func (g *GatewayClient) upsertExit(ctx context.Context, existing *gatewayOrder, contract string, side, orderType, size int, price *float64) error {
	if existing != nil {
		req := modifyOrderRequest{AccountID: g.cfg.AccountID, OrderID: existing.ID}
		if orderType == orderTypeStop {
			req.StopPrice = price
		} else {
			req.LimitPrice = price
		}
		var out apiStatus
		return g.post(ctx, pathOrderModify, req, &out)
	}
	if size <= 0 {
		return fmt.Errorf("%w: no resting exit order to modify on %s", ErrRejected, contract)
	}
	req := placeOrderRequest{
		AccountID:  g.cfg.AccountID,
		ContractID: contract,
		Type:       orderType,
		Side:       side,
		Size:       size,
	}
	if orderType == orderTypeStop {
		req.StopPrice = price
	} else {
		req.LimitPrice = price
	}
	logger.Infof("[broker] 未找到现有离场单，补挂 type=%d price=%.2f", orderType, *price)
	var out placeOrderResponse
	return g.post(ctx, pathOrderPlace, req, &out)
}

func (g *GatewayClient) ClosePosition(ctx context.Context, symbol string, size int) (OrderAck, error) {
	contract := g.contractFor(symbol)
	var out apiStatus
	if size <= 0 {
		err := g.post(ctx, pathCloseContract, map[string]any{
			"accountId":  g.cfg.AccountID,
			"contractId": contract,
		}, &out)
		return OrderAck{}, err
	}
	err := g.post(ctx, pathPartialClose, map[string]any{
		"accountId":  g.cfg.AccountID,
		"contractId": contract,
		"size":       size,
	}, &out)
	return OrderAck{}, err
}

type gatewayTrade struct {
	ID                int64    `json:"id"`
	AccountID         int64    `json:"accountId"`
	ContractID        string   `json:"contractId"`
	CreationTimestamp string   `json:"creationTimestamp"`
	Price             float64  `json:"price"`
	ProfitAndLoss     *float64 `json:"profitAndLoss"`
	Fees              float64  `json:"fees"`
	Side              int      `json:"side"`
	Size              int      `json:"size"`
	Voided            bool     `json:"voided"`
	OrderID           int64    `json:"orderId"`
}

type tradeSearchResponse struct {
	apiStatus
	Trades []gatewayTrade `json:"trades"`
}

func (g *GatewayClient) GetRecentFills(ctx context.Context, symbol string, since time.Time) ([]Fill, error) {
	contract := g.contractFor(symbol)
	var out tradeSearchResponse
	err := g.post(ctx, pathTradeSearch, map[string]any{
		"accountId":      g.cfg.AccountID,
		"startTimestamp": since.UTC().Format(time.RFC3339),
		"endTimestamp":   g.nowFn().UTC().Format(time.RFC3339),
	}, &out)
	if err != nil {
		return nil, err
	}
	fills := make([]Fill, 0, len(out.Trades))
	for _, t := range out.Trades {
		if t.ContractID != contract {
			continue
		}
		side := trader.SideLong
		if t.Side == orderSideSell {
			side = trader.SideShort
		}
		fills = append(fills, Fill{
			ID:         strconv.FormatInt(t.ID, 10),
			OrderID:    strconv.FormatInt(t.OrderID, 10),
			ContractID: t.ContractID,
			Side:       side,
			Size:       t.Size,
			Price:      t.Price,
			PnL:        t.ProfitAndLoss,
			Fees:       t.Fees,
			Voided:     t.Voided,
			At:         parseTimestamp(t.CreationTimestamp),
		})
	}
	return fills, nil
}

func orderSide(side trader.Side) (int, error) {
	switch side {
	case trader.SideLong:
		return orderSideBuy, nil
	case trader.SideShort:
		return orderSideSell, nil
	}
	return 0, fmt.Errorf("%w: side %q", ErrRejected, side)
}

func parseTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

// IsAuthError 判断是否需要立即告警。
func IsAuthError(err error) bool { return errors.Is(err, ErrAuth) }
