package decision

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"estrader/internal/pkg/jsonutil"
	"estrader/internal/scheduler"

	"github.com/tidwall/gjson"
)

// Parse 从模型原始输出中提取决策对象并校验。任何失败都包装 ErrMalformedResponse，
// 调用方据此降级为 Hold。
func Parse(raw string, v *Validator) (Result, error) {
	block, ok := jsonutil.ExtractObject(raw)
	if !ok {
		return Hold("no decision object"), fmt.Errorf("%w: 未找到 JSON 决策对象", ErrMalformedResponse)
	}
	if !gjson.Valid(block) {
		return Hold("invalid json"), fmt.Errorf("%w: json 格式无效", ErrMalformedResponse)
	}
	if err := v.Validate(block); err != nil {
		return Hold("schema violation"), fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	doc := gjson.Parse(block)
	action, ok := ParseAction(doc.Get("action").String())
	if !ok {
		return Hold("unknown action"), fmt.Errorf("%w: 未知 action %q", ErrMalformedResponse, doc.Get("action").String())
	}
	res := Result{
		Action:     action,
		Size:       int(doc.Get("size").Int()),
		ScaleSize:  int(doc.Get("scale_size").Int()),
		EntryPrice: positive(doc.Get("entry_price")),
		StopLoss:   positive(doc.Get("stop_loss")),
		TakeProfit: positive(firstOf(doc, "take_profit", "price_target")),
		Confidence: confidence(doc.Get("confidence")),
		Reasoning:  strings.TrimSpace(doc.Get("reasoning").String()),
		RawJSON:    block,
	}
	res.NextCheckSeconds = nextCheck(firstOf(doc, "next_check_seconds", "next_check"))
	if err := checkPrices(res); err != nil {
		return Hold(err.Error()), fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return res, nil
}

func firstOf(doc gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if v := doc.Get(k); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

func positive(v gjson.Result) *float64 {
	if v.Type != gjson.Number {
		return nil
	}
	f := v.Float()
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// confidence 接受 0-100 百分比；(0,1) 区间内的小数视为比例并放大。整数 1 表示 1%。
func confidence(v gjson.Result) int {
	if v.Type != gjson.Number {
		return 0
	}
	f := v.Float()
	if f > 0 && f < 1 {
		f *= 100
	}
	return int(math.Round(f))
}

// nextCheck 解析模型建议的下次检查间隔，非正数/非数值/超过一天返回 0（忽略）。
func nextCheck(v gjson.Result) float64 {
	var f float64
	switch v.Type {
	case gjson.Number:
		f = v.Float()
	case gjson.String:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}
	if !scheduler.ValidOracleSeconds(f) {
		return 0
	}
	return f
}

// checkPrices 拒绝方向明显错误的括号价。
func checkPrices(r Result) error {
	if r.EntryPrice == nil {
		return nil
	}
	entry := *r.EntryPrice
	switch r.Action {
	case ActionBuy:
		if r.StopLoss != nil && *r.StopLoss >= entry {
			return fmt.Errorf("buy stop %.2f not below entry %.2f", *r.StopLoss, entry)
		}
		if r.TakeProfit != nil && *r.TakeProfit <= entry {
			return fmt.Errorf("buy target %.2f not above entry %.2f", *r.TakeProfit, entry)
		}
	case ActionSell:
		if r.StopLoss != nil && *r.StopLoss <= entry {
			return fmt.Errorf("sell stop %.2f not above entry %.2f", *r.StopLoss, entry)
		}
		if r.TakeProfit != nil && *r.TakeProfit >= entry {
			return fmt.Errorf("sell target %.2f not below entry %.2f", *r.TakeProfit, entry)
		}
	}
	return nil
}
