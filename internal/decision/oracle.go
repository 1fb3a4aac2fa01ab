package decision

import (
	"context"
	"encoding/json"

	"estrader/internal/gateway/provider"
	"estrader/internal/logger"
	"estrader/internal/pkg/jsonutil"
	"estrader/internal/trader"
)

// Request 是一次预言机调用的输入。
type Request struct {
	TraceID   string
	Variant   trader.Variant
	System    string
	User      string
	Image     []byte
	ImageMIME string
}

// Oracle 是外部决策来源。返回的 error 若包装 ErrMalformedResponse，Result 已是 Hold。
type Oracle interface {
	Decide(ctx context.Context, req Request) (Result, error)
}

// VisionOracle 通过视觉模型解读截图。
type VisionOracle struct {
	provider  provider.ModelProvider
	validator *Validator
	maxTokens int
}

func NewVisionOracle(p provider.ModelProvider, v *Validator, maxTokens int) *VisionOracle {
	if v == nil {
		v = MustDefaultValidator()
	}
	return &VisionOracle{provider: p, validator: v, maxTokens: maxTokens}
}

func (o *VisionOracle) Decide(ctx context.Context, req Request) (Result, error) {
	payload := provider.ChatPayload{
		System:     req.System,
		User:       req.User,
		ExpectJSON: true,
		MaxTokens:  o.maxTokens,
	}
	if len(req.Image) > 0 {
		payload.Images = []provider.ImagePayload{provider.ImageFromBytes(req.ImageMIME, req.Image, "current chart")}
	}
	logger.LogLLMRequest(req.TraceID, o.provider.Model(), string(req.Variant), req.System, req.User, len(req.Image), "")

	raw, err := o.provider.Call(ctx, payload)
	if err != nil {
		logger.LogLLMResponse(req.TraceID, o.provider.Model(), "", "error: "+err.Error())
		return Result{}, err
	}
	res, perr := Parse(raw, o.validator)
	verdict := "error: "
	if perr != nil {
		verdict += perr.Error()
	} else if b, err := json.Marshal(res); err == nil {
		verdict = jsonutil.Pretty(string(b))
	}
	logger.LogLLMResponse(req.TraceID, o.provider.Model(), raw, verdict)
	return res, perr
}
