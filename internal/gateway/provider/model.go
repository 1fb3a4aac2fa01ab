package provider

import (
	"context"
	"encoding/base64"
)

type ImagePayload struct {
	DataURI     string
	Description string
}

// ImageFromBytes 把截图编码为 data URI。
func ImageFromBytes(mime string, data []byte, desc string) ImagePayload {
	if mime == "" {
		mime = "image/png"
	}
	return ImagePayload{
		DataURI:     "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data),
		Description: desc,
	}
}

type ChatPayload struct {
	System     string
	User       string
	Images     []ImagePayload
	ExpectJSON bool
	MaxTokens  int
}

type ModelProvider interface {
	ID() string
	Model() string
	SupportsVision() bool
	Call(ctx context.Context, payload ChatPayload) (string, error)
}
