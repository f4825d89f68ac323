package knowledge

import (
	"context"
	"encoding/json"
	"strings"
)

// StaticProvider serves a fixed result for every request. It backs sources
// configured inline and is handy in local development.
type StaticProvider struct {
	result Result
}

// NewStaticProvider returns a provider that always yields text. When text is
// valid JSON it is also exposed as structured data.
func NewStaticProvider(text string) *StaticProvider {
	text = strings.TrimSpace(text)
	res := Result{Text: text}
	if json.Valid([]byte(text)) {
		res.Data = json.RawMessage(text)
	}
	return &StaticProvider{result: res}
}

func (p *StaticProvider) Fetch(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := p.result
	return &res, nil
}
