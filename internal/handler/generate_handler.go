package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/hitoshi/guardian/internal/contentfilter"
	"github.com/hitoshi/guardian/internal/middleware"
	"github.com/hitoshi/guardian/internal/model"
	"github.com/hitoshi/guardian/internal/security"
)

// Generator は外部のコンテンツ生成サービス。
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc は関数をGeneratorとして扱うアダプタ。
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

// Generate はf(ctx, prompt)を呼び出す。
func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// GenerateHandler は生成リクエストを外部サービスへ中継し、出力を検査して返す。
// 入力の検査はコンテンツ検査ミドルウェアが行う。
type GenerateHandler struct {
	generator Generator
	filter    *contentfilter.Filter
	sanitizer *security.ContentSanitizer
	sink      middleware.EventSink
	eh        middleware.ErrorHandler
	age       middleware.AgeResolver
}

// NewGenerateHandler はGenerateHandlerを生成する。filterがnilの場合は出力を検査しない。
func NewGenerateHandler(generator Generator, filter *contentfilter.Filter, sanitizer *security.ContentSanitizer,
	sink middleware.EventSink, eh middleware.ErrorHandler, age middleware.AgeResolver) *GenerateHandler {
	return &GenerateHandler{
		generator: generator,
		filter:    filter,
		sanitizer: sanitizer,
		sink:      sink,
		eh:        eh,
		age:       age,
	}
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

// FilterAnnotation はflag判定時にレスポンスへ付与する検査結果。
type FilterAnnotation struct {
	Stage           string                 `json:"stage"`
	Decision        contentfilter.Decision `json:"decision"`
	Categories      []string               `json:"categories"`
	Confidence      float64                `json:"confidence"`
	Recommendations []string               `json:"recommendations,omitempty"`
}

type generateResponse struct {
	Content       string            `json:"content"`
	FilterVerdict *FilterAnnotation `json:"filter_verdict,omitempty"`
}

// Generate はプロンプトから生成したコンテンツを返す。
// POST /api/generate
// 出力がblock判定の場合はCONTENT_001、flag判定の場合は伏せ字化した上でfilter_verdictを付与する。
func (h *GenerateHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.eh.Handle(w, r, err)
		return
	}
	if req.Prompt == "" {
		h.eh.Handle(w, r, fmt.Errorf("%w: prompt is required", model.ErrInvalidInput))
		return
	}

	output, err := h.generator.Generate(r.Context(), req.Prompt)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", model.ErrUpstreamUnavailable, err)
		}
		h.eh.Handle(w, r, err)
		return
	}
	content := h.sanitizer.SanitizeHTML(output)

	resp := generateResponse{Content: content}
	if v, ok := middleware.ContentVerdictFromContext(r.Context()); ok && v.Decision == contentfilter.DecisionFlag {
		resp.FilterVerdict = annotation("input", v)
	}

	if h.filter != nil {
		p, _ := middleware.PrincipalFromContext(r.Context())
		in := contentfilter.Input{Content: content, Type: contentfilter.TypeHTML}
		if h.age != nil && p.IdentityID != "" {
			in.SubjectAge = h.age(r.Context(), p.IdentityID)
		}

		verdict := h.filter.Filter(r.Context(), in)
		switch verdict.Decision {
		case contentfilter.DecisionBlock:
			h.eh.Handle(w, r, fmt.Errorf("%w: generated output, categories %v", model.ErrContentBlocked, verdict.CategoryNames()))
			return
		case contentfilter.DecisionFlag:
			h.sink.Log(r.Context(), model.AuditEvent{
				Type:      model.EventContentFlagged,
				ActorID:   p.IdentityID,
				IPAddress: middleware.ClientIP(r),
				Severity:  model.SeverityMedium,
				Details: map[string]interface{}{
					"stage":       "output",
					"fingerprint": verdict.Fingerprint,
					"categories":  verdict.CategoryNames(),
				},
			})
			resp.Content = verdict.SafeVersion
			resp.FilterVerdict = annotation("output", verdict)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func annotation(stage string, v contentfilter.Verdict) *FilterAnnotation {
	return &FilterAnnotation{
		Stage:           stage,
		Decision:        v.Decision,
		Categories:      v.CategoryNames(),
		Confidence:      v.Confidence,
		Recommendations: v.Recommendations,
	}
}
