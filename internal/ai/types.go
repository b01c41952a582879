package ai

import "strings"

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
	Tools            []tool            `json:"tools,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	ResponseMIMEType string   `json:"responseMimeType,omitempty"`
}

type tool struct {
	GoogleSearch *struct{} `json:"google_search,omitempty"`
}

type generateResponse struct {
	Candidates []candidate `json:"candidates"`
	Error      *apiError   `json:"error,omitempty"`
}

type candidate struct {
	Content           content            `json:"content"`
	FinishReason      string             `json:"finishReason,omitempty"`
	GroundingMetadata *groundingMetadata `json:"groundingMetadata,omitempty"`
}

type groundingMetadata struct {
	GroundingChunks []groundingChunk `json:"groundingChunks"`
}

type groundingChunk struct {
	Web *webChunk `json:"web,omitempty"`
}

type webChunk struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func userPrompt(text string) []content {
	return []content{{Role: "user", Parts: []part{{Text: text}}}}
}

// text は最初の候補のテキストパートを連結して返す。
func (r *generateResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// webSources はWebのURIを持つグラウンディングチャンクを返す。
func (r *generateResponse) webSources() []Source {
	sources := []Source{}
	if len(r.Candidates) == 0 || r.Candidates[0].GroundingMetadata == nil {
		return sources
	}
	for _, ch := range r.Candidates[0].GroundingMetadata.GroundingChunks {
		if ch.Web == nil || ch.Web.URI == "" {
			continue
		}
		sources = append(sources, Source{URI: ch.Web.URI, Title: ch.Web.Title})
	}
	return sources
}
