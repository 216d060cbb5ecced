package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/jdkato/prose/v2"

	"github.com/insight-engine/backend/internal/storage/models"
	"github.com/insight-engine/backend/pkg/utils"
)

const (
	maxRecommendations = 5
	maxObstacles       = 5
	maxTitleRunes      = 120
)

// Reply is the structure the model is asked to return.
type Reply struct {
	Title           string   `json:"title"`
	Summary         string   `json:"summary"`
	Confidence      *float64 `json:"confidence"`
	Recommendations []string `json:"recommendations"`
	Obstacles       []string `json:"obstacles"`
}

var (
	fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	spacePattern = regexp.MustCompile(`\s+`)
)

// ParseReply pulls the JSON object out of raw model output, strips any
// markup from its strings and trims the summary to the sentence budget for
// depth. Anything unusable is reported as ErrLLMMalformedResponse.
func ParseReply(raw string, depth models.AnalysisDepth) (*Reply, error) {
	body := extractJSON(raw)
	if body == "" {
		return nil, fmt.Errorf("%w: no JSON object in reply", ErrLLMMalformedResponse)
	}

	var reply Reply
	if err := json.Unmarshal([]byte(body), &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLLMMalformedResponse, err)
	}

	reply.Title = utils.Truncate(cleanText(reply.Title), maxTitleRunes)
	reply.Summary = limitSentences(cleanText(reply.Summary), sentenceBudget(depth))
	if reply.Title == "" || reply.Summary == "" {
		return nil, fmt.Errorf("%w: title and summary are required", ErrLLMMalformedResponse)
	}

	if reply.Confidence != nil && (*reply.Confidence < 0 || *reply.Confidence > 1) {
		reply.Confidence = nil
	}

	reply.Recommendations = cleanList(reply.Recommendations, maxRecommendations)
	reply.Obstacles = cleanList(reply.Obstacles, maxObstacles)

	return &reply, nil
}

func extractJSON(raw string) string {
	text := strings.TrimSpace(raw)
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// cleanText drops HTML markup and collapses whitespace.
func cleanText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.ContainsAny(s, "<>&") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(s)); err == nil {
			s = doc.Text()
		}
	}
	return strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
}

func cleanList(items []string, limit int) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		item = cleanText(item)
		if item == "" {
			continue
		}
		key := strings.ToLower(item)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
		if len(out) == limit {
			break
		}
	}
	return out
}

func sentenceBudget(depth models.AnalysisDepth) int {
	switch depth {
	case models.DepthMinimal:
		return 2
	case models.DepthDetailed:
		return 8
	default:
		return 4
	}
}

// limitSentences keeps the first n sentences of text.
func limitSentences(text string, n int) string {
	if text == "" || n <= 0 {
		return text
	}
	doc, err := prose.NewDocument(text,
		prose.WithTokenization(false),
		prose.WithTagging(false),
		prose.WithExtraction(false))
	if err != nil {
		return text
	}

	sentences := doc.Sentences()
	if len(sentences) <= n {
		return text
	}

	parts := make([]string, 0, n)
	for _, s := range sentences[:n] {
		parts = append(parts, strings.TrimSpace(s.Text))
	}
	return strings.Join(parts, " ")
}
