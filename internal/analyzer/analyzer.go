// Package analyzer classifies prompts (task type, complexity, language,
// urgency) and scores backends for a given analysis.
package analyzer

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/fairyhunter13/claudette/internal/domain"
)

var (
	codeRe        = regexp.MustCompile("(?s)```|\\bdef \\b|\\bfunc \\b|\\bclass \\b|=>|\\{.*\\}")
	mathRe        = regexp.MustCompile(`\d+\s*[+\-*/^=]\s*\d+|\b(integral|derivative|equation|theorem)\b`)
	codeWords     = []string{"code", "function", "implement", "debug", "refactor", "compile", "script", "bug", "api", "python", "javascript", "golang", "rust", "sql", "函数", "代码", "编程", "写一个"}
	mathWords     = []string{"calculate", "solve", "equation", "integral", "proof", "probability", "sum of", "计算"}
	reasonWords   = []string{"why", "explain", "reason", "step by step", "logic", "deduce", "prove", "think through"}
	creativeWords = []string{"story", "poem", "song", "creative", "imagine", "fiction", "essay about", "写一首"}
	analysisWords = []string{"analyze", "analyse", "compare", "evaluate", "summarize", "summarise", "review", "assess", "分析"}
	multiWords    = []string{"translate", "translation", "翻译"}
)

// tokenizer is loaded lazily; tiktoken fetches its BPE ranks on first use,
// so offline processes fall back to the char/4 estimate.
var (
	tokOnce sync.Once
	tok     *tiktoken.Tiktoken
)

func encoder() *tiktoken.Tiktoken {
	tokOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Debug("tiktoken unavailable, using char/4 token estimate", slog.Any("error", err))
			return
		}
		tok = enc
	})
	return tok
}

// EstimateTokens counts tokens with tiktoken when available, otherwise
// estimates by character length / 4.
func EstimateTokens(text string) int {
	if enc := encoder(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// Analyze classifies a request. The request's Options.Timeout must already
// be resolved to its effective value.
func Analyze(req domain.Request) domain.TaskAnalysis {
	prompt := req.Prompt
	lower := strings.ToLower(prompt)

	taskType := classify(lower, prompt)
	lang := sniffLanguage(prompt)
	if lang != "en" && taskType == domain.TaskGeneral {
		taskType = domain.TaskMultilingual
	}

	complexity := 0.3
	if len(prompt) > 1000 {
		complexity += 0.2
	}
	if len(prompt) > 2000 {
		complexity += 0.2
	}
	fileBonus := 0.1 * float64(len(req.Files))
	if fileBonus > 0.3 {
		fileBonus = 0.3
	}
	complexity += fileBonus
	if taskType == domain.TaskReasoning || taskType == domain.TaskAnalytical {
		complexity += 0.2
	}
	if taskType == domain.TaskCode && strings.Contains(lower, "algorithm") {
		complexity += 0.2
	}
	if complexity > 1.0 {
		complexity = 1.0
	}

	total := len(prompt)
	for _, f := range req.Files {
		total += len(f)
	}

	urgency := domain.UrgencyLow
	switch {
	case req.Options.Timeout > 0 && req.Options.Timeout < 30*time.Second:
		urgency = domain.UrgencyHigh
	case req.Options.Timeout > 0 && req.Options.Timeout < 60*time.Second:
		urgency = domain.UrgencyMedium
	}

	qp := complexity + 0.3
	if qp > 1.0 {
		qp = 1.0
	}

	return domain.TaskAnalysis{
		Type:            taskType,
		Complexity:      complexity,
		Language:        lang,
		EstimatedTokens: (total + 3) / 4,
		Urgency:         urgency,
		QualityPriority: qp,
	}
}

func classify(lower, raw string) domain.TaskType {
	switch {
	case containsAny(lower, multiWords):
		return domain.TaskMultilingual
	case containsAny(lower, codeWords) || codeRe.MatchString(raw):
		return domain.TaskCode
	case containsAny(lower, mathWords) || mathRe.MatchString(lower):
		return domain.TaskMath
	case containsAny(lower, analysisWords):
		return domain.TaskAnalytical
	case containsAny(lower, creativeWords):
		return domain.TaskCreative
	case containsAny(lower, reasonWords):
		return domain.TaskReasoning
	}
	return domain.TaskGeneral
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// sniffLanguage guesses the dominant language by Unicode ranges. Kana is
// checked before Han so Japanese text with kanji resolves to ja.
func sniffLanguage(s string) string {
	var han, kana, hangul, cyrillic, arabic, total int
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsDigit(r) {
			continue
		}
		total++
		switch {
		case unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r):
			kana++
		case unicode.Is(unicode.Han, r):
			han++
		case unicode.Is(unicode.Hangul, r):
			hangul++
		case unicode.Is(unicode.Cyrillic, r):
			cyrillic++
		case unicode.Is(unicode.Arabic, r):
			arabic++
		}
	}
	if total == 0 {
		return "en"
	}
	threshold := total / 10
	switch {
	case kana > threshold:
		return "ja"
	case han > threshold:
		return "zh"
	case hangul > threshold:
		return "ko"
	case cyrillic > threshold:
		return "ru"
	case arabic > threshold:
		return "ar"
	}
	return "en"
}
