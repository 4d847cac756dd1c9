package core

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/xiaopang/keyrelay/internal/model"
)

const (
	RetryMarker        = "[RETRY]"
	DefaultLightModel  = "grok-3-mini-beta"
	DefaultHeavyModel  = "grok-3-beta"
	signatureLength    = 100
	defaultFastCap     = 3000
	temperatureCeiling = 0.2
)

var continuationPattern = regexp.MustCompile(`(?i)\[CONTINUATION PART (\d+)\]`)

// DefaultComplexTopics 默认的复杂问题关键词
var DefaultComplexTopics = []string{
	"rights issue",
	"open offer",
	"timetable",
	"chapter 18c",
	"connected transaction",
	"whitewash waiver",
	"very substantial acquisition",
}

var definitionalPrefixes = []string{"what is", "what are", "define", "definition of", "meaning of"}

// ComplexPredicate decides whether a prompt text is a hard topic.
type ComplexPredicate func(text string) bool

// KeywordPredicate matches any keyword, case-insensitively.
func KeywordPredicate(keywords ...string) ComplexPredicate {
	lowered := make([]string, len(keywords))
	for i, k := range keywords {
		lowered[i] = strings.ToLower(k)
	}
	return func(text string) bool {
		t := strings.ToLower(text)
		for _, k := range lowered {
			if strings.Contains(t, k) {
				return true
			}
		}
		return false
	}
}

// Prompt 一次逻辑调用的输入
type Prompt struct {
	Messages         []model.Message `json:"messages"`
	ConversationID   string          `json:"conversation_id,omitempty"`
	BatchNumber      int             `json:"batch_number,omitempty"` // 显式指定时优先于文本标记
	IsRetry          bool            `json:"is_retry,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	PreferHeavyModel bool            `json:"prefer_heavy_model,omitempty"`
}

// Classification 请求分类结果
type Classification struct {
	Text           string
	IsRetry        bool
	IsBatch        bool
	BatchNumber    int
	IsComplex      bool
	IsDefinitional bool
	Signature      string
}

// Classifier 请求分类器
type Classifier struct {
	isComplex ComplexPredicate
}

// NewClassifier 创建分类器；pred 为 nil 时使用默认关键词
func NewClassifier(pred ComplexPredicate) *Classifier {
	if pred == nil {
		pred = KeywordPredicate(DefaultComplexTopics...)
	}
	return &Classifier{isComplex: pred}
}

// Classify inspects the last user message.
func (c *Classifier) Classify(p Prompt) Classification {
	text := model.LastUserContent(p.Messages)
	lower := strings.ToLower(text)

	cls := Classification{
		Text:           text,
		IsRetry:        p.IsRetry || strings.Contains(lower, strings.ToLower(RetryMarker)),
		IsComplex:      c.isComplex(text),
		IsDefinitional: isDefinitional(lower),
		Signature:      Signature(text),
	}

	if p.BatchNumber > 0 {
		cls.BatchNumber = p.BatchNumber
	} else if m := continuationPattern.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			cls.BatchNumber = n
		}
	}
	cls.IsBatch = cls.BatchNumber > 0
	return cls
}

func isDefinitional(lower string) bool {
	t := strings.TrimSpace(lower)
	for _, p := range definitionalPrefixes {
		if strings.HasPrefix(t, p) {
			return true
		}
	}
	return false
}

// Signature is the first 100 runes of the prompt text.
func Signature(text string) string {
	r := []rune(text)
	if len(r) > signatureLength {
		r = r[:signatureLength]
	}
	return string(r)
}

// Rule 策略表中的一行
type Rule struct {
	Name        string
	Match       func(Classification) bool
	TokenLimit  int
	Temperature float64
}

// PolicyTable 有序规则表，首个匹配生效
type PolicyTable struct {
	Rules   []Rule
	Default Rule
}

func containsTopic(topic string) func(Classification) bool {
	return func(c Classification) bool {
		return strings.Contains(strings.ToLower(c.Text), topic)
	}
}

// DefaultPolicyTable 默认 token/温度策略
func DefaultPolicyTable() PolicyTable {
	return PolicyTable{
		Rules: []Rule{
			{Name: "retry", Match: func(c Classification) bool { return c.IsRetry }, TokenLimit: 8000, Temperature: 0.3},
			{Name: "chapter_18c", Match: containsTopic("chapter 18c"), TokenLimit: 6000, Temperature: 0.4},
			{Name: "timetable", Match: containsTopic("timetable"), TokenLimit: 6000, Temperature: 0.3},
			{Name: "rights_issue", Match: containsTopic("rights issue"), TokenLimit: 5000, Temperature: 0.3},
			{Name: "definitional", Match: func(c Classification) bool { return c.IsDefinitional }, TokenLimit: 2000, Temperature: 0.1},
		},
		Default: Rule{Name: "default", TokenLimit: 4000, Temperature: 0.5},
	}
}

// Lookup returns the first matching rule.
func (t PolicyTable) Lookup(c Classification) Rule {
	for _, r := range t.Rules {
		if r.Match != nil && r.Match(c) {
			return r
		}
	}
	return t.Default
}

// Params 发往上游的请求参数
type Params struct {
	Model             string
	MaxTokens         int
	Temperature       float64
	OptimizedForSpeed bool
	Rule              string
}

// Shaper 根据策略表生成请求参数
type Shaper struct {
	Table           PolicyTable
	FastResponseCap int
	LightModel      string
	HeavyModel      string
}

// NewShaper 创建参数生成器，零值字段使用默认值
func NewShaper(table PolicyTable, fastCap int, lightModel, heavyModel string) *Shaper {
	if fastCap <= 0 {
		fastCap = defaultFastCap
	}
	if lightModel == "" {
		lightModel = DefaultLightModel
	}
	if heavyModel == "" {
		heavyModel = DefaultHeavyModel
	}
	return &Shaper{Table: table, FastResponseCap: fastCap, LightModel: lightModel, HeavyModel: heavyModel}
}

// Shape applies the policy: complex queries keep the full ceiling and the
// heavy model, everything else is capped for speed.
func (s *Shaper) Shape(c Classification, p Prompt) Params {
	rule := s.Table.Lookup(c)

	params := Params{
		Model:             s.LightModel,
		MaxTokens:         rule.TokenLimit,
		Temperature:       math.Min(rule.Temperature, temperatureCeiling),
		OptimizedForSpeed: !c.IsComplex,
		Rule:              rule.Name,
	}
	if !c.IsComplex && params.MaxTokens > s.FastResponseCap {
		params.MaxTokens = s.FastResponseCap
	}
	if p.Temperature != nil {
		params.Temperature = *p.Temperature
	}
	if c.IsComplex || p.PreferHeavyModel {
		params.Model = s.HeavyModel
	}
	return params
}

// BuildRequest assembles the upstream request body.
func BuildRequest(p Prompt, c Classification, params Params) *model.ChatCompletionRequest {
	temp := params.Temperature
	maxTokens := params.MaxTokens
	return &model.ChatCompletionRequest{
		Model:       params.Model,
		Messages:    p.Messages,
		Temperature: &temp,
		MaxTokens:   &maxTokens,
		Metadata: &model.RequestMetadata{
			ConversationID:    p.ConversationID,
			IsBatchRequest:    c.IsBatch,
			BatchNumber:       c.BatchNumber,
			IsComplexQuery:    c.IsComplex,
			OptimizedForSpeed: params.OptimizedForSpeed,
		},
	}
}
