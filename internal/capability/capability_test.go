package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/corpus-cli/internal/model"
	"github.com/sells-group/corpus-cli/internal/resilience"
	"github.com/sells-group/corpus-cli/pkg/anthropic"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func TestRegistry(t *testing.T) {
	r, err := Builtins(nil, LLMConfig{})
	require.NoError(t, err)
	assert.Equal(t, []model.Capability{"assoc", "entity-cluster", "ner", "topic-cluster"}, r.Names())

	a, err := r.Get("ner")
	require.NoError(t, err)
	assert.Equal(t, KindEntities, a.Kind())

	_, err = r.Get("nope")
	assert.Error(t, err)

	assert.Error(t, r.Register(NewHeuristicEntities()), "duplicate name")

	withLLM, err := Builtins(new(mockClient), LLMConfig{Model: "m"})
	require.NoError(t, err)
	assert.Contains(t, withLLM.Names(), model.Capability("ner-llm"))
}

type namedAnalyzer struct {
	*HeuristicEntities
	name model.Capability
}

func (n namedAnalyzer) Name() model.Capability { return n.name }

func TestRegistry_RejectsBadNames(t *testing.T) {
	_, err := NewRegistry(namedAnalyzer{NewHeuristicEntities(), "ingest"})
	assert.Error(t, err)
	_, err = NewRegistry(namedAnalyzer{NewHeuristicEntities(), "Bad Name"})
	assert.Error(t, err)
}

func spanSet(spans []model.Span) map[string]string {
	out := make(map[string]string, len(spans))
	for _, s := range spans {
		out[s.Text] = s.Type
	}
	return out
}

func TestExtractSpans(t *testing.T) {
	text := "Dr. Jane Smith met executives of Acme Corp. in Berlin on Monday. " +
		"The European Central Bank raised rates. Later, NATO and Johnson & Johnson responded."
	got := spanSet(ExtractSpans(text))

	assert.Equal(t, model.EntityPerson, got["Jane Smith"])
	assert.Equal(t, model.EntityOrg, got["Acme Corp"])
	assert.Equal(t, model.EntityLoc, got["Berlin"])
	assert.Equal(t, model.EntityOrg, got["European Central Bank"])
	assert.Equal(t, model.EntityOrg, got["NATO"])
	assert.Contains(t, got, "Johnson & Johnson")
	assert.NotContains(t, got, "Monday")
	assert.NotContains(t, got, "The")
	assert.NotContains(t, got, "Dr")
}

func TestExtractSpans_CountsRepeats(t *testing.T) {
	spans := ExtractSpans("Acme Corp grew. Analysts praised Acme Corp again.")
	n := 0
	for _, s := range spans {
		if s.Text == "Acme Corp" {
			n++
		}
	}
	assert.Equal(t, 2, n)
}

func TestExtractSpans_Empty(t *testing.T) {
	assert.Empty(t, ExtractSpans("nothing capitalized here at all."))
	assert.Empty(t, ExtractSpans(""))
}

func TestHeuristicEntities_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHeuristicEntities().Analyze(ctx, "Acme Corp", "en")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseSpans(t *testing.T) {
	spans, err := ParseSpans("Here you go:\n```json\n" +
		`[{"text":"Acme","type":"org"},{"text":"  ","type":"PERSON"},{"text":"Zed","type":"planet"}]` +
		"\n```")
	require.NoError(t, err)
	assert.Equal(t, []model.Span{
		{Text: "Acme", Type: model.EntityOrg},
		{Text: "Zed", Type: model.EntityMisc},
	}, spans)

	spans, err = ParseSpans("[]")
	require.NoError(t, err)
	assert.Empty(t, spans)

	_, err = ParseSpans("I could not find any.")
	assert.Error(t, err)
	_, err = ParseSpans(`[{"text": 1}]`)
	assert.Error(t, err)
}

func TestLLMEntities_Analyze(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "test-model" && req.MaxTokens == 1024 &&
			len(req.System) == 1 && req.System[0].CacheControl != nil &&
			len(req.Messages) == 1 && req.Messages[0].Content == "Document language: en\n\nAcme hired Bob."
	})).Return(&anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: `[{"text":"Acme","type":"ORG"},{"text":"Bob","type":"PERSON"}]`}},
		Usage:   anthropic.TokenUsage{InputTokens: 40, OutputTokens: 12},
	}, nil)

	l := NewLLMEntities(mc, LLMConfig{Model: "test-model"})
	res, err := l.Analyze(context.Background(), "Acme hired Bob.", "en")
	require.NoError(t, err)
	assert.Len(t, res.Spans, 2)
	mc.AssertExpectations(t)

	usage, cost := l.Usage()
	assert.Equal(t, int64(40), usage.InputTokens)
	assert.Equal(t, int64(12), usage.OutputTokens)
	assert.Zero(t, cost, "unpriced model")
}

func TestLLMEntities_Errors(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("bad request")).Once()
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(&anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: "no entities"}},
	}, nil).Once()

	l := NewLLMEntities(mc, LLMConfig{Model: "m", RequestsPerSec: 1000})
	_, err := l.Analyze(context.Background(), "text", "")
	require.Error(t, err)
	assert.Equal(t, resilience.FailurePermanent, resilience.ClassifyError(err))

	_, err = l.Analyze(context.Background(), "text", "")
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Analyze(ctx, "text", "")
	assert.Error(t, err)
	mc.AssertExpectations(t)
}

func TestTopicClusters(t *testing.T) {
	text := "Solar energy prices fell. Solar panels and energy storage grew. Solar!"
	res, err := NewTopicClusters(0).Analyze(context.Background(), text, "en")
	require.NoError(t, err)
	require.Len(t, res.Memberships, 2)

	assert.Equal(t, "solar", res.Memberships[0].Name)
	assert.Equal(t, "topic:en:solar", res.Memberships[0].Key)
	assert.Equal(t, model.ClusterTopic, res.Memberships[0].Type)
	assert.InDelta(t, 0.6, res.Memberships[0].Score, 1e-9)
	assert.InDelta(t, 0.4, res.Memberships[1].Score, 1e-9)
}

func TestTopicClusters_NothingDominant(t *testing.T) {
	res, err := NewTopicClusters(3).Analyze(context.Background(), "every word differs here", "en")
	require.NoError(t, err)
	assert.Empty(t, res.Memberships)
}

func TestEntityClusters(t *testing.T) {
	text := "Acme Corp sued Globex Inc. Acme Corp won. Berlin reacted."
	res, err := NewEntityClusters(2).Analyze(context.Background(), text, "en")
	require.NoError(t, err)
	require.Len(t, res.Memberships, 2)
	assert.Equal(t, "entity:ORG:acme corp", res.Memberships[0].Key)
	assert.Equal(t, "Acme Corp", res.Memberships[0].Name)
	assert.Equal(t, model.ClusterEntity, res.Memberships[0].Type)
	assert.InDelta(t, 2.0/3.0, res.Memberships[0].Score, 1e-9)
}

func TestAssociations_Items(t *testing.T) {
	res, err := NewAssociations().Analyze(context.Background(), "gamma alpha beta alpha 42", "en")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, res.Items)
}

func TestAssocAggregator_Rules(t *testing.T) {
	g := NewAssocAggregator(2)
	g.Add([]string{"alpha", "beta"})
	g.Add([]string{"alpha", "beta", "gamma"})
	g.Add([]string{"alpha", "gamma"})
	assert.Equal(t, 3, g.Records())

	rules := g.Rules(3)
	require.Len(t, rules, 3)
	assert.Equal(t, "beta", rules[0].Antecedent)
	assert.Equal(t, "alpha", rules[0].Consequent)
	assert.InDelta(t, 1.0, rules[0].Confidence, 1e-9)
	assert.InDelta(t, 2.0/3.0, rules[0].Support, 1e-9)
	assert.InDelta(t, 1.0, rules[0].Lift, 1e-9)
	assert.Equal(t, "gamma", rules[1].Antecedent)
	assert.Equal(t, "alpha", rules[2].Antecedent)

	assert.Nil(t, NewAssocAggregator(0).Rules(10))
}
