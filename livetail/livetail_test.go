package livetail

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPollingClient struct {
	pages [][]types.FilteredLogEvent
	calls int
}

func (s *stubPollingClient) FilterLogEvents(ctx context.Context, params *cloudwatchlogs.FilterLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error) {
	if s.calls >= len(s.pages) {
		return &cloudwatchlogs.FilterLogEventsOutput{}, nil
	}
	events := s.pages[s.calls]
	s.calls++
	return &cloudwatchlogs.FilterLogEventsOutput{Events: events}, nil
}

func TestPollingSourceEmitsAndAdvancesWatermark(t *testing.T) {
	client := &stubPollingClient{
		pages: [][]types.FilteredLogEvent{
			{
				{Timestamp: aws.Int64(1000), Message: aws.String(`{"__otel_otlp_stdout":"v1"}`)},
				{Timestamp: aws.Int64(2000), Message: aws.String(`{"__otel_otlp_stdout":"v1"}`)},
			},
		},
	}

	src := &PollingSource{Client: client, LogGroups: []string{"/aws/lambda/svc"}, Interval: 10 * time.Millisecond}
	out := make(chan Event, 8)

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	err := src.Run(ctx, out)
	require.NoError(t, err)

	var got []Event
	for e := range out {
		got = append(got, e)
	}
	require.GreaterOrEqual(t, len(got), 2)
	assert.Equal(t, int64(2000), src.lastSeen["/aws/lambda/svc"])
}

func TestPollingSourcePaginatesBeforeCommittingWatermark(t *testing.T) {
	page1 := []types.FilteredLogEvent{{Timestamp: aws.Int64(100), Message: aws.String("a")}}
	page2 := []types.FilteredLogEvent{{Timestamp: aws.Int64(200), Message: aws.String("b")}}

	calls := 0
	client := &pagingStub{pages: [][]types.FilteredLogEvent{page1, page2}, onCall: &calls}

	src := &PollingSource{Client: client, LogGroups: []string{"/g"}, Interval: time.Hour}
	out := make(chan Event, 4)

	ctx, cancel := context.WithCancel(context.Background())
	err := src.pollGroup(ctx, "/g", out)
	cancel()
	close(out)

	require.NoError(t, err)
	assert.Equal(t, int64(200), src.lastSeen["/g"])
	var got []Event
	for e := range out {
		got = append(got, e)
	}
	assert.Len(t, got, 2)
}

func TestFilterPatternTargetsEnvelopeRecords(t *testing.T) {
	assert.Contains(t, FilterPattern, "__otel_otlp_stdout")
}

func TestDefaultIntervalsAreSane(t *testing.T) {
	assert.Equal(t, 5*time.Second, DefaultPollInterval)
	assert.Equal(t, 30*time.Minute, DefaultSessionTimeout)
}

type pagingStub struct {
	pages  [][]types.FilteredLogEvent
	onCall *int
}

func (p *pagingStub) FilterLogEvents(ctx context.Context, params *cloudwatchlogs.FilterLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error) {
	idx := *p.onCall
	*p.onCall++
	out := &cloudwatchlogs.FilterLogEventsOutput{Events: p.pages[idx]}
	if idx+1 < len(p.pages) {
		out.NextToken = aws.String("next")
	}
	return out, nil
}
