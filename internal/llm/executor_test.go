package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelkehle/trialsense/internal/clinical"
)

type fakeCaller struct {
	responses []string
	errs      []error
	idx       int
	search    SearchResult
}

func (f *fakeCaller) Generate(context.Context, string) (string, error) {
	i := f.idx
	f.idx++
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return "", nil
}

func (f *fakeCaller) Search(ctx context.Context, prompt string) (SearchResult, error) {
	if _, err := f.Generate(ctx, prompt); err != nil {
		return SearchResult{}, err
	}
	return f.search, nil
}

func (f *fakeCaller) ModelName() string { return "test-model" }

func noBackoff(int) time.Duration { return 0 }

func TestExecutorRetriesTransientErrors(t *testing.T) {
	caller := &fakeCaller{
		responses: []string{"", "", `{"ok":true}`},
		errs:      []error{errors.New("POST: status code: 529 overloaded"), context.DeadlineExceeded},
	}
	exec := NewExecutor(caller, ExecutorConfig{Backoff: noBackoff})
	out, err := exec.Generate(context.Background(), "extract_profile", "prompt")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
	assert.Equal(t, 3, caller.idx)
}

func TestExecutorDoesNotRetryClientErrors(t *testing.T) {
	caller := &fakeCaller{errs: []error{errors.New("status code: 400 invalid request")}}
	exec := NewExecutor(caller, ExecutorConfig{Backoff: noBackoff})
	_, err := exec.Generate(context.Background(), "evaluate", "prompt")
	require.Error(t, err)
	assert.Equal(t, 1, caller.idx)
}

func TestExecutorGivesUpAfterMaxAttempts(t *testing.T) {
	boom := errors.New("status code: 500")
	caller := &fakeCaller{errs: []error{boom, boom, boom, boom}}
	exec := NewExecutor(caller, ExecutorConfig{Backoff: noBackoff, MaxAttempts: 2})
	_, err := exec.Generate(context.Background(), "evaluate", "prompt")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, caller.idx)
}

func TestExecutorAppliesPerAttemptTimeout(t *testing.T) {
	exec := NewExecutor(slowCaller{}, ExecutorConfig{Timeout: 10 * time.Millisecond, MaxAttempts: 1})
	_, err := exec.Generate(context.Background(), "evaluate", "prompt")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecutorSearchRequiresSearchCaller(t *testing.T) {
	_, err := NewExecutor(slowCaller{}, ExecutorConfig{}).Search(context.Background(), "radar_scan", "p")
	require.Error(t, err)

	caller := &fakeCaller{search: SearchResult{Text: "x", Citations: []clinical.Citation{{Title: "FDA", URL: "https://fda.gov"}}}}
	res, err := NewExecutor(caller, ExecutorConfig{}).Search(context.Background(), "radar_scan", "p")
	require.NoError(t, err)
	assert.Len(t, res.Citations, 1)
}

func TestExecutorImageRequiresVisionCaller(t *testing.T) {
	_, err := NewExecutor(&fakeCaller{}, ExecutorConfig{}).GenerateWithImage(context.Background(), "extract_image", "p", Image{Base64: "aGk="})
	require.Error(t, err)
}

func TestClassifyTransportError(t *testing.T) {
	assert.Equal(t, failureRateLimit, classifyTransportError(errors.New("status code: 429")))
	assert.Equal(t, failureServer, classifyTransportError(errors.New("status code: 503")))
	assert.Equal(t, failureClient, classifyTransportError(errors.New("status 401 unauthorized")))
	assert.Equal(t, failureTimeout, classifyTransportError(context.DeadlineExceeded))
	assert.Equal(t, failureNone, classifyTransportError(nil))
}

type slowCaller struct{}

func (slowCaller) Generate(ctx context.Context, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (slowCaller) ModelName() string { return "slow" }
